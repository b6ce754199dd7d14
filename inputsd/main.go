package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/wikilt/fieldstream/fieldstream"
)

const Version = "0.0.1"

const DefaultPort = 8080

func main() {
	usage := fmt.Sprintf(
		`Reactive wiki field streaming daemon.

Serves the live field websocket endpoint at /ws/inputs.

Usage:
    inputsd serve --docs=<docs> [--users=<users>] [--db=<db>]
        [--port=<port>] [--jwt_secret=<jwt_secret>] [--sandbox]
    inputsd token --users=<users> --user=<user> [--jwt_secret=<jwt_secret>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --docs=<docs>              Directory of markdown documents.
    --users=<users>            Users json file.
    --db=<db>                  Sqlite field store path (default in-memory).
    --jwt_secret=<jwt_secret>  Connection auth secret [default: insecure-dev-secret].
    --sandbox                  Enable the docker execution bridge.
    --user=<user>              User name to issue a token for.
    -p --port=<port>           Listen port [default: %d].`,
		DefaultPort,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}
	flag.CommandLine.Parse([]string{})

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
	if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func loadUsers(path string) (*fieldstream.UserDirectory, error) {
	users := fieldstream.NewUserDirectory()
	if path == "" {
		return users, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		UserId string   `json:"user_id"`
		Name   string   `json:"name"`
		Email  string   `json:"email"`
		Groups []string `json:"groups"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		userId, err := fieldstream.ParseId(entry.UserId)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", entry.Name, err)
		}
		users.Add(&fieldstream.User{
			UserId: userId,
			Name:   entry.Name,
			Email:  entry.Email,
			Groups: entry.Groups,
		})
	}
	return users, nil
}

func loadDocuments(dir string) (*fieldstream.MemoryDocumentStore, error) {
	documents := fieldstream.NewMemoryDocumentStore()
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		docPath := "/" + strings.TrimSuffix(filepath.ToSlash(rel), ".md")
		if strings.HasSuffix(docPath, "/index") {
			docPath = strings.TrimSuffix(docPath, "index")
		}
		documents.Add(fieldstream.NewMemoryDocument(docPath, string(content)))
		glog.V(1).Infof("loaded %s\n", docPath)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return documents, nil
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	docsDir, _ := opts.String("--docs")
	usersPath, _ := opts.String("--users")
	dbPath, _ := opts.String("--db")
	jwtSecret, _ := opts.String("--jwt_secret")
	sandbox_, _ := opts.Bool("--sandbox")

	documents, err := loadDocuments(docsDir)
	if err != nil {
		glog.Errorf("load documents: %s\n", err)
		os.Exit(1)
	}
	users, err := loadUsers(usersPath)
	if err != nil {
		glog.Errorf("load users: %s\n", err)
		os.Exit(1)
	}

	var store fieldstream.Store
	if dbPath != "" {
		sqliteStore, err := fieldstream.OpenSqliteStore(dbPath)
		if err != nil {
			glog.Errorf("open store: %s\n", err)
			os.Exit(1)
		}
		defer sqliteStore.Close()
		store = sqliteStore
	} else {
		store = fieldstream.NewMemoryStore()
	}

	engine := fieldstream.NewEngine(documents, users, store)
	if sandbox_ {
		engine.SetSandbox(fieldstream.NewSandboxBridgeWithDefaults(
			fieldstream.NewDockerClientWithDefaults(),
		))
	}

	server := fieldstream.NewServerWithDefaults(engine, []byte(jwtSecret))
	mux := http.NewServeMux()
	mux.Handle("/ws/inputs", server)

	glog.Infof("listening on :%d\n", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		glog.Errorf("listen: %s\n", err)
		os.Exit(1)
	}
}

func token(opts docopt.Opts) {
	usersPath, _ := opts.String("--users")
	userName, _ := opts.String("--user")
	jwtSecret, _ := opts.String("--jwt_secret")

	users, err := loadUsers(usersPath)
	if err != nil {
		glog.Errorf("load users: %s\n", err)
		os.Exit(1)
	}
	user := users.Lookup(userName)
	if user == nil {
		glog.Errorf("unknown user %s\n", userName)
		os.Exit(1)
	}

	jwt, err := fieldstream.IssueViewerJwt([]byte(jwtSecret), user, 24*time.Hour)
	if err != nil {
		glog.Errorf("issue token: %s\n", err)
		os.Exit(1)
	}
	fmt.Println(jwt)
}
