package fieldstream

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

// runs one sandboxed session per resolved execution target.
// the target document's source blocks layer on top of its parent's
// image, recursively, with image reuse keyed by revision ids so
// unchanged ancestors skip rebuilding.

var controlLineRe = regexp.MustCompile(`^#\s*WI[_-]NATIVE\s*(.*)$`)

type SandboxSettings struct {
	// image for the root document's FROM
	BaseImage   string
	ImagePrefix string
	// in-container install prefix
	PathPrefix string

	// keep-alive interval when the session has zero arguments
	WatchdogTimeout time.Duration
	WriteTimeout    time.Duration

	// a session is terminated when both hold over the window:
	// at least FloodMinLines control lines and a sustained rate
	// above FloodMaxRate lines per second
	FloodWindow   time.Duration
	FloodMinLines int
	FloodMaxRate  float64
}

func DefaultSandboxSettings() *SandboxSettings {
	return &SandboxSettings{
		BaseImage:       "wikilt/base",
		ImagePrefix:     "wikilt",
		PathPrefix:      "/wikilt",
		WatchdogTimeout: 30 * time.Second,
		WriteTimeout:    5 * time.Second,
		FloodWindow:     10 * time.Second,
		FloodMinLines:   100,
		FloodMaxRate:    20,
	}
}

type SandboxBridge struct {
	client   *DockerClient
	settings *SandboxSettings

	// image build-or-fetch is serialized process-wide so concurrent
	// sessions never race duplicate builds on the same tag
	buildMutex sync.Mutex
}

func NewSandboxBridgeWithDefaults(client *DockerClient) *SandboxBridge {
	return NewSandboxBridge(client, DefaultSandboxSettings())
}

func NewSandboxBridge(client *DockerClient, settings *SandboxSettings) *SandboxBridge {
	return &SandboxBridge{
		client:   client,
		settings: settings,
	}
}

func (self *SandboxBridge) imageTag(docPath string, revisionId Id) string {
	p := strings.ToLower(strings.Trim(docPath, "/"))
	if p == "" {
		return fmt.Sprintf("%s:%s", self.settings.ImagePrefix, revisionId)
	}
	return fmt.Sprintf("%s/%s:%s", self.settings.ImagePrefix, p, revisionId)
}

// build-or-reuse the image for a document path.
// ancestors resolve recursively, an unchanged ancestor hits the
// existing tag and skips its rebuild.
func (self *SandboxBridge) resolveImage(ctx context.Context, ic *ConnContext, docPath string) (string, error) {
	render, err := ic.Engine.renders.Get(docPath, ic.Viewer)
	if err != nil {
		return "", fmt.Errorf("%s@%s: does not exist", docPath, ic.Viewer.Name)
	}

	tag := self.imageTag(docPath, render.RevisionId)

	self.buildMutex.Lock()
	defer self.buildMutex.Unlock()

	exists, err := self.client.ImageExists(ctx, tag)
	if err != nil {
		return "", err
	}
	if exists {
		glog.V(1).Infof("[sandbox]%s@%s: re-use image %s\n", docPath, ic.Viewer.Name, tag)
		return tag, nil
	}

	var parentImage string
	if normDocPath(docPath) == "/" {
		parentImage = self.settings.BaseImage
	} else {
		parentDocPath := normDocPath(docPath)
		parentDocPath = parentDocPath[:strings.LastIndex(parentDocPath, "/")]
		// recursion re-enters the build lock
		self.buildMutex.Unlock()
		parentImage, err = self.resolveImage(ctx, ic, parentDocPath)
		self.buildMutex.Lock()
		if err != nil {
			return "", err
		}
	}

	buildContext, err := self.buildContext(render, parentImage, normDocPath(docPath))
	if err != nil {
		return "", err
	}

	glog.V(1).Infof("[sandbox]%s@%s: build %s\n", docPath, ic.Viewer.Name, tag)
	if err := self.client.BuildImage(ctx, tag, buildContext); err != nil {
		return "", err
	}
	return tag, nil
}

// synthesizes the Dockerfile and tar context from the document's
// source blocks
func (self *SandboxBridge) buildContext(render *Render, parentImage string, docPath string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	dstPath := self.settings.PathPrefix + docPath
	dockerfile := []string{
		"FROM " + parentImage,
	}

	names := maps.Keys(render.SourceFields)
	slices.Sort(names)
	for _, name := range names {
		block := render.SourceFields[name]
		fn := strings.ReplaceAll(name, `"`, "_")
		dst := dstPath + "/" + fn

		var content []byte
		var mode int64 = 0o644
		switch block.Type {
		case "wi", "wiki-inputs", "wiki_inputs":
			content = []byte("#!/usr/bin/env wi-run\n\n" + block.Text)
			mode = 0o777
		case "bash", "shell":
			content = []byte("#!/bin/bash\n\n" + block.Text)
			mode = 0o777
		default:
			content = []byte(block.Text)
		}

		header := &tar.Header{
			Name: "wi." + fn,
			Mode: mode,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}

		dockerfile = append(dockerfile, fmt.Sprintf("COPY [%q, %q]", header.Name, dst))
	}

	dockerfile = append(dockerfile, fmt.Sprintf("ENV PATH %s:$PATH", dstPath))
	dockerfile = append(dockerfile, fmt.Sprintf("ENV WI_HOME %s", dstPath))

	glog.V(2).Infof("[sandbox]dockerfile:\n\t%s\n", strings.Join(dockerfile, "\n\t"))

	content := []byte(strings.Join(dockerfile, "\n"))
	header := &tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// a parsed control line payload
type controlMessage struct {
	Type string
	Id   int
	Val  string
	User string
}

// ParseControlLine matches the embedded control marker and decodes
// its payload. plain output lines return (nil, false).
func ParseControlLine(line string) (*controlMessage, bool) {
	m := controlLineRe.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	payload := strings.TrimSpace(m[1])

	var message controlMessage
	switch payload {
	case "clear":
		message.Type = "clear"
		return &message, true
	}
	if strings.HasPrefix(payload, "progress") {
		message.Type = "progress"
		message.Val = strings.TrimSpace(strings.TrimPrefix(payload, "progress"))
		return &message, true
	}

	// val and user arrive as strings or numbers depending on the
	// sandboxed program, both forms are accepted
	var raw struct {
		Type string `json:"type"`
		Id   int    `json:"id"`
		Val  any    `json:"val"`
		User any    `json:"user"`
	}
	decoder := json.NewDecoder(strings.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		glog.V(1).Infof("[sandbox]malformed control line: %.120s\n", line)
		return nil, false
	}
	message.Type = raw.Type
	message.Id = raw.Id
	message.Val = scalarString(raw.Val)
	message.User = scalarString(raw.User)
	return &message, true
}

func scalarString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// sliding window guard against a runaway sandboxed program
type floodGuard struct {
	window   time.Duration
	minLines int
	maxRate  float64

	times []time.Time
}

func newFloodGuard(settings *SandboxSettings) *floodGuard {
	return &floodGuard{
		window:   settings.FloodWindow,
		minLines: settings.FloodMinLines,
		maxRate:  settings.FloodMaxRate,
	}
}

// records one control line and reports whether the threshold is
// exceeded. both the absolute count and the rate condition must hold.
func (self *floodGuard) note(now time.Time) bool {
	self.times = append(self.times, now)

	cutoff := now.Add(-self.window)
	i := 0
	for i < len(self.times) && self.times[i].Before(cutoff) {
		i += 1
	}
	if 0 < i {
		self.times = self.times[i:]
	}

	count := len(self.times)
	return self.minLines <= count && self.maxRate < float64(count)/self.window.Seconds()
}

// reads the duplex stream into lines for the session lifetime.
// the channel closes when the stream ends or errors.
func readSandboxLines(ctx context.Context, ws *websocket.Conn) <-chan string {
	out := make(chan string)

	go func() {
		defer close(out)
		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				for _, line := range strings.Split(strings.TrimRight(string(message), "\r\n"), "\n") {
					if !sendValue(ctx, out, strings.TrimRight(line, "\r")) {
						return
					}
				}
			default:
			}
		}
	}()

	return out
}

type sandboxArg struct {
	user *User
	arg  any
}

type sandboxArgItem struct {
	id    int
	value *Value
}

// one live argument stream multiplexed into the session, enumerated
// by its argument id
func sandboxArgStream(ctx context.Context, ic *ConnContext, id int, spec *sandboxArg, union chan<- sandboxArgItem) {
	go func() {
		for value := range argStream(ctx, ic, spec.user, spec.arg) {
			select {
			case <-ctx.Done():
				return
			case union <- sandboxArgItem{id: id, value: value}:
			}
		}
	}()
}

// the `docker` display function: one sandboxed session fed by the
// argument streams, emitting the session's output as values
func dockerFn(ctx context.Context, ic *ConnContext, args []any) <-chan *Value {
	if ic.Engine.sandbox == nil {
		return singleValue(ErrorValue("⚠ sandbox is not available ⚠"))
	}
	if len(args) < 1 {
		return singleValue(nil)
	}
	path, ok := args[0].(FieldPath)
	if !ok {
		return singleValue(ErrorValue("⚠ wrong first argument format ⚠"))
	}

	out := make(chan *Value)
	go func() {
		defer close(out)
		ic.Engine.sandbox.run(ctx, ic, path, args[1:], out)
	}()
	return out
}

func (self *SandboxBridge) run(ctx context.Context, ic *ConnContext, path FieldPath, args []any, out chan<- *Value) {
	// the docker argument addresses a document, every segment is a
	// path segment
	docPath := path.Resolve(ic.Path).String()

	image, err := self.resolveImage(ctx, ic, docPath)
	if err != nil {
		sendValue(ctx, out, ErrorValue("⚠ %s ⚠", err))
		return
	}

	containerId, err := self.client.CreateContainer(ctx, image)
	if err != nil {
		sendValue(ctx, out, ErrorValue("⚠ %s ⚠", err))
		return
	}
	shortId := containerId
	if 12 < len(shortId) {
		shortId = shortId[:12]
	}
	glog.V(1).Infof("[sandbox]%s: created\n", shortId)

	// teardown is best effort on every exit path
	defer func() {
		glog.V(1).Infof("[sandbox]%s: delete\n", shortId)
		teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer teardownCancel()
		self.client.KillContainer(teardownCtx, containerId)
		self.client.RemoveContainer(teardownCtx, containerId)
	}()

	ws, err := self.client.AttachWebsocket(ctx, containerId)
	if err != nil {
		sendValue(ctx, out, ErrorValue("⚠ %s ⚠", err))
		return
	}
	defer ws.Close()

	if err := self.client.StartContainer(ctx, containerId); err != nil {
		sendValue(ctx, out, ErrorValue("⚠ %s ⚠", err))
		return
	}
	glog.V(1).Infof("[sandbox]%s: started\n", shortId)

	argSpecs := map[int]*sandboxArg{}
	for i, arg := range args {
		argSpecs[i+1] = &sandboxArg{
			user: ic.Viewer,
			arg:  arg,
		}
	}

	lines := readSandboxLines(ctx, ws)
	guard := newFloodGuard(self.settings)

	// the latest serialized value per argument id, deduped across the
	// session so a restart does not re-send unchanged inputs
	sentArgs := map[int]string{}
	latestArgs := map[int]any{}
	lastSent := ""

	writeLine := func(s string) bool {
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, []byte(s+"\n")); err != nil {
			glog.Infof("[sandbox]%s: write error = %s\n", shortId, err)
			return false
		}
		glog.V(2).Infof("[sandbox]%s: < %.120s\n", shortId, s)
		return true
	}

	// coalesced: the latest combined tuple, not one message per change
	sendArgs := func() bool {
		ids := maps.Keys(latestArgs)
		slices.Sort(ids)
		tuple := make([][]any, 0, len(ids))
		for _, id := range ids {
			tuple = append(tuple, []any{id, latestArgs[id]})
		}
		encoded, err := json.Marshal(tuple)
		if err != nil {
			return true
		}
		if string(encoded) == lastSent {
			return true
		}
		lastSent = string(encoded)
		return writeLine(string(encoded))
	}

	restart := true
	for restart {
		restart = false

		ended := func() bool {
			subCtx, subCancel := context.WithCancel(ctx)
			defer subCancel()

			argUnion := make(chan sandboxArgItem)
			for id, spec := range argSpecs {
				sandboxArgStream(subCtx, ic, id, spec, argUnion)
			}

			var watchdog <-chan time.Time
			if len(argSpecs) == 0 {
				// keep the session alive with an empty input list
				glog.V(2).Infof("[sandbox]%s: < []\n", shortId)
				if !writeLine("[]") {
					return true
				}
				ticker := time.NewTicker(self.settings.WatchdogTimeout)
				defer ticker.Stop()
				watchdog = ticker.C
			}

			stdout := []string{}
			for {
				select {
				case <-ctx.Done():
					return true

				case <-watchdog:
					if !writeLine("[]") {
						return true
					}

				case item := <-argUnion:
					var encoded []byte
					if item.value != nil {
						encoded, _ = json.Marshal(item.value)
					}
					if sentArgs[item.id] == string(encoded) {
						continue
					}
					sentArgs[item.id] = string(encoded)
					if item.value != nil {
						latestArgs[item.id] = item.value
					} else {
						latestArgs[item.id] = nil
					}
					if !sendArgs() {
						return true
					}

				case line, ok := <-lines:
					if !ok {
						return true
					}

					glog.V(2).Infof("[sandbox]%s: > %.120s\n", shortId, line)

					message, isControl := ParseControlLine(line)
					if !isControl {
						stdout = append(stdout, line)
						if !sendValue(ctx, out, &Value{Type: "stdout", Val: strings.Join(stdout, "\n")}) {
							return true
						}
						continue
					}

					if guard.note(time.Now()) {
						glog.Infof("[sandbox]%s: control line flood\n", shortId)
						sendValue(ctx, out, ErrorValue("⚠ sandbox control flood ⚠"))
						return true
					}

					switch message.Type {
					case "getval":
						if _, ok := argSpecs[message.Id]; ok {
							continue
						}
						user := ic.Viewer
						if message.User != "" {
							if userId, err := ParseId(message.User); err == nil {
								if u := ic.Engine.users.ById(userId); u != nil {
									user = u
								}
							} else if u := ic.Engine.users.Lookup(message.User); u != nil {
								user = u
							}
						}
						argSpecs[message.Id] = &sandboxArg{
							user: user,
							arg:  parsePathRef(message.Val),
						}
						// previous partial output is discarded, the
						// merge restarts with the new source joined
						restart = true
						return false

					case "error":
						sendValue(ctx, out, &Value{Type: "error", Val: message.Val})
						return true

					case "clear":
						stdout = nil
						if !sendValue(ctx, out, &Value{Type: "stdout", Val: ""}) {
							return true
						}

					case "progress":
						if !sendValue(ctx, out, &Value{Type: "progress", Val: message.Val}) {
							return true
						}

					default:
						// forwarded verbatim to the viewer
						if !sendValue(ctx, out, &Value{Type: message.Type, Val: message.Val}) {
							return true
						}
					}
				}
			}
		}()

		if ended {
			return
		}
	}
}

// parses a field path reference from a control payload
func parsePathRef(ref string) FieldPath {
	p := &tagParser{text: ref}
	if path, ok := p.path(); ok && p.pos == len(ref) {
		return path
	}
	return FieldPath{Segs: []string{ref}}
}
