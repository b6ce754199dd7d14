package fieldstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"

	_ "modernc.org/sqlite"
)

// sqlite-backed field store. the read-latest-then-append unit runs in
// one transaction so no writer can interleave between the staleness
// check and the append for the same key.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS field_values (
    record_id TEXT NOT NULL PRIMARY KEY,
    document TEXT NOT NULL,
    name TEXT NOT NULL,
    owner TEXT NOT NULL,
    author TEXT,
    created INTEGER NOT NULL,
    payload TEXT NOT NULL,
    UNIQUE (document, name, owner, created)
);
CREATE INDEX IF NOT EXISTS field_values_latest
    ON field_values (document, name, owner, created DESC);
`

type SqliteStore struct {
	db *sql.DB
}

func OpenSqliteStore(path string) (*SqliteStore, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer connection keeps append transactions serialized
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{
		db: db,
	}, nil
}

func (self *SqliteStore) Close() error {
	return self.db.Close()
}

func scanRecord(row interface{ Scan(dest ...any) error }) (*Record, error) {
	var record Record
	var recordId string
	var document string
	var owner string
	var author sql.NullString
	var created int64
	var payload string

	err := row.Scan(&recordId, &document, &record.Name, &owner, &author, &created, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if record.RecordId, err = ParseId(recordId); err != nil {
		return nil, err
	}
	if record.Document, err = ParseId(document); err != nil {
		return nil, err
	}
	if record.Owner, err = ParseId(owner); err != nil {
		return nil, err
	}
	if author.Valid {
		if record.Author, err = ParseId(author.String); err != nil {
			return nil, err
		}
	}
	record.Created = time.UnixMicro(created).UTC()
	if err := json.Unmarshal([]byte(payload), &record.Payload); err != nil {
		return nil, err
	}
	return &record, nil
}

const latestQuery = `SELECT record_id, document, name, owner, author, created, payload
    FROM field_values WHERE document = ? AND name = ? AND owner = ?
    ORDER BY created DESC LIMIT 1`

func (self *SqliteStore) Latest(ctx context.Context, document Id, name string, owner Id) (*Record, error) {
	return scanRecord(self.db.QueryRowContext(ctx, latestQuery, document.String(), name, owner.String()))
}

func (self *SqliteStore) Append(ctx context.Context, document Id, name string, owner Id, author Id, payload Payload, created time.Time) (*Record, error) {
	payloadJson, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	latest, err := scanRecord(tx.QueryRowContext(ctx, latestQuery, document.String(), name, owner.String()))
	if err != nil {
		return nil, err
	}
	if latest != nil {
		if payloadEqual(latest.Payload, payload) {
			return nil, nil
		}
		if !created.After(latest.Created) {
			glog.Errorf("[store]%s/%s: time error (%s <= %s)\n", document, name, created, latest.Created)
			return nil, nil
		}
	}

	record := &Record{
		RecordId: NewId(),
		Document: document,
		Name:     name,
		Owner:    owner,
		Author:   author,
		Created:  created.UTC(),
		Payload:  payload,
	}

	var authorValue any
	if !author.IsZero() {
		authorValue = author.String()
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO field_values (record_id, document, name, owner, author, created, payload)
		    VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.RecordId.String(),
		document.String(),
		name,
		owner.String(),
		authorValue,
		record.Created.UnixMicro(),
		string(payloadJson),
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return record, nil
}

func (self *SqliteStore) History(ctx context.Context, document Id, name string, owner Id) ([]*Record, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT record_id, document, name, owner, author, created, payload
		    FROM field_values WHERE document = ? AND name = ? AND owner = ?
		    ORDER BY created DESC`,
		document.String(), name, owner.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (self *SqliteStore) GroupLatest(ctx context.Context, document Id, name string, owners []Id) ([]*Record, error) {
	out := []*Record{}
	for _, owner := range owners {
		record, err := self.Latest(ctx, document, name, owner)
		if err != nil {
			return nil, err
		}
		if record != nil {
			out = append(out, record)
		}
	}
	return out, nil
}
