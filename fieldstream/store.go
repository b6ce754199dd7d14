package fieldstream

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

// append-only, owner-scoped, timestamped field values.
// for a given (document, field, owner) the latest record by `Created`
// is authoritative. writes with a non-increasing timestamp or an
// identical payload are dropped, never retried.

type Record struct {
	RecordId Id
	Document Id
	Name     string
	Owner    Id
	// the identity that performed the write, may differ from the owner.
	// zero when unknown.
	Author  Id
	Created time.Time
	Payload Payload
}

type Store interface {
	// nil when no record exists
	Latest(ctx context.Context, document Id, name string, owner Id) (*Record, error)

	// appends one record. the staleness check and the append are one
	// atomic unit. a stale timestamp or a duplicate payload returns
	// (nil, nil): logged, dropped, no record created.
	Append(ctx context.Context, document Id, name string, owner Id, author Id, payload Payload, created time.Time) (*Record, error)

	// full history, descending by timestamp
	History(ctx context.Context, document Id, name string, owner Id) ([]*Record, error)

	// one latest record per owner in `owners` that has any record
	GroupLatest(ctx context.Context, document Id, name string, owners []Id) ([]*Record, error)
}

func payloadEqual(a Payload, b Payload) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

type memoryStoreKey struct {
	document Id
	name     string
	owner    Id
}

type MemoryStore struct {
	mutex   sync.Mutex
	records map[memoryStoreKey][]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[memoryStoreKey][]*Record{},
	}
}

func (self *MemoryStore) Latest(ctx context.Context, document Id, name string, owner Id) (*Record, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.latest(document, name, owner), nil
}

func (self *MemoryStore) latest(document Id, name string, owner Id) *Record {
	records := self.records[memoryStoreKey{document, name, owner}]
	if len(records) == 0 {
		return nil
	}
	return records[len(records)-1]
}

func (self *MemoryStore) Append(ctx context.Context, document Id, name string, owner Id, author Id, payload Payload, created time.Time) (*Record, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if latest := self.latest(document, name, owner); latest != nil {
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
		Created:  created,
		Payload:  payload,
	}
	key := memoryStoreKey{document, name, owner}
	self.records[key] = append(self.records[key], record)
	return record, nil
}

func (self *MemoryStore) History(ctx context.Context, document Id, name string, owner Id) ([]*Record, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	records := self.records[memoryStoreKey{document, name, owner}]
	out := slices.Clone(records)
	slices.Reverse(out)
	return out, nil
}

func (self *MemoryStore) GroupLatest(ctx context.Context, document Id, name string, owners []Id) ([]*Record, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := []*Record{}
	for _, owner := range owners {
		if latest := self.latest(document, name, owner); latest != nil {
			out = append(out, latest)
		}
	}
	return out, nil
}
