package fieldstream

import (
	"slices"
	"strings"
	"sync"
)

// in-memory document store used by the daemon and tests.
// a production deployment adapts its own wiki backend to `DocumentStore`.

type MemoryDocument struct {
	mutex sync.Mutex

	documentId Id
	path       string
	revisionId Id
	content    string
	locked     bool

	ownerId Id
	// empty means everyone
	readerIds []Id
	writerIds []Id
}

func NewMemoryDocument(path string, content string) *MemoryDocument {
	return &MemoryDocument{
		documentId: NewId(),
		path:       normDocPath(path),
		revisionId: NewId(),
		content:    content,
	}
}

func (self *MemoryDocument) DocumentId() Id {
	return self.documentId
}

func (self *MemoryDocument) Path() string {
	return self.path
}

func (self *MemoryDocument) RevisionId() Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.revisionId
}

func (self *MemoryDocument) Content() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.content
}

// replaces the content and rolls the revision id
func (self *MemoryDocument) Update(content string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.content = content
	self.revisionId = NewId()
}

func (self *MemoryDocument) Locked() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.locked
}

func (self *MemoryDocument) SetLocked(locked bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.locked = locked
}

func (self *MemoryDocument) SetAcl(ownerId Id, readerIds []Id, writerIds []Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.ownerId = ownerId
	self.readerIds = readerIds
	self.writerIds = writerIds
}

func (self *MemoryDocument) CanRead(viewer *User) bool {
	if viewer == nil {
		return false
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.readerIds) == 0 {
		return true
	}
	if viewer.UserId == self.ownerId {
		return true
	}
	return slices.Contains(self.readerIds, viewer.UserId)
}

func (self *MemoryDocument) CanWrite(viewer *User) bool {
	if viewer == nil {
		return false
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.writerIds) == 0 {
		return true
	}
	if viewer.UserId == self.ownerId {
		return true
	}
	return slices.Contains(self.writerIds, viewer.UserId)
}

type MemoryDocumentStore struct {
	mutex     sync.Mutex
	documents map[string]*MemoryDocument
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		documents: map[string]*MemoryDocument{},
	}
}

func (self *MemoryDocumentStore) Add(document *MemoryDocument) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.documents[document.Path()] = document
}

func (self *MemoryDocumentStore) Get(path string) (Document, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	document, ok := self.documents[normDocPath(path)]
	if !ok {
		return nil, ErrNoDocument
	}
	return document, nil
}

// document paths are "/" rooted with no trailing slash, "/" for the root
func normDocPath(path string) string {
	path = "/" + strings.Trim(path, "/")
	return path
}
