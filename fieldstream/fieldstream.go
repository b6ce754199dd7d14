package fieldstream

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// a reactive field layer for wiki documents
// documents declare [input ...] and [display ...] fields,
// live connections stream field changes to all subscribed viewers

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

// ids travel as uuid strings over json
func (self *Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + encodeUuid(*self) + `"`), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("id is not a json string")
	}
	id, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// accepts the canonical dashed form and the bare 32 hex digit form
func parseUuid(src string) (Id, error) {
	switch len(src) {
	case 36:
		if src[8] != '-' || src[13] != '-' || src[18] != '-' || src[23] != '-' {
			return Id{}, fmt.Errorf("cannot parse uuid %q", src)
		}
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
	default:
		return Id{}, fmt.Errorf("cannot parse uuid %q", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return Id{}, err
	}

	var id Id
	copy(id[:], buf)
	return id, nil
}

func encodeUuid(id Id) string {
	s := hex.EncodeToString(id[:])
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
}

// a typed value flowing through a dependency stream
// `Type` is the semantic tag ("int", "float", "str", "text", "stdout", "error", ...)
type Value struct {
	Type string `json:"type"`
	Val  any    `json:"val"`

	// set when the value was read from a stored record
	RecordId *Id        `json:"pk,omitempty"`
	Created  *time.Time `json:"created,omitempty"`
	Author   string     `json:"author,omitempty"`
}

func ErrorValue(format string, a ...any) *Value {
	return &Value{
		Type: "error",
		Val:  fmt.Sprintf(format, a...),
	}
}

// server to client message
type Message struct {
	Id       int    `json:"id"`
	Type     string `json:"type"`
	Val      any    `json:"val"`
	Disabled bool   `json:"disabled,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

// client to server message
type ClientUpdate struct {
	Id    *int   `json:"id"`
	Val   any    `json:"val"`
	Owner string `json:"owner,omitempty"`
}

// the persisted payload of one field write
type Payload struct {
	Type string `json:"type"`
	Val  any    `json:"val"`
}

// the host wiki supplies documents and permission checks.
// the engine never mutates documents, it only reads content and acls.
type Document interface {
	DocumentId() Id
	Path() string
	// changes whenever the document content changes
	RevisionId() Id
	Content() string
	// a locked document accepts no field writes
	Locked() bool
	CanRead(viewer *User) bool
	CanWrite(viewer *User) bool
}

type DocumentStore interface {
	// returns `ErrNoDocument` when no document exists at the path
	Get(path string) (Document, error)
}

var ErrNoDocument = errors.New("document does not exist")
