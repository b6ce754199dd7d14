package fieldstream

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestId(t *testing.T) {
	id := NewId()

	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, parsed)

	encoded, err := json.Marshal(&id)
	assert.Equal(t, err, nil)
	assert.Equal(t, `"`+id.String()+`"`, string(encoded))

	var decoded Id
	err = json.Unmarshal(encoded, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, decoded)

	assert.Equal(t, false, id.IsZero())
	assert.Equal(t, true, Id{}.IsZero())

	// the bare hex form parses to the same id
	bare := ""
	for _, c := range id.String() {
		if c != '-' {
			bare += string(c)
		}
	}
	parsed, err = ParseId(bare)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, parsed)

	_, err = ParseId("not-an-id")
	assert.NotEqual(t, err, nil)
	// right length, dashes in the wrong places
	_, err = ParseId("0123456789ab-cdef-0123-4567-89abcdef")
	assert.NotEqual(t, err, nil)
}

func TestValueJson(t *testing.T) {
	encoded, err := json.Marshal(&Value{Type: "text", Val: "hi"})
	assert.Equal(t, err, nil)
	assert.Equal(t, `{"type":"text","val":"hi"}`, string(encoded))

	errValue := ErrorValue("bad thing %d", 7)
	assert.Equal(t, "error", errValue.Type)
	assert.Equal(t, "bad thing 7", errValue.Val)
}
