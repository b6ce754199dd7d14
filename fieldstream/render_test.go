package fieldstream

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testViewer(name string) *User {
	return &User{
		UserId: NewId(),
		Name:   name,
		Email:  name + "@example.com",
	}
}

func TestRenderCacheHit(t *testing.T) {
	documents := NewMemoryDocumentStore()
	documents.Add(NewMemoryDocument("/course/hw1", `[input greeting]`))
	cache := NewRenderCache(documents)

	alice := testViewer("alice")

	first, err := cache.Get("/course/hw1", alice)
	assert.Equal(t, err, nil)
	second, err := cache.Get("/course/hw1", alice)
	assert.Equal(t, err, nil)
	assert.Equal(t, first == second, true)

	// a different viewer gets an independent render
	bob := testViewer("bob")
	other, err := cache.Get("/course/hw1", bob)
	assert.Equal(t, err, nil)
	assert.Equal(t, first == other, false)
}

func TestRenderCacheRevisionInvalidation(t *testing.T) {
	documents := NewMemoryDocumentStore()
	document := NewMemoryDocument("/course/hw1", `[input greeting]`)
	documents.Add(document)
	notify := NewNotifyRegistry()
	cache := NewRenderCache(documents)

	alice := testViewer("alice")

	first, err := cache.Get("/course/hw1", alice)
	assert.Equal(t, err, nil)
	staleMonitor := notify.Monitor(WaitKey{RevisionId: first.RevisionId, Name: "greeting"})

	document.Update(`[input greeting] [input extra]`)

	second, err := cache.Get("/course/hw1", alice)
	assert.Equal(t, err, nil)
	assert.Equal(t, first == second, false)
	assert.Equal(t, 2, len(second.Fields))
	assert.Equal(t, second.RevisionId, document.RevisionId())

	// the stale revision's wait handles survive re-rendering, a stream
	// opened against the old render still sees signals on its key
	freshMonitor := notify.Monitor(WaitKey{RevisionId: first.RevisionId, Name: "greeting"})
	assert.Equal(t, staleMonitor == freshMonitor, true)
}

func TestRenderPermissions(t *testing.T) {
	documents := NewMemoryDocumentStore()
	document := NewMemoryDocument("/course/hw1", `[input greeting]`)
	documents.Add(document)
	cache := NewRenderCache(documents)

	owner := testViewer("teacher")
	outsider := testViewer("outsider")
	document.SetAcl(owner.UserId, []Id{owner.UserId}, []Id{owner.UserId})

	render, err := cache.Get("/course/hw1", owner)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, render.Fields[0].CanRead)
	assert.Equal(t, true, render.Fields[0].CanWrite)

	render, err = cache.Get("/course/hw1", outsider)
	assert.Equal(t, err, nil)
	assert.Equal(t, false, render.Fields[0].CanRead)
	assert.Equal(t, false, render.Fields[0].CanWrite)
}

func TestRenderLockedDocumentReadOnly(t *testing.T) {
	documents := NewMemoryDocumentStore()
	document := NewMemoryDocument("/course/hw1", `[input greeting]`)
	documents.Add(document)
	cache := NewRenderCache(documents)

	document.SetLocked(true)

	render, err := cache.Get("/course/hw1", testViewer("alice"))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, render.Fields[0].CanRead)
	assert.Equal(t, false, render.Fields[0].CanWrite)
}

func TestRenderMissingDocument(t *testing.T) {
	cache := NewRenderCache(NewMemoryDocumentStore())

	_, err := cache.Get("/nope", testViewer("alice"))
	assert.Equal(t, ErrNoDocument, err)
}

func TestRenderInputByName(t *testing.T) {
	documents := NewMemoryDocumentStore()
	documents.Add(NewMemoryDocument("/doc", `[input greeting] [display greeting]`))
	cache := NewRenderCache(documents)

	render, err := cache.Get("/doc", testViewer("alice"))
	assert.Equal(t, err, nil)
	assert.NotEqual(t, render.InputField("greeting"), nil)
	assert.Equal(t, render.InputField("missing"), nil)
	assert.Equal(t, true, strings.Contains(render.Text, FieldToken(0)))
	assert.Equal(t, true, strings.Contains(render.Text, FieldToken(1)))
}

func TestScanSourceBlocksFenced(t *testing.T) {
	blocks := ScanSourceBlocks(`# solver

` + "```" + `wi
print("hi")
` + "```" + `

## helper

~~~
::bash
echo ok
~~~
`)

	assert.Equal(t, 2, len(blocks))
	assert.Equal(t, "wi", blocks["solver"].Type)
	assert.Equal(t, `print("hi")`, blocks["solver"].Text)
	assert.Equal(t, "bash", blocks["helper"].Type)
	assert.Equal(t, "echo ok", blocks["helper"].Text)
}

func TestScanSourceBlocksIndented(t *testing.T) {
	blocks := ScanSourceBlocks("# snippet\n\n    line one\n    line two\n\nafter")

	assert.Equal(t, 1, len(blocks))
	assert.Equal(t, "", blocks["snippet"].Type)
	assert.Equal(t, "line one\nline two", blocks["snippet"].Text)
}

func TestScanSourceBlocksHeadingless(t *testing.T) {
	// a block before any heading has no name to key it by
	blocks := ScanSourceBlocks("```\norphan\n```\n")
	assert.Equal(t, 0, len(blocks))
}
