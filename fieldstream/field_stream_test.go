package fieldstream

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testEnv struct {
	documents *MemoryDocumentStore
	users     *UserDirectory
	store     Store
	engine    *Engine

	clock time.Time
}

func newTestEnv() *testEnv {
	documents := NewMemoryDocumentStore()
	users := NewUserDirectory()
	store := NewMemoryStore()
	return &testEnv{
		documents: documents,
		users:     users,
		store:     store,
		engine:    NewEngine(documents, users, store),
		clock:     time.Now().UTC(),
	}
}

func (self *testEnv) addUser(name string, groups ...string) *User {
	user := &User{
		UserId: NewId(),
		Name:   name,
		Email:  name + "@example.com",
		Groups: groups,
	}
	self.users.Add(user)
	return user
}

func (self *testEnv) addDocument(path string, content string) *MemoryDocument {
	document := NewMemoryDocument(path, content)
	self.documents.Add(document)
	return document
}

func (self *testEnv) connect(t *testing.T, viewer *User, path string) *ConnContext {
	render, err := self.engine.Renders().Get(path, viewer)
	assert.Equal(t, err, nil)
	return NewConnContext(self.engine, viewer, path, render)
}

// store write followed by a field signal, the way a session commits
// an accepted client update
func (self *testEnv) write(t *testing.T, ic *ConnContext, name string, owner *User, val any) {
	self.clock = self.clock.Add(time.Second)
	_, err := self.store.Append(
		context.Background(),
		ic.Render.Document.DocumentId(),
		name,
		owner.UserId,
		owner.UserId,
		Payload{Type: "text", Val: val},
		self.clock,
	)
	assert.Equal(t, err, nil)
	self.engine.Notify().NotifyAll(WaitKey{
		RevisionId: ic.Render.RevisionId,
		Name:       name,
	})
}

func TestInputFieldDefaultThenWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	env.addDocument("/course/hw1", `[input greeting default="hi"]`)
	ic := env.connect(t, alice, "/course/hw1")

	stream := InputFieldStream(ctx, ic, 0)

	message := recvTimeout(t, stream)
	assert.Equal(t, 0, message.Id)
	assert.Equal(t, "input", message.Type)
	assert.Equal(t, "hi", message.Val)
	assert.Equal(t, false, message.Disabled)
	assert.Equal(t, "", message.Owner)

	env.write(t, ic, "greeting", alice, "hello")

	message = recvTimeout(t, stream)
	assert.Equal(t, "hello", message.Val)

	// one write, exactly one emission
	expectNoEmit(t, stream)
}

func TestInputFieldSpuriousSignalSuppressed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	env.addDocument("/course/hw1", `[input greeting]`)
	ic := env.connect(t, alice, "/course/hw1")

	stream := InputFieldStream(ctx, ic, 0)
	recvTimeout(t, stream)

	// a signal with no new record wakes the reader but never reaches the client
	env.engine.Notify().NotifyAll(WaitKey{
		RevisionId: ic.Render.RevisionId,
		Name:       "greeting",
	})
	expectNoEmit(t, stream)
}

func TestInputFieldSurvivesDocumentEdit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	document := env.addDocument("/course/hw1", `[input greeting default="hi"]`)
	ic := env.connect(t, alice, "/course/hw1")

	stream := InputFieldStream(ctx, ic, 0)
	recvTimeout(t, stream)

	// the document is edited and re-rendered while the stream is live.
	// the stream waits on the old revision's key, which must stay wired.
	document.Update(`[input greeting default="hi"] [input extra]`)
	_, err := env.engine.Renders().Get("/course/hw1", alice)
	assert.Equal(t, err, nil)

	env.write(t, ic, "greeting", alice, "hello")
	message := recvTimeout(t, stream)
	assert.Equal(t, "hello", message.Val)
}

func TestInputFieldDefaultMacro(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	env.addDocument("/course/hw1", `[input me default=_user_]`)
	ic := env.connect(t, alice, "/course/hw1")

	message := recvTimeout(t, InputFieldStream(ctx, ic, 0))
	assert.Equal(t, "alice", message.Val)
}

func TestInputFieldLockedDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	document := env.addDocument("/course/hw1", `[input greeting]`)
	document.SetLocked(true)
	ic := env.connect(t, alice, "/course/hw1")

	message := recvTimeout(t, InputFieldStream(ctx, ic, 0))
	assert.Equal(t, true, message.Disabled)
}

func TestInputFieldFileEchoSuppressed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	env.addDocument("/course/hw1", `[input report type="file"]`)
	ic := env.connect(t, alice, "/course/hw1")

	stream := InputFieldStream(ctx, ic, 0)
	recvTimeout(t, stream)

	env.write(t, ic, "report", alice, "blob-one")
	message := recvTimeout(t, stream)
	assert.Equal(t, message.Val, nil)

	// the raw value still drives duplicate suppression
	env.write(t, ic, "report", alice, "blob-two")
	message = recvTimeout(t, stream)
	assert.Equal(t, message.Val, nil)
	expectNoEmit(t, stream)
}

func TestInputFieldOwnerRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	env.addDocument("/course/hw1", `[input answer owner="bob"]`)

	// bob's value exists before alice subscribes
	bobConn := env.connect(t, bob, "/course/hw1")
	env.write(t, bobConn, "answer", bob, "42")

	ic := env.connect(t, alice, "/course/hw1")
	stream := InputFieldStream(ctx, ic, 0)

	message := recvTimeout(t, stream)
	assert.Equal(t, "42", message.Val)
	assert.Equal(t, "bob", message.Owner)

	// alice's own writes to the field never reach the rebuilt stream
	env.write(t, ic, "answer", alice, "alice wrote this")
	expectNoEmit(t, stream)

	env.write(t, ic, "answer", bob, "43")
	message = recvTimeout(t, stream)
	assert.Equal(t, "43", message.Val)
}

func TestInputFieldDummy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	env.addDocument("/scratch", `[input draft dummy=1]`)
	ic := env.connect(t, alice, "/scratch")

	stream := InputFieldStream(ctx, ic, 0)
	recvTimeout(t, stream)

	// dummy values live with the connection, never in the store
	ic.setDummyVal("draft", &Value{Type: "text", Val: "ephemeral"})
	env.engine.Notify().NotifyAll(WaitKey{
		RevisionId: ic.Render.RevisionId,
		Name:       "draft",
	})

	message := recvTimeout(t, stream)
	assert.Equal(t, "ephemeral", message.Val)

	latest, err := env.store.Latest(ctx, ic.Render.Document.DocumentId(), "draft", alice.UserId)
	assert.Equal(t, err, nil)
	assert.Equal(t, latest, nil)
}

func TestDisplayFieldLocalInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	env.addDocument("/course/hw1", `[input greeting default="hi"] [display greeting]`)
	ic := env.connect(t, alice, "/course/hw1")

	stream := DisplayFieldStream(ctx, ic, 1)

	message := recvTimeout(t, stream)
	assert.Equal(t, 1, message.Id)
	assert.Equal(t, "display", message.Type)
	assert.Equal(t, "hi", message.Val)

	env.write(t, ic, "greeting", alice, "hello")
	message = recvTimeout(t, stream)
	assert.Equal(t, "hello", message.Val)
}

func TestDisplayFieldCrossDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	env.addDocument("/course/hw1", `[input greeting]`)
	env.addDocument("/course/board", `[display /course/hw1/greeting]`)

	sourceConn := env.connect(t, alice, "/course/hw1")
	env.write(t, sourceConn, "greeting", alice, "hello")

	ic := env.connect(t, alice, "/course/board")
	message := recvTimeout(t, DisplayFieldStream(ctx, ic, 0))
	assert.Equal(t, "hello", message.Val)
}

func TestDisplayFieldMissingDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	env.addDocument("/doc", `[display /nowhere/field]`)
	ic := env.connect(t, alice, "/doc")

	message := recvTimeout(t, DisplayFieldStream(ctx, ic, 0))
	assert.Equal(t, "/nowhere: document does not exist", message.Val)
}

func TestDisplayFieldNoReadPermission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	teacher := env.addUser("teacher")
	alice := env.addUser("alice")

	private := env.addDocument("/private", `[input secret]`)
	private.SetAcl(teacher.UserId, []Id{teacher.UserId}, []Id{teacher.UserId})
	env.addDocument("/doc", `[display /private/secret]`)

	ic := env.connect(t, alice, "/doc")
	message := recvTimeout(t, DisplayFieldStream(ctx, ic, 0))
	assert.Equal(t, "🚫", message.Val)
}

func TestDisplayFieldSourceBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	env.addDocument("/lib", "# solver\n\n```wi\nprint(1)\n```\n")
	env.addDocument("/doc", `[display /lib/solver]`)

	ic := env.connect(t, alice, "/doc")
	message := recvTimeout(t, DisplayFieldStream(ctx, ic, 0))
	assert.Equal(t, "print(1)", message.Val)
}

func TestDisplayFieldUnknownFunction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv()
	alice := env.addUser("alice")
	env.addDocument("/doc", `[display bogus(1)]`)
	ic := env.connect(t, alice, "/doc")

	message := recvTimeout(t, DisplayFieldStream(ctx, ic, 0))
	assert.Equal(t, "⚠ unknown function bogus ⚠", message.Val)
}

func TestResolveUserValue(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	env.addDocument("/doc", `[input x]`)
	ic := env.connect(t, alice, "/doc")

	assert.Equal(t, bob.UserId, resolveUserValue(ic, &Value{Val: bob.UserId.String()}).UserId)
	assert.Equal(t, bob.UserId, resolveUserValue(ic, &Value{Val: "bob"}).UserId)
	assert.Equal(t, bob.UserId, resolveUserValue(ic, &Value{Val: "Bob B <bob@example.com>"}).UserId)
	// unresolvable references fall back to the viewer
	assert.Equal(t, alice.UserId, resolveUserValue(ic, &Value{Val: "nobody"}).UserId)
	assert.Equal(t, alice.UserId, resolveUserValue(ic, nil).UserId)
}
