package fieldstream

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// a stream transform registered under a display function name
type StreamFn func(ctx context.Context, ic *ConnContext, args []any) <-chan *Value

// process-scoped engine state. one per server.
type Engine struct {
	documents DocumentStore
	users     Users
	store     Store
	notify    *NotifyRegistry
	renders   *RenderCache
	sandbox   *SandboxBridge

	fnMutex sync.Mutex
	fns     map[string]StreamFn
}

func NewEngine(documents DocumentStore, users Users, store Store) *Engine {
	engine := &Engine{
		documents: documents,
		users:     users,
		store:     store,
		notify:    NewNotifyRegistry(),
		renders:   NewRenderCache(documents),
		fns:       map[string]StreamFn{},
	}

	engine.RegisterFn("echo", echoFn)
	engine.RegisterFn("pprint", pprintFn)
	engine.RegisterFn("html-escape", htmlEscapeFn)
	engine.RegisterFn("get", getFn)
	engine.RegisterFn("userlist", userlistFn)
	engine.RegisterFn("docker", dockerFn)

	return engine
}

func (self *Engine) Users() Users {
	return self.users
}

func (self *Engine) Store() Store {
	return self.store
}

func (self *Engine) Renders() *RenderCache {
	return self.renders
}

func (self *Engine) Notify() *NotifyRegistry {
	return self.notify
}

// enables the external execution bridge
func (self *Engine) SetSandbox(sandbox *SandboxBridge) {
	self.sandbox = sandbox
}

// unknown names are a data case: the stream emits one visible
// warning marker, never a crash
func (self *Engine) RegisterFn(name string, fn StreamFn) {
	self.fnMutex.Lock()
	defer self.fnMutex.Unlock()

	self.fns[name] = fn
}

func (self *Engine) fn(name string) StreamFn {
	self.fnMutex.Lock()
	defer self.fnMutex.Unlock()

	return self.fns[name]
}

// per-connection stream evaluation scope
type ConnContext struct {
	Engine *Engine
	Viewer *User
	// the connection's document path
	Path   string
	Render *Render

	// values of `dummy` fields live with the connection, never persisted
	dummyMutex sync.Mutex
	dummyVals  map[string]*Value
}

func NewConnContext(engine *Engine, viewer *User, path string, render *Render) *ConnContext {
	return &ConnContext{
		Engine:    engine,
		Viewer:    viewer,
		Path:      normDocPath(path),
		Render:    render,
		dummyVals: map[string]*Value{},
	}
}

func (self *ConnContext) dummyVal(name string) *Value {
	self.dummyMutex.Lock()
	defer self.dummyMutex.Unlock()

	return self.dummyVals[name]
}

func (self *ConnContext) setDummyVal(name string, value *Value) {
	self.dummyMutex.Lock()
	defer self.dummyMutex.Unlock()

	self.dummyVals[name] = value
}

// `_user_` and `_doc_` resolve against the connection.
// an unknown macro keeps its raw token.
func resolveMacro(ic *ConnContext, m Macro) string {
	switch m {
	case "_user_":
		return ic.Viewer.Name
	case "_doc_":
		return ic.Path
	default:
		glog.V(1).Infof("[engine]%s@%s: unknown macro %s\n", ic.Viewer.Name, ic.Path, m)
		return string(m)
	}
}
