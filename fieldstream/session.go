package fieldstream

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// binds one client connection to its set of dependency streams.
// disconnect triggers the full cancellation cascade: every field
// stream, every joined sub-stream, every wait handle wait.

var previewRe = regexp.MustCompile(`^(.+/|)_preview/$`)

type SessionSettings struct {
	WriteTimeout time.Duration
	PingTimeout  time.Duration
	ReadLimit    int64
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		WriteTimeout: 5 * time.Second,
		PingTimeout:  30 * time.Second,
		ReadLimit:    1024 * 1024,
	}
}

type Server struct {
	engine    *Engine
	jwtSecret []byte
	settings  *SessionSettings

	upgrader websocket.Upgrader
}

func NewServerWithDefaults(engine *Engine, jwtSecret []byte) *Server {
	return NewServer(engine, jwtSecret, DefaultSessionSettings())
}

func NewServer(engine *Engine, jwtSecret []byte, settings *SessionSettings) *Server {
	return &Server{
		engine:    engine,
		jwtSecret: jwtSecret,
		settings:  settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if 7 < len(token) && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	viewerJwt, err := ParseViewerJwt(self.jwtSecret, token)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	viewer := self.engine.users.ById(viewerJwt.UserId)
	if viewer == nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[session]%s: upgrade error = %s\n", viewer.Name, err)
		return
	}

	session := newSession(r.Context(), self.engine, self.settings, conn, viewer, path)
	session.run()
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	engine   *Engine
	settings *SessionSettings
	conn     *websocket.Conn
	viewer   *User
	path     string
	preview  bool

	ic *ConnContext
}

func newSession(ctx context.Context, engine *Engine, settings *SessionSettings, conn *websocket.Conn, viewer *User, path string) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:      cancelCtx,
		cancel:   cancel,
		engine:   engine,
		settings: settings,
		conn:     conn,
		viewer:   viewer,
		path:     path,
		preview:  previewRe.MatchString(path),
	}
}

func (self *Session) run() {
	defer self.cancel()
	defer self.conn.Close()

	self.conn.SetReadLimit(self.settings.ReadLimit)

	if self.preview {
		// an inert echo session, no field binding
		for {
			messageType, message, err := self.conn.ReadMessage()
			if err != nil {
				return
			}
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.conn.WriteMessage(messageType, message); err != nil {
				return
			}
		}
	}

	render, err := self.engine.renders.Get(self.path, self.viewer)
	if err != nil {
		self.writeMessage(&Message{Type: "error", Val: err.Error()})
		return
	}
	self.ic = NewConnContext(self.engine, self.viewer, self.path, render)

	streams := []<-chan *Message{}
	for _, field := range render.Fields {
		switch field.Cmd {
		case "input":
			streams = append(streams, InputFieldStream(self.ctx, self.ic, field.Index))
		case "display":
			streams = append(streams, DisplayFieldStream(self.ctx, self.ic, field.Index))
		default:
			glog.Errorf("[session]%s@%s: unknown field type %s\n", self.viewer.Name, self.path, field.Cmd)
		}
	}
	merged := Merge(self.ctx, streams...)

	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case message, ok := <-merged:
				if !ok {
					return
				}
				glog.V(2).Infof("[session]%s@%s: send %v\n", self.viewer.Name, self.path, message.Id)
				if !self.writeMessage(message) {
					return
				}
			case <-time.After(self.settings.PingTimeout):
				self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		_, message, err := self.conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[session]%s@%s: disconnect = %s\n", self.viewer.Name, self.path, err)
			return
		}
		self.receive(message)
	}
}

func (self *Session) writeMessage(message *Message) bool {
	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.conn.WriteJSON(message); err != nil {
		glog.Infof("[session]%s@%s: write error = %s\n", self.viewer.Name, self.path, err)
		return false
	}
	return true
}

// one inbound client update: decoded, validated, applied to the
// store, then signaled. a broken request is logged and dropped, the
// connection stays open.
func (self *Session) receive(message []byte) {
	var content map[string]json.RawMessage
	if err := json.Unmarshal(message, &content); err != nil {
		glog.Infof("[session]%s@%s: broken request %.120s\n", self.viewer.Name, self.path, message)
		return
	}

	var index int
	if raw, ok := content["id"]; !ok || json.Unmarshal(raw, &index) != nil {
		glog.Infof("[session]%s@%s: broken request %.120s\n", self.viewer.Name, self.path, message)
		return
	}
	rawVal, ok := content["val"]
	if !ok {
		glog.Infof("[session]%s@%s: broken request %.120s\n", self.viewer.Name, self.path, message)
		return
	}
	var val any
	if json.Unmarshal(rawVal, &val) != nil {
		glog.Infof("[session]%s@%s: broken request %.120s\n", self.viewer.Name, self.path, message)
		return
	}

	render := self.ic.Render
	if index < 0 || len(render.Fields) <= index {
		glog.Infof("[session]%s@%s: broken request %.120s\n", self.viewer.Name, self.path, message)
		return
	}
	field := render.Fields[index]
	if field.Cmd != "input" {
		glog.Infof("[session]%s@%s: broken request %.120s\n", self.viewer.Name, self.path, message)
		return
	}
	if !field.CanWrite {
		glog.Infof("[session]%s@%s: write to %s denied\n", self.viewer.Name, self.path, field.Name)
		return
	}

	owner := self.viewer
	if raw, ok := content["owner"]; ok {
		var ownerRef string
		if json.Unmarshal(raw, &ownerRef) != nil {
			glog.Infof("[session]%s@%s: broken request %.120s\n", self.viewer.Name, self.path, message)
			return
		}
		if owner = self.engine.users.Lookup(ownerRef); owner == nil {
			glog.Infof("[session]%s@%s: unknown owner %s\n", self.viewer.Name, self.path, ownerRef)
			return
		}
	}

	payload := Payload{
		Type: field.InputType(),
		Val:  val,
	}
	key := WaitKey{
		RevisionId: render.RevisionId,
		Name:       field.Name,
	}

	if d, ok := field.Args["dummy"]; ok && d != int64(0) {
		self.ic.setDummyVal(field.Name, &Value{
			Type: payload.Type,
			Val:  payload.Val,
		})
		self.engine.notify.NotifyAll(key)
		return
	}

	record, err := self.engine.store.Append(
		self.ctx,
		render.Document.DocumentId(),
		field.Name,
		owner.UserId,
		self.viewer.UserId,
		payload,
		time.Now(),
	)
	if err != nil {
		glog.Infof("[session]%s@%s: append %s error = %s\n", self.viewer.Name, self.path, field.Name, err)
		return
	}
	if record == nil {
		// stale timestamp or duplicate payload, dropped without signal
		return
	}

	// the store write is durably visible before the broadcast
	self.engine.notify.NotifyAll(key)
}
