package fieldstream

import (
	"sync"
)

// per (document-revision, field) wait/notify fabric.
// a write broadcasts to all current waiters on that field.
// signaling must happen strictly after the store write is visible,
// the caller is responsible for that ordering.

type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

// the returned channel closes on the next `NotifyAll`.
// take the channel before re-reading state to avoid lost wakeups.
func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}

type WaitKey struct {
	RevisionId Id
	Name       string
}

// exactly one monitor exists per key for the process lifetime.
// monitors are created lazily and never removed: a live stream may
// hold a handle long after its render left the cache, and a signal
// through the registry must reach that exact handle.
type NotifyRegistry struct {
	mutex    sync.Mutex
	monitors map[WaitKey]*Monitor
}

func NewNotifyRegistry() *NotifyRegistry {
	return &NotifyRegistry{
		monitors: map[WaitKey]*Monitor{},
	}
}

func (self *NotifyRegistry) Monitor(key WaitKey) *Monitor {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	monitor, ok := self.monitors[key]
	if !ok {
		monitor = NewMonitor()
		self.monitors[key] = monitor
	}
	return monitor
}

func (self *NotifyRegistry) NotifyAll(key WaitKey) {
	self.Monitor(key).NotifyAll()
}
