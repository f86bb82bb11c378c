// Package stream adapts byte-oriented transports into ports.ShellStream.
package stream

import (
	"sync"

	"github.com/acolita/shell-instrumentation/internal/ports"
)

// Notifier is a thread-safe registry of stream subscribers.
// The zero value is ready to use.
type Notifier struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]ports.StreamHandler
}

// Subscribe registers h and returns a function that removes it again.
// The returned function is idempotent.
func (n *Notifier) Subscribe(h ports.StreamHandler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.handlers == nil {
		n.handlers = make(map[int]ports.StreamHandler)
	}
	id := n.nextID
	n.nextID++
	n.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.handlers, id)
			n.mu.Unlock()
		})
	}
}

// NotifyData calls OnData on every subscriber.
func (n *Notifier) NotifyData() {
	for _, h := range n.snapshot() {
		if h.OnData != nil {
			h.OnData()
		}
	}
}

// NotifyError calls OnError on every subscriber.
func (n *Notifier) NotifyError(err error) {
	for _, h := range n.snapshot() {
		if h.OnError != nil {
			h.OnError(err)
		}
	}
}

// Len returns the number of active subscribers.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.handlers)
}

// snapshot copies the handlers so callbacks run without the lock held.
func (n *Notifier) snapshot() []ports.StreamHandler {
	n.mu.Lock()
	defer n.mu.Unlock()

	hs := make([]ports.StreamHandler, 0, len(n.handlers))
	for _, h := range n.handlers {
		hs = append(hs, h)
	}
	return hs
}
