// Package fakestream provides a scriptable ports.ShellStream for testing.
package fakestream

import (
	"errors"
	"sync"

	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/acolita/shell-instrumentation/internal/stream"
)

// ErrClosed is returned by WriteLine after Close.
var ErrClosed = errors.New("fakestream: closed")

// Responder computes the chunks a shell would print in reply to a line.
type Responder func(line string) []string

// Stream is a fake shell stream. Queued chunks are returned one per Read,
// and every Provide fires a data notification.
type Stream struct {
	mu         sync.Mutex
	queue      []string
	written    []string
	closeCount int
	writeErr   error
	responder  Responder

	notifier stream.Notifier
}

// New creates an empty fake stream.
func New() *Stream {
	return &Stream{}
}

// Provide queues chunks and notifies subscribers.
func (s *Stream) Provide(chunks ...string) {
	s.mu.Lock()
	s.queue = append(s.queue, chunks...)
	s.mu.Unlock()

	s.notifier.NotifyData()
}

// EmitError reports err to error subscribers.
func (s *Stream) EmitError(err error) {
	s.notifier.NotifyError(err)
}

// SetResponder makes WriteLine queue the responder's chunks for each line.
func (s *Stream) SetResponder(r Responder) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
	return s
}

// FailWrites makes WriteLine return err.
func (s *Stream) FailWrites(err error) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
	return s
}

// Read returns the next queued chunk, or "" when none are queued.
func (s *Stream) Read() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return ""
	}
	chunk := s.queue[0]
	s.queue = s.queue[1:]
	return chunk
}

// DataAvailable reports whether chunks are queued.
func (s *Stream) DataAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// WriteLine records line.
func (s *Stream) WriteLine(line string) error {
	s.mu.Lock()
	if s.closeCount > 0 {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	s.written = append(s.written, line)
	responder := s.responder
	s.mu.Unlock()

	if responder != nil {
		if chunks := responder(line); len(chunks) > 0 {
			s.Provide(chunks...)
		}
	}
	return nil
}

// Subscribe registers h.
func (s *Stream) Subscribe(h ports.StreamHandler) func() {
	return s.notifier.Subscribe(h)
}

// Close counts the call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// --- Test inspection methods ---

// WrittenLines returns every line passed to WriteLine.
func (s *Stream) WrittenLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

// CloseCount returns how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Subscribers returns the number of active subscriptions.
func (s *Stream) Subscribers() int {
	return s.notifier.Len()
}

var _ ports.ShellStream = (*Stream)(nil)
