// Package session keeps the set of open instrumented shells, each reachable
// by an ID, and persists enough about them to reopen after a restart.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/acolita/shell-instrumentation/internal/instrumentation"
	"github.com/acolita/shell-instrumentation/internal/prompt"
)

// Shell is the instrumented shell behind a session.
type Shell interface {
	Submit(text string) error
	IsReady() bool
	PromptInfo() prompt.Info
	WaitForCommand(timeout time.Duration, minSeq uint) (bool, error)
	Execute(ctx context.Context, command string) (*instrumentation.Result, error)
	Await(ctx context.Context, minSeq uint) (*instrumentation.Result, error)
	PendingOutput() string
	LastTransportError() error
	IsClosed() bool
	Close() error
}

var _ Shell = (*instrumentation.Instrumentation)(nil)

// OpenRequest asks an Opener for a new shell.
type OpenRequest struct {
	ID string
	// Server is a configured server name. Empty opens a local shell.
	Server string
}

// Opener starts shells for the Manager.
type Opener interface {
	Open(ctx context.Context, req OpenRequest) (Shell, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, req OpenRequest) (Shell, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, req OpenRequest) (Shell, error) {
	return f(ctx, req)
}

// Session is one open shell.
type Session struct {
	Shell

	ID      string
	Server  string
	Created time.Time

	mu       sync.Mutex
	lastUsed time.Time
}

// Local reports whether the session runs on this machine.
func (s *Session) Local() bool {
	return s.Server == ""
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Info is a snapshot of a session for listings.
type Info struct {
	ID      string      `json:"id"`
	Server  string      `json:"server,omitempty"`
	Local   bool        `json:"local"`
	Created time.Time   `json:"created"`
	IdleFor string      `json:"idle_for"`
	Ready   bool        `json:"ready"`
	Prompt  prompt.Info `json:"prompt"`
}
