// Package fakedialog provides a test fake for ports.CredentialPrompt.
package fakedialog

import (
	"sync"

	"github.com/acolita/shell-instrumentation/internal/ports"
)

// Prompt is a controllable fake CredentialPrompt for testing.
type Prompt struct {
	mu sync.Mutex

	// Answer is the password returned by Password.
	Answer string
	// Err is the error returned by Password.
	Err error

	calls []string
}

// New returns a fake prompt answering with answer.
func New(answer string) *Prompt {
	return &Prompt{Answer: answer}
}

// Password records the request and returns Answer and Err.
func (p *Prompt) Password(user, host string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, user+"@"+host)
	return p.Answer, p.Err
}

// Calls returns the user@host of every Password call.
func (p *Prompt) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

var _ ports.CredentialPrompt = (*Prompt)(nil)
