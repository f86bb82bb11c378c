// Package realdialog provides a TUI-based CredentialPrompt using charmbracelet/huh.
//
// The prompt takes over the controlling terminal, so it is only used by the
// interactive CLI and never from the MCP server, which owns stdio.
package realdialog

import (
	"errors"
	"fmt"

	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/charmbracelet/huh"
)

// Prompt implements ports.CredentialPrompt with a masked huh input.
type Prompt struct{}

// New returns a new TUI credential prompt.
func New() *Prompt {
	return &Prompt{}
}

// Password shows a masked password field for user@host.
func (p *Prompt) Password(user, host string) (string, error) {
	var password string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("Password for %s@%s", user, host)).
				EchoMode(huh.EchoModePassword).
				Value(&password),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", nil
		}
		return "", fmt.Errorf("password form: %w", err)
	}

	return password, nil
}

var _ ports.CredentialPrompt = (*Prompt)(nil)
