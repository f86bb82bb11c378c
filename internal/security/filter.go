// Package security holds the policy applied before text reaches a shell:
// command filtering, credential lookup and authentication lockout.
package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/acolita/shell-instrumentation/internal/config"
)

// ErrCommandBlocked is returned by Check for rejected commands.
var ErrCommandBlocked = errors.New("command blocked")

// CommandFilter filters commands based on blocklist/allowlist patterns.
// Patterns can be replaced at runtime with Update.
type CommandFilter struct {
	mu        sync.RWMutex
	blocklist []*regexp.Regexp
	allowlist []*regexp.Regexp
}

// NewCommandFilter creates a new command filter with the given patterns.
func NewCommandFilter(blocklist, allowlist []string) (*CommandFilter, error) {
	cf := &CommandFilter{}
	if err := cf.Update(blocklist, allowlist); err != nil {
		return nil, err
	}
	return cf, nil
}

// NewCommandFilterFromConfig builds a filter from the security section.
func NewCommandFilterFromConfig(cfg config.SecurityConfig) (*CommandFilter, error) {
	return NewCommandFilter(cfg.CommandBlocklist, cfg.CommandAllowlist)
}

// Update replaces both pattern lists. On error the filter is unchanged.
func (cf *CommandFilter) Update(blocklist, allowlist []string) error {
	block, err := compileAll("blocklist", blocklist)
	if err != nil {
		return err
	}
	allow, err := compileAll("allowlist", allowlist)
	if err != nil {
		return err
	}

	cf.mu.Lock()
	cf.blocklist = block
	cf.allowlist = allow
	cf.mu.Unlock()
	return nil
}

func compileAll(kind string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// IsAllowed checks if a command is allowed to execute.
// Returns (allowed, reason). Every line of a multi-line command is checked
// on its own, since the shell runs each one.
func (cf *CommandFilter) IsAllowed(command string) (bool, string) {
	return cf.evaluate(command, true)
}

func (cf *CommandFilter) evaluate(text string, useAllowlist bool) (bool, string) {
	cf.mu.RLock()
	defer cf.mu.RUnlock()

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		for _, re := range cf.blocklist {
			if re.MatchString(line) {
				return false, fmt.Sprintf("command blocked by pattern: %s", re.String())
			}
		}

		if useAllowlist && len(cf.allowlist) > 0 && !matchesAny(cf.allowlist, line) {
			return false, "command not in allowlist"
		}
	}
	return true, ""
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Check returns an error wrapping ErrCommandBlocked when command is not
// allowed. A nil filter allows everything.
func (cf *CommandFilter) Check(command string) error {
	if cf == nil {
		return nil
	}
	if ok, reason := cf.IsAllowed(command); !ok {
		return fmt.Errorf("%w: %s", ErrCommandBlocked, reason)
	}
	return nil
}

// CheckInput is Check for text answering a running command, such as a
// confirmation. Only the blocklist applies.
func (cf *CommandFilter) CheckInput(text string) error {
	if cf == nil {
		return nil
	}
	if ok, reason := cf.evaluate(text, false); !ok {
		return fmt.Errorf("%w: %s", ErrCommandBlocked, reason)
	}
	return nil
}

// HasBlocklist returns true if any blocklist patterns are configured.
func (cf *CommandFilter) HasBlocklist() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return len(cf.blocklist) > 0
}

// HasAllowlist returns true if any allowlist patterns are configured.
func (cf *CommandFilter) HasAllowlist() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return len(cf.allowlist) > 0
}

// DefaultBlocklist returns a set of commonly dangerous patterns.
func DefaultBlocklist() []string {
	return []string{
		`rm\s+-rf\s+/\s*$`,          // rm -rf /
		`rm\s+-rf\s+/\*`,            // rm -rf /*
		`mkfs\.`,                    // mkfs commands
		`dd\s+.*of=/dev/[sh]d`,      // dd to raw devices
		`:\s*\(\s*\)\s*\{\s*:\s*\|`, // fork bomb
		`>\s*/dev/[sh]d`,            // redirect to raw devices
	}
}
