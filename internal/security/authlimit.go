package security

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acolita/shell-instrumentation/internal/adapters/realclock"
	"github.com/acolita/shell-instrumentation/internal/ports"
)

// ErrAuthLocked is returned by Allow while user@host is locked out.
var ErrAuthLocked = errors.New("authentication locked")

const (
	// DefaultMaxAuthFailures is the default number of failures before lockout.
	DefaultMaxAuthFailures = 3

	// DefaultAuthLockoutDuration is the default lockout duration.
	DefaultAuthLockoutDuration = 5 * time.Minute
)

// AuthLimiter counts SSH authentication failures per user@host and locks
// further attempts once maxFailures is reached.
type AuthLimiter struct {
	mu              sync.Mutex
	failures        map[string]*authFailure
	maxFailures     int
	lockoutDuration time.Duration
	clock           ports.Clock
}

type authFailure struct {
	count    int
	lockedAt time.Time
}

// NewAuthLimiter creates a limiter. Non-positive arguments select the
// defaults; a nil clock selects the real one.
func NewAuthLimiter(maxFailures int, lockoutDuration time.Duration, clock ports.Clock) *AuthLimiter {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxAuthFailures
	}
	if lockoutDuration <= 0 {
		lockoutDuration = DefaultAuthLockoutDuration
	}
	if clock == nil {
		clock = realclock.New()
	}
	return &AuthLimiter{
		failures:        make(map[string]*authFailure),
		maxFailures:     maxFailures,
		lockoutDuration: lockoutDuration,
		clock:           clock,
	}
}

func authKey(host, user string) string {
	return user + "@" + host
}

// IsLocked reports whether user@host is locked and for how much longer.
func (l *AuthLimiter) IsLocked(host, user string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.failures[authKey(host, user)]
	if !ok || f.lockedAt.IsZero() {
		return false, 0
	}
	elapsed := l.clock.Now().Sub(f.lockedAt)
	if elapsed >= l.lockoutDuration {
		return false, 0
	}
	return true, l.lockoutDuration - elapsed
}

// Allow returns an error wrapping ErrAuthLocked while user@host is locked.
func (l *AuthLimiter) Allow(host, user string) error {
	if locked, remaining := l.IsLocked(host, user); locked {
		return fmt.Errorf("%w for %s, retry in %s", ErrAuthLocked, authKey(host, user), remaining.Round(time.Second))
	}
	return nil
}

// RecordFailure records an authentication failure.
func (l *AuthLimiter) RecordFailure(host, user string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := authKey(host, user)
	f, ok := l.failures[k]
	if !ok {
		f = &authFailure{}
		l.failures[k] = f
	}

	now := l.clock.Now()
	if !f.lockedAt.IsZero() && now.Sub(f.lockedAt) >= l.lockoutDuration {
		*f = authFailure{}
	}

	f.count++
	if f.count >= l.maxFailures && f.lockedAt.IsZero() {
		f.lockedAt = now
	}
}

// RecordSuccess clears the failure count of user@host.
func (l *AuthLimiter) RecordSuccess(host, user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, authKey(host, user))
}
