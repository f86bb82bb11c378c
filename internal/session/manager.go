package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acolita/shell-instrumentation/internal/adapters/realclock"
	"github.com/acolita/shell-instrumentation/internal/instrumentation"
	"github.com/acolita/shell-instrumentation/internal/metrics"
	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when MaxSessions are open.
	ErrTooManySessions = errors.New("max sessions reached")
)

// DefaultMaxSessions limits open sessions when nothing is configured.
const DefaultMaxSessions = 10

// Manager owns the open sessions.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	opening     int // Create calls between reserve and register
	maxSessions int

	opener  Opener
	store   *Store
	clock   ports.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	newID   func() string

	recovering singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxSessions limits the number of open sessions.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) { m.maxSessions = n }
}

// WithStore persists session metadata for Recover.
func WithStore(s *Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithManagerClock sets the clock.
func WithManagerClock(c ports.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerMetrics tracks open sessions in a gauge.
func WithManagerMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithIDGenerator replaces the random session IDs.
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) { m.newID = fn }
}

// NewManager creates a session manager that starts shells with opener.
func NewManager(opener Opener, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: DefaultMaxSessions,
		opener:      opener,
		clock:       realclock.New(),
		logger:      slog.Default(),
		newID:       generateSessionID,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxSessions <= 0 {
		m.maxSessions = DefaultMaxSessions
	}
	return m
}

func generateSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SetMaxSessions changes the limit for future Create calls.
func (m *Manager) SetMaxSessions(n int) {
	if n <= 0 {
		n = DefaultMaxSessions
	}
	m.mu.Lock()
	m.maxSessions = n
	m.mu.Unlock()
}

// Create opens a shell on server ("" for local) and registers it.
func (m *Manager) Create(ctx context.Context, server string) (*Session, error) {
	return m.open(ctx, m.newID(), server, "")
}

// Recover reopens a session recorded by an earlier process under the same
// ID and returns to its last known directory. An open session is returned
// as is.
func (m *Manager) Recover(ctx context.Context, id string) (*Session, error) {
	if s, err := m.Get(id); err == nil {
		return s, nil
	}
	if m.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	meta, ok := m.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// Concurrent recovers of one ID share a single shell.
	v, err, _ := m.recovering.Do(id, func() (any, error) {
		return m.open(ctx, meta.ID, meta.Server, meta.Dir)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) open(ctx context.Context, id, server, dir string) (*Session, error) {
	if err := m.reserve(); err != nil {
		return nil, err
	}

	shell, err := m.opener.Open(ctx, OpenRequest{ID: id, Server: server})
	if err == nil && dir != "" && shell.PromptInfo().Dir != dir {
		err = restoreDir(ctx, shell, dir)
		if err != nil {
			shell.Close()
		}
	}
	if err != nil {
		m.release()
		return nil, err
	}

	now := m.clock.Now()
	s := &Session{Shell: shell, ID: id, Server: server, Created: now, lastUsed: now}

	m.mu.Lock()
	m.opening--
	if existing, ok := m.sessions[id]; ok {
		// Lost a race with a concurrent Recover of the same ID.
		m.mu.Unlock()
		shell.Close()
		return existing, nil
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.SessionOpened()
	m.Checkpoint(s)
	m.logger.Info("session opened",
		slog.String("session_id", id),
		slog.String("server", server),
	)
	return s, nil
}

func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions)+m.opening >= m.maxSessions {
		return fmt.Errorf("%w (%d)", ErrTooManySessions, m.maxSessions)
	}
	m.opening++
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.opening--
	m.mu.Unlock()
}

func restoreDir(ctx context.Context, shell Shell, dir string) error {
	res, err := shell.Execute(ctx, "cd "+cdTarget(dir))
	if err != nil {
		return fmt.Errorf("restore directory %s: %w", dir, err)
	}
	if res.Status != instrumentation.StatusCompleted || res.ExitCode != 0 {
		return fmt.Errorf("restore directory %s: %s (exit %d)", dir, res.Status, res.ExitCode)
	}
	return nil
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// cdTarget quotes dir for cd. Prompts abbreviate the home directory as ~
// (and zsh may print ~user), so a leading tilde word stays unquoted for the
// shell to expand.
func cdTarget(dir string) string {
	head, rest, found := strings.Cut(dir, "/")
	if !isTildeWord(head) {
		return shellQuote(dir)
	}
	if !found {
		return head
	}
	if rest == "" {
		return head + "/"
	}
	return head + "/" + shellQuote(rest)
}

func isTildeWord(s string) bool {
	if !strings.HasPrefix(s, "~") {
		return false
	}
	for _, r := range s[1:] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Get returns an open session and marks it used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.touch(m.clock.Now())
	return s, nil
}

// Checkpoint records the session's current directory in the store.
func (m *Manager) Checkpoint(s *Session) {
	if m.store == nil {
		return
	}
	m.store.Save(Metadata{ID: s.ID, Server: s.Server, Dir: s.PromptInfo().Dir})
}

// Close closes a session and forgets it.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.store != nil {
		m.store.Delete(id)
	}
	return m.closeSession(s)
}

// CloseAll closes every session but keeps their metadata so a later
// process can Recover them.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, m.closeSession(s))
	}
	return errors.Join(errs...)
}

func (m *Manager) closeSession(s *Session) error {
	err := s.Close()
	m.metrics.SessionClosed()
	m.logger.Info("session closed", slog.String("session_id", s.ID))
	if err != nil {
		return fmt.Errorf("close %s: %w", s.ID, err)
	}
	return nil
}

// List returns the open sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Created.Equal(sessions[j].Created) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].Created.Before(sessions[j].Created)
	})

	now := m.clock.Now()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, Info{
			ID:      s.ID,
			Server:  s.Server,
			Local:   s.Local(),
			Created: s.Created,
			IdleFor: now.Sub(s.idleSince()).Round(time.Second).String(),
			Ready:   s.IsReady(),
			Prompt:  s.PromptInfo(),
		})
	}
	return infos
}

// Recoverable returns stored sessions that are not open.
func (m *Manager) Recoverable() []Metadata {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Metadata
	for _, meta := range m.store.List() {
		if _, open := m.sessions[meta.ID]; !open {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
