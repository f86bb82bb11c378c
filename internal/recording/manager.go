package recording

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/acolita/shell-instrumentation/internal/adapters/realclock"
	"github.com/acolita/shell-instrumentation/internal/adapters/realfs"
	"github.com/acolita/shell-instrumentation/internal/config"
	"github.com/acolita/shell-instrumentation/internal/ports"
)

// Manager hands out one recorder per session when recording is enabled.
type Manager struct {
	mu        sync.RWMutex
	recorders map[string]*Recorder
	basePath  string
	enabled   bool
	fs        ports.FileSystem
	clock     ports.Clock
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFileSystem sets the filesystem transcripts are written to.
func WithFileSystem(fs ports.FileSystem) ManagerOption {
	return func(m *Manager) { m.fs = fs }
}

// WithClock sets the clock used for event times.
func WithClock(clock ports.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a recording manager from the recording section. An
// empty path selects ~/.local/state/shell-instrumentation/recordings.
func NewManager(cfg config.RecordingConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		recorders: make(map[string]*Recorder),
		basePath:  cfg.Path,
		enabled:   cfg.Enabled,
		fs:        realfs.New(),
		clock:     realclock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.basePath == "" {
		if home, err := m.fs.UserHomeDir(); err == nil {
			m.basePath = filepath.Join(home, ".local", "state", "shell-instrumentation", "recordings")
		}
	}
	return m
}

// Start opens a transcript for a session. With recording disabled it
// returns nil, nil. An existing recorder for the id is closed first.
func (m *Manager) Start(opts Options) (*Recorder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil, nil
	}
	if m.basePath == "" {
		return nil, fmt.Errorf("recording: no directory configured")
	}
	opts.Dir = m.basePath

	if existing, ok := m.recorders[opts.SessionID]; ok {
		existing.Close()
	}
	r, err := NewRecorder(opts, m.fs, m.clock)
	if err != nil {
		return nil, err
	}
	m.recorders[opts.SessionID] = r
	return r, nil
}

// Get returns the active recorder of a session.
func (m *Manager) Get(sessionID string) (*Recorder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recorders[sessionID]
	return r, ok
}

// Path returns the transcript path of a session, or "".
func (m *Manager) Path(sessionID string) string {
	if r, ok := m.Get(sessionID); ok {
		return r.Path()
	}
	return ""
}

// Stop closes the recorder of a session.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	r, ok := m.recorders[sessionID]
	delete(m.recorders, sessionID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return r.Close()
}

// CloseAll closes all recorders.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.recorders {
		r.Close()
		delete(m.recorders, id)
	}
}

// IsEnabled returns whether recording is enabled.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Apply picks up a reloaded recording section for future sessions.
func (m *Manager) Apply(cfg config.RecordingConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = cfg.Enabled
	if cfg.Path != "" {
		m.basePath = cfg.Path
	}
}
