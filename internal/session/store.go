package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/acolita/shell-instrumentation/internal/adapters/realfs"
	"github.com/acolita/shell-instrumentation/internal/ports"
)

// Metadata is what the store keeps to reopen a session.
type Metadata struct {
	ID     string `json:"id"`
	Server string `json:"server,omitempty"`
	Dir    string `json:"dir,omitempty"`
}

// Store persists session metadata as JSON so sessions can be recovered
// after the process restarts.
type Store struct {
	path     string
	sessions map[string]Metadata
	mu       sync.RWMutex
	fs       ports.FileSystem
	logger   *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFileSystem sets the filesystem used by Store.
func WithFileSystem(fs ports.FileSystem) StoreOption {
	return func(s *Store) {
		s.fs = fs
	}
}

// WithStorePath sets a custom storage path.
func WithStorePath(path string) StoreOption {
	return func(s *Store) {
		s.path = path
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store and loads what an earlier process left behind.
func NewStore(opts ...StoreOption) *Store {
	store := &Store{
		sessions: make(map[string]Metadata),
		fs:       realfs.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(store)
	}
	if store.path == "" {
		store.path = store.defaultPath()
	}

	store.load()
	return store
}

// defaultPath is ~/.cache/shell-instrumentation/sessions.json.
func (s *Store) defaultPath() string {
	home, err := s.fs.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}

	cacheDir := filepath.Join(home, ".cache", "shell-instrumentation")
	if err := s.fs.MkdirAll(cacheDir, 0700); err != nil {
		s.logger.Warn("failed to create cache dir, using /tmp", slog.String("error", err.Error()))
		cacheDir = "/tmp"
	}
	return filepath.Join(cacheDir, "sessions.json")
}

// Path returns the store file.
func (s *Store) Path() string {
	return s.path
}

// Save records or replaces metadata.
func (s *Store) Save(meta Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[meta.ID] = meta
	s.persist()
}

// Get retrieves session metadata by ID.
func (s *Store) Get(id string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.sessions[id]
	return meta, ok
}

// List returns all stored metadata.
func (s *Store) List() []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Metadata, 0, len(s.sessions))
	for _, m := range s.sessions {
		out = append(out, m)
	}
	return out
}

// Delete removes session metadata.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return
	}
	delete(s.sessions, id)
	s.persist()
}

func (s *Store) load() {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to load session store", slog.String("error", err.Error()))
		}
		return
	}

	if err := json.Unmarshal(data, &s.sessions); err != nil {
		s.logger.Warn("failed to parse session store", slog.String("error", err.Error()))
		s.sessions = make(map[string]Metadata)
	}
}

func (s *Store) persist() {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		s.logger.Warn("failed to marshal session store", slog.String("error", err.Error()))
		return
	}
	if err := s.fs.WriteFile(s.path, data, 0600); err != nil {
		s.logger.Warn("failed to write session store", slog.String("error", err.Error()))
	}
}
