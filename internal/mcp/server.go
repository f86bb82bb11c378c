// Package mcp exposes instrumented shell sessions as MCP tools on stdio.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/acolita/shell-instrumentation/internal/adapters/realfs"
	"github.com/acolita/shell-instrumentation/internal/config"
	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/acolita/shell-instrumentation/internal/recording"
	"github.com/acolita/shell-instrumentation/internal/security"
	"github.com/acolita/shell-instrumentation/internal/session"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server implementation.
type Server struct {
	mcpServer  *server.MCPServer
	sessions   sessionManager
	filter     *security.CommandFilter
	recordings *recording.Manager

	mu         sync.RWMutex
	cfg        *config.Config
	configPath string
	saveMu     sync.Mutex // serializes config file writes

	fs     ports.FileSystem
	logger *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithFileSystem sets the filesystem used to save the config.
func WithFileSystem(fs ports.FileSystem) ServerOption {
	return func(s *Server) {
		s.fs = fs
	}
}

// WithConfigPath enables shell_server_add, which writes to path.
func WithConfigPath(path string) ServerOption {
	return func(s *Server) {
		s.configPath = path
	}
}

// WithRecordings lets sensitive input be masked in transcripts and
// reloads apply the recording settings.
func WithRecordings(m *recording.Manager) ServerOption {
	return func(s *Server) {
		s.recordings = m
	}
}

// WithCommandFilter replaces the filter built from the config.
func WithCommandFilter(f *security.CommandFilter) ServerOption {
	return func(s *Server) {
		s.filter = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates an MCP server serving the sessions of manager.
func NewServer(cfg *config.Config, manager *session.Manager, version string, opts ...ServerOption) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			serverName,
			version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
		sessions: manager,
		cfg:      cfg,
		fs:       realfs.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.filter == nil {
		filter, err := security.NewCommandFilterFromConfig(cfg.Security)
		if err != nil {
			s.logger.Warn("invalid command filter, using permissive mode",
				slog.String("error", err.Error()),
			)
			filter, _ = security.NewCommandFilter(nil, nil)
		}
		s.filter = filter
	}

	s.registerTools()
	return s
}

// Run serves MCP requests on stdin and stdout until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")

	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Config returns the configuration currently in effect.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig applies a reloaded configuration. The command filter,
// session limit and recording settings change in place; open sessions keep
// the shell settings they started with.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	if err := s.filter.Update(cfg.Security.CommandBlocklist, cfg.Security.CommandAllowlist); err != nil {
		s.logger.Warn("failed to update command filter, keeping previous",
			slog.String("error", err.Error()),
		)
	}
	s.sessions.SetMaxSessions(cfg.Security.MaxSessions)
	if s.recordings != nil {
		s.recordings.Apply(cfg.Recording)
	}

	s.logger.Info("configuration reloaded")
}
