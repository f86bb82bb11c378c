// Package config handles configuration parsing for shell-instrumentation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/acolita/shell-instrumentation/internal/prompt"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/shell-instrumentation/config.yaml or ~/.config/shell-instrumentation/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "shell-instrumentation", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Instrumentation InstrumentationConfig `yaml:"instrumentation"`
	Servers         []ServerConfig        `yaml:"servers"`
	Shell           ShellConfig           `yaml:"shell"`
	Security        SecurityConfig        `yaml:"security"`
	Logging         LoggingConfig         `yaml:"logging"`
	Recording       RecordingConfig       `yaml:"recording"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	InputPatterns   []PatternConfig       `yaml:"input_patterns"`
}

// InstrumentationConfig controls the shell channel and prompt detection.
type InstrumentationConfig struct {
	TerminalName string `yaml:"terminal_name"` // TERM requested for the PTY
	Columns      uint32 `yaml:"columns"`
	Rows         uint32 `yaml:"rows"`
	Width        uint32 `yaml:"width"`  // pixels
	Height       uint32 `yaml:"height"` // pixels
	BufferSize   int    `yaml:"buffer_size"`

	QuiescenceDelay      time.Duration `yaml:"quiescence_delay"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	HandshakeMinSequence uint          `yaml:"handshake_min_sequence"`
	TailWindow           int           `yaml:"tail_window"`
	CommandTimeout       time.Duration `yaml:"command_timeout"` // default wait for one command
	LineTerminator       string        `yaml:"line_terminator"`

	Markers MarkersConfig `yaml:"markers"`
}

// MarkersConfig overrides the synthetic prompt literals. Empty fields keep
// the defaults.
type MarkersConfig struct {
	Prefix         string `yaml:"prefix"`
	Suffix         string `yaml:"suffix"`
	FieldSeparator string `yaml:"field_separator"`
}

// ServerConfig defines an SSH server connection.
type ServerConfig struct {
	Name    string     `yaml:"name"`
	Host    string     `yaml:"host"`
	Port    int        `yaml:"port"`
	User    string     `yaml:"user"`
	KeyPath string     `yaml:"key_path"`
	Shell   string     `yaml:"shell"` // remote login shell flavour, default bash
	Auth    AuthConfig `yaml:"auth"`
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Type          string `yaml:"type"`           // "key" or "password"
	Path          string `yaml:"path"`           // path to key file
	PassphraseEnv string `yaml:"passphrase_env"` // env var containing key passphrase
	PasswordEnv   string `yaml:"password_env"`   // env var containing SSH password
}

// ShellConfig defines the local shell.
type ShellConfig struct {
	Path     string `yaml:"path"`      // local shell path (default: $SHELL, then /bin/bash)
	SourceRC bool   `yaml:"source_rc"` // source .bashrc/.zshrc (default: true)
}

// SecurityConfig defines security settings.
type SecurityConfig struct {
	MaxSessions      int      `yaml:"max_sessions"`
	CommandBlocklist []string `yaml:"command_blocklist"` // Regex patterns for blocked commands
	CommandAllowlist []string `yaml:"command_allowlist"` // If set, only these patterns allowed
	UseKeyring       bool     `yaml:"use_keyring"`       // Use OS keyring for SSH passwords
	KnownHostsPath   string   `yaml:"known_hosts_path"`  // default ~/.ssh/known_hosts
	InsecureHostKeys bool     `yaml:"insecure_host_keys"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// RecordingConfig defines session recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"` // enable session recording
	Path    string `yaml:"path"`    // directory to store recordings
}

// MetricsConfig defines the Prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. "127.0.0.1:9464"; empty disables
}

// PatternConfig defines a custom input request pattern.
type PatternConfig struct {
	Name     string `yaml:"name"`
	Regex    string `yaml:"regex"`
	Type     string `yaml:"type"`     // "password", "confirmation", "pager"
	Response string `yaml:"response"` // suggested response
}

// DefaultInstrumentation returns the channel settings used when nothing is
// configured.
func DefaultInstrumentation() InstrumentationConfig {
	return InstrumentationConfig{
		TerminalName:     "INSTRUMENTATION",
		Columns:          1024,
		Rows:             128,
		Width:            1024,
		Height:           128,
		BufferSize:       4096,
		QuiescenceDelay:  200 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
		TailWindow:       4096,
		CommandTimeout:   30 * time.Second,
		LineTerminator:   "\n",
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Instrumentation: DefaultInstrumentation(),
		Shell: ShellConfig{
			SourceRC: true,
		},
		Security: SecurityConfig{
			MaxSessions: 10,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
	}
}

// Load loads configuration from a YAML file.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	var data []byte
	var err error
	if len(fsys) > 0 && fsys[0] != nil {
		data, err = fsys[0].ReadFile(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file means defaults; shell_server_add creates it.
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// PromptMarkers returns the prompt markers with configured overrides applied.
func (c InstrumentationConfig) PromptMarkers() prompt.Markers {
	m := prompt.DefaultMarkers()
	if c.Markers.Prefix != "" {
		m.Prefix = c.Markers.Prefix
	}
	if c.Markers.Suffix != "" {
		m.Suffix = c.Markers.Suffix
	}
	if c.Markers.FieldSeparator != "" {
		m.FieldSeparator = c.Markers.FieldSeparator
	}
	return m
}

// Validate checks the instrumentation settings.
func (c InstrumentationConfig) Validate() error {
	switch {
	case c.Columns == 0 || c.Rows == 0:
		return fmt.Errorf("instrumentation: terminal size %dx%d is invalid", c.Columns, c.Rows)
	case c.BufferSize <= 0:
		return fmt.Errorf("instrumentation: buffer_size must be positive, got %d", c.BufferSize)
	case c.QuiescenceDelay < 0:
		return fmt.Errorf("instrumentation: quiescence_delay must not be negative")
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("instrumentation: handshake_timeout must be positive")
	case c.CommandTimeout <= 0:
		return fmt.Errorf("instrumentation: command_timeout must be positive")
	}
	markers := c.PromptMarkers()
	if err := markers.Validate(); err != nil {
		return fmt.Errorf("instrumentation: %w", err)
	}
	if c.TailWindow < 0 || (c.TailWindow > 0 && c.TailWindow < len(markers.Prefix)) {
		return fmt.Errorf("instrumentation: tail_window %d is shorter than the prompt prefix (%d bytes)", c.TailWindow, len(markers.Prefix))
	}
	return nil
}

// Validate validates the configuration. Missing limits are reset to their
// defaults.
func (c *Config) Validate() error {
	if c.Security.MaxSessions <= 0 {
		c.Security.MaxSessions = 10
	}
	if c.Instrumentation.TerminalName == "" {
		c.Instrumentation.TerminalName = DefaultInstrumentation().TerminalName
	}
	if c.Instrumentation.LineTerminator == "" {
		c.Instrumentation.LineTerminator = "\n"
	}

	if err := c.Instrumentation.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return errors.New("servers: every server needs a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("servers: duplicate server %q", s.Name)
		}
		seen[s.Name] = true
		if s.Host == "" {
			return fmt.Errorf("servers: %q has no host", s.Name)
		}
	}

	for _, list := range [][]string{c.Security.CommandBlocklist, c.Security.CommandAllowlist} {
		for _, pattern := range list {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("security: invalid command pattern %q: %w", pattern, err)
			}
		}
	}

	for _, p := range c.InputPatterns {
		if _, err := regexp.Compile(p.Regex); err != nil {
			return fmt.Errorf("input_patterns: %q: %w", p.Name, err)
		}
	}

	return nil
}

// Server returns the server with the given name.
func (c *Config) Server(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// AddServer adds a server to the configuration.
// Returns an error if a server with the same name already exists.
func (c *Config) AddServer(server ServerConfig) error {
	if _, ok := c.Server(server.Name); ok {
		return fmt.Errorf("server %q already exists", server.Name)
	}
	c.Servers = append(c.Servers, server)
	return nil
}

// Save writes the configuration to a YAML file.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Save(cfg *Config, path string, fsys ...ports.FileSystem) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if len(fsys) > 0 && fsys[0] != nil {
		if err := fsys[0].MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		return fsys[0].WriteFile(path, data, 0600)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// InputPatternList compiles the custom input request patterns.
func (c *Config) InputPatternList() ([]prompt.InputPattern, error) {
	out := make([]prompt.InputPattern, 0, len(c.InputPatterns))
	for _, p := range c.InputPatterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("input_patterns: %q: %w", p.Name, err)
		}
		out = append(out, prompt.InputPattern{
			Name:              p.Name,
			Regex:             re,
			Type:              prompt.InputType(p.Type),
			SuggestedResponse: p.Response,
		})
	}
	return out, nil
}
