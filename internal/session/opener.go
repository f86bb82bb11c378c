package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/acolita/shell-instrumentation/internal/adapters/realfs"
	"github.com/acolita/shell-instrumentation/internal/config"
	"github.com/acolita/shell-instrumentation/internal/instrumentation"
	"github.com/acolita/shell-instrumentation/internal/metrics"
	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/acolita/shell-instrumentation/internal/prompt"
	"github.com/acolita/shell-instrumentation/internal/recording"
	"github.com/acolita/shell-instrumentation/internal/security"
	"github.com/acolita/shell-instrumentation/internal/ssh"
)

// ErrUnknownServer is returned for server names missing from the config.
var ErrUnknownServer = errors.New("unknown server")

// ConfigOpener opens local and SSH shells as described by the current
// configuration. Zero-valued fields fall back to production defaults.
type ConfigOpener struct {
	// Config returns the configuration to use; it is called once per Open
	// so reloads apply to new sessions.
	Config func() *config.Config

	Credentials *security.Credentials
	AuthLimiter *security.AuthLimiter
	Recordings  *recording.Manager
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Clock       ports.Clock
	Dialer      ports.SSHDialer
	FS          ports.FileSystem
}

var _ Opener = (*ConfigOpener)(nil)

// Open starts the shell for req.
func (o *ConfigOpener) Open(ctx context.Context, req OpenRequest) (Shell, error) {
	cfg := o.Config()
	logger := o.logger().With(slog.String("session_id", req.ID))

	opts, err := o.commonOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	if req.Server == "" {
		opts = append(opts,
			instrumentation.WithShell(cfg.Shell.Path),
			instrumentation.WithSourceRC(cfg.Shell.SourceRC),
		)
		opts = append(opts, o.recordingOptions(req.ID, "local", cfg.Shell.Path, cfg, logger)...)
		return instrumentation.NewLocal(cfg.Instrumentation, opts...)
	}

	server, ok := cfg.Server(req.Server)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, req.Server)
	}
	return o.openSSH(ctx, req.ID, cfg, server, opts, logger)
}

func (o *ConfigOpener) openSSH(ctx context.Context, id string, cfg *config.Config, server config.ServerConfig, opts []instrumentation.Option, logger *slog.Logger) (Shell, error) {
	limiter := o.AuthLimiter
	if limiter != nil {
		if err := limiter.Allow(server.Host, server.User); err != nil {
			return nil, err
		}
	}

	client, err := o.connect(ctx, cfg, server, logger)
	if err != nil {
		return nil, err
	}

	shell := server.Shell
	if shell == "" {
		shell = "bash"
	}
	opts = append(opts,
		instrumentation.WithShell(shell),
		instrumentation.WithCloser(client.Close),
	)
	opts = append(opts, o.recordingOptions(id, server.Name, shell, cfg, logger)...)
	return instrumentation.NewSSH(client, cfg.Instrumentation, opts...)
}

func (o *ConfigOpener) connect(ctx context.Context, cfg *config.Config, server config.ServerConfig, logger *slog.Logger) (*ssh.Client, error) {
	creds := o.Credentials
	if creds == nil {
		creds = security.NewCredentials(security.WithCredentialsLogger(logger))
	}

	password, err := creds.Password(server)
	if err != nil {
		return nil, err
	}

	keyPath := server.KeyPath
	if keyPath == "" {
		keyPath = server.Auth.Path
	}
	methods, err := ssh.BuildAuthMethods(ssh.AuthConfig{
		KeyPath:       keyPath,
		KeyPassphrase: creds.Passphrase(server, keyPath),
		UseAgent:      server.Auth.Type != "password",
		Password:      password,
		Host:          server.Host,
		FS:            o.fs(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", server.Name, err)
	}

	hostKeys, err := ssh.BuildHostKeyCallback(cfg.Security.KnownHostsPath, cfg.Security.InsecureHostKeys)
	if err != nil {
		return nil, err
	}

	client, err := ssh.NewClient(ssh.ClientOptions{
		Host:            server.Host,
		Port:            server.Port,
		User:            server.User,
		AuthMethods:     methods,
		HostKeyCallback: hostKeys,
		Clock:           o.Clock,
		Dialer:          o.Dialer,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	if err := client.Connect(ctx); err != nil {
		if isAuthFailure(err) {
			if o.AuthLimiter != nil {
				o.AuthLimiter.RecordFailure(server.Host, server.User)
			}
			creds.Forget(server)
		}
		return nil, err
	}
	if o.AuthLimiter != nil {
		o.AuthLimiter.RecordSuccess(server.Host, server.User)
	}
	return client, nil
}

// x/crypto/ssh reports rejected credentials only through the message.
func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func (o *ConfigOpener) commonOptions(cfg *config.Config, logger *slog.Logger) ([]instrumentation.Option, error) {
	patterns, err := cfg.InputPatternList()
	if err != nil {
		return nil, err
	}
	opts := []instrumentation.Option{
		instrumentation.WithLogger(logger),
		instrumentation.WithMetrics(o.Metrics),
		instrumentation.WithInputDetector(prompt.NewInputDetector(patterns...)),
	}
	if o.Clock != nil {
		opts = append(opts, instrumentation.WithClock(o.Clock))
	}
	return opts, nil
}

// recordingOptions attaches a transcript when recording is enabled. A
// transcript that cannot be created does not stop the session.
func (o *ConfigOpener) recordingOptions(id, title, shell string, cfg *config.Config, logger *slog.Logger) []instrumentation.Option {
	if o.Recordings == nil {
		return nil
	}
	rec, err := o.Recordings.Start(recording.Options{
		SessionID:      id,
		Width:          int(cfg.Instrumentation.Columns),
		Height:         int(cfg.Instrumentation.Rows),
		Shell:          shell,
		Term:           cfg.Instrumentation.TerminalName,
		Title:          title,
		LineTerminator: cfg.Instrumentation.LineTerminator,
	})
	if err != nil {
		logger.Warn("recording disabled for session", slog.String("error", err.Error()))
		return nil
	}
	if rec == nil {
		return nil
	}
	return []instrumentation.Option{
		instrumentation.WithOutputObserver(rec.Output),
		instrumentation.WithSubmitObserver(rec.Input),
		instrumentation.WithCloser(func() error { return o.Recordings.Stop(id) }),
	}
}

func (o *ConfigOpener) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *ConfigOpener) fs() ports.FileSystem {
	if o.FS == nil {
		return realfs.New()
	}
	return o.FS
}
