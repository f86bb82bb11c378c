package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/acolita/shell-instrumentation/internal/adapters/realdialog"
	"github.com/acolita/shell-instrumentation/internal/config"
	"github.com/acolita/shell-instrumentation/internal/instrumentation"
	"github.com/acolita/shell-instrumentation/internal/mcp"
	"github.com/acolita/shell-instrumentation/internal/metrics"
	"github.com/acolita/shell-instrumentation/internal/recording"
	"github.com/acolita/shell-instrumentation/internal/security"
	"github.com/acolita/shell-instrumentation/internal/session"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// app holds the process-wide services shared by every mode.
type app struct {
	cfg        atomic.Pointer[config.Config]
	logger     *slog.Logger
	metrics    *metrics.Metrics
	recordings *recording.Manager
	opener     *session.ConfigOpener
	manager    *session.Manager
}

func newApp(cfg *config.Config, logger *slog.Logger, interactive bool) *app {
	a := &app{
		logger:     logger,
		metrics:    metrics.New(),
		recordings: recording.NewManager(cfg.Recording),
	}
	a.cfg.Store(cfg)

	credOpts := []security.CredentialsOption{security.WithCredentialsLogger(logger)}
	if cfg.Security.UseKeyring {
		credOpts = append(credOpts, security.WithKeyring(security.NewKeyringStore(logger)))
	}
	if interactive {
		credOpts = append(credOpts, security.WithPrompt(realdialog.New()))
	}

	a.opener = &session.ConfigOpener{
		Config:      a.cfg.Load,
		Credentials: security.NewCredentials(credOpts...),
		AuthLimiter: security.NewAuthLimiter(security.DefaultMaxAuthFailures, security.DefaultAuthLockoutDuration, nil),
		Recordings:  a.recordings,
		Metrics:     a.metrics,
		Logger:      logger,
	}
	a.manager = session.NewManager(a.opener,
		session.WithMaxSessions(cfg.Security.MaxSessions),
		session.WithStore(session.NewStore(session.WithStoreLogger(logger))),
		session.WithManagerLogger(logger),
		session.WithManagerMetrics(a.metrics),
	)
	return a
}

// serveMCP runs the MCP server, the metrics listener and the config
// watcher until stdin closes or ctx is done. Open sessions are closed on
// the way out but stay recoverable.
func (a *app) serveMCP(ctx context.Context, configPath string, debug bool) error {
	cfg := a.cfg.Load()
	srv := mcp.NewServer(cfg, a.manager, Version,
		mcp.WithConfigPath(configPath),
		mcp.WithRecordings(a.recordings),
		mcp.WithLogger(a.logger),
	)
	// shell_server_add changes the server's config before the watcher sees
	// the file.
	a.opener.Config = srv.Config

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return srv.Run(ctx)
	})

	if addr := cfg.Metrics.Listen; addr != "" {
		g.Go(func() error {
			return a.metrics.Serve(ctx, addr, a.logger)
		})
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, a.logger, func(next *config.Config) {
			if debug {
				next.Logging.Level = "debug"
			}
			a.cfg.Store(next)
			srv.UpdateConfig(next)
		})
		if err != nil {
			a.logger.Warn("config hot-reload disabled", slog.String("error", err.Error()))
		} else {
			a.logger.Info("config hot-reload enabled", slog.String("path", configPath))
			g.Go(func() error {
				<-ctx.Done()
				return watcher.Close()
			})
		}
	}

	err := g.Wait()
	a.recordings.CloseAll()
	if closeErr := a.manager.CloseAll(); closeErr != nil {
		a.logger.Warn("closing sessions", slog.String("error", closeErr.Error()))
	}
	return err
}

// runShell opens one session and either runs command in it or starts the
// interactive loop. It returns the process exit code.
func (a *app) runShell(ctx context.Context, server, command string) int {
	sess, err := a.manager.Create(ctx, server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open session: %v\n", err)
		return 1
	}
	defer func() {
		if err := a.manager.Close(sess.ID); err != nil {
			a.logger.Warn("closing session", slog.String("error", err.Error()))
		}
	}()

	if command != "" {
		return a.runCommand(ctx, sess, command)
	}

	r := &repl{
		shell: sess,
		in:    bufio.NewScanner(os.Stdin),
		out:   os.Stdout,
	}
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		r.readSecret = func() (string, error) {
			b, err := term.ReadPassword(fd)
			return string(b), err
		}
	}
	r.onSecret = func() {
		if rec, ok := a.recordings.Get(sess.ID); ok {
			rec.MaskNext()
		}
	}

	if err := r.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func (a *app) runCommand(ctx context.Context, sess *session.Session, command string) int {
	res, err := sess.Execute(ctx, command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if res.Output != "" {
		fmt.Fprintln(os.Stdout, res.Output)
	}

	switch res.Status {
	case instrumentation.StatusCompleted:
		return res.ExitCode
	case instrumentation.StatusAwaitingInput:
		fmt.Fprintf(os.Stderr, "command is waiting for input (%s); use the interactive shell\n", res.PromptType)
	default:
		fmt.Fprintf(os.Stderr, "command did not finish within %s\n", a.cfg.Load().Instrumentation.CommandTimeout)
	}
	return 1
}
