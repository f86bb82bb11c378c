package instrumentation

import (
	"errors"
	"fmt"
	"math"

	"github.com/acolita/shell-instrumentation/internal/config"
	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/acolita/shell-instrumentation/internal/pty"
	"github.com/acolita/shell-instrumentation/internal/readiness"
	"github.com/acolita/shell-instrumentation/internal/ssh"
)

// NewSSH opens a PTY shell channel on client and instruments it. The client
// stays owned by the caller unless a WithCloser option hands it over; closers
// also run when NewSSH fails.
func NewSSH(client *ssh.Client, cfg config.InstrumentationConfig, opts ...Option) (*Instrumentation, error) {
	o := buildOptions(opts)
	if err := cfg.Validate(); err != nil {
		o.runClosers()
		return nil, err
	}

	stream, err := ssh.OpenShell(client, ssh.ShellOptions{
		TerminalName:   cfg.TerminalName,
		Columns:        cfg.Columns,
		Rows:           cfg.Rows,
		Width:          cfg.Width,
		Height:         cfg.Height,
		BufferSize:     cfg.BufferSize,
		LineTerminator: cfg.LineTerminator,
		Env:            o.env,
		Logger:         o.logger,
	})
	if err != nil {
		o.runClosers()
		return nil, fmt.Errorf("open ssh shell: %w", err)
	}

	return instrument(stream, cfg, o)
}

// NewLocal starts a local shell under a PTY and instruments it.
func NewLocal(cfg config.InstrumentationConfig, opts ...Option) (*Instrumentation, error) {
	o := buildOptions(opts)
	if err := cfg.Validate(); err != nil {
		o.runClosers()
		return nil, err
	}

	env := make([]string, 0, len(o.env))
	for k, v := range o.env {
		env = append(env, k+"="+v)
	}

	local, err := pty.NewLocal(pty.Options{
		Shell:          o.shell,
		TerminalName:   cfg.TerminalName,
		Columns:        clamp16(cfg.Columns),
		Rows:           clamp16(cfg.Rows),
		Width:          clamp16(cfg.Width),
		Height:         clamp16(cfg.Height),
		Env:            env,
		SourceRC:       o.sourceRC,
		BufferSize:     cfg.BufferSize,
		LineTerminator: cfg.LineTerminator,
		Logger:         o.logger,
	})
	if err != nil {
		o.runClosers()
		return nil, fmt.Errorf("open local shell: %w", err)
	}

	// The setup command must match the program actually started.
	o.shell = local.Shell()
	return instrument(local, cfg, o)
}

// New instruments an already running shell on stream. WithShell selects
// the setup command; the default is bash.
func New(stream ports.ShellStream, cfg config.InstrumentationConfig, opts ...Option) (*Instrumentation, error) {
	o := buildOptions(opts)
	if err := cfg.Validate(); err != nil {
		o.runClosers()
		return nil, err
	}
	return instrument(stream, cfg, o)
}

// instrument runs the handshake on stream. The coordinator closes stream
// when the handshake fails.
func instrument(stream ports.ShellStream, cfg config.InstrumentationConfig, o options) (*Instrumentation, error) {
	o.commandTimeout = cfg.CommandTimeout

	i := newInstrumentation(o)
	coord, err := readiness.New(stream, readiness.Config{
		Shell:                o.shell,
		Markers:              cfg.PromptMarkers(),
		HandshakeTimeout:     cfg.HandshakeTimeout,
		HandshakeMinSequence: cfg.HandshakeMinSequence,
		QuiescenceDelay:      cfg.QuiescenceDelay,
		TailWindow:           cfg.TailWindow,
	}, i.coordinatorOptions()...)
	if err != nil {
		o.runClosers()
		return nil, err
	}
	i.ops = coord
	return i, nil
}

func (o options) runClosers() error {
	var errs []error
	for _, fn := range o.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

func clamp16(v uint32) uint16 {
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
