// Package pty runs a local shell under a pseudo-terminal and exposes it as a
// shell stream.
package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/acolita/shell-instrumentation/internal/stream"
	"github.com/creack/pty"
)

// Options configures the local shell.
type Options struct {
	Shell        string // Shell to use (default: $SHELL, then /bin/bash, /bin/zsh, /bin/sh)
	TerminalName string // TERM for the shell (default: dumb)
	Columns      uint16 // default: 120
	Rows         uint16 // default: 24
	Width        uint16 // pixels
	Height       uint16 // pixels
	Dir          string // Initial working directory
	Env          []string
	SourceRC     bool // read the user's rc files

	BufferSize     int
	LineTerminator string
	Logger         *slog.Logger
}

// Local is a shell process attached to a PTY. It is a ports.ShellStream.
type Local struct {
	*stream.Pump

	cmd   *exec.Cmd
	ptmx  *os.File
	shell string

	waitOnce sync.Once
	waitErr  error
}

// ShellEnv returns environment variables that keep the shell's own prompt
// decoration out of the way until the instrumentation prompt is installed.
func ShellEnv(shell string) []string {
	env := []string{
		"NO_COLOR=1", // Hint to programs to disable colors
	}

	switch filepath.Base(shell) {
	case "zsh":
		env = append(env,
			"PROMPT=$ ",
			"RPROMPT=",
			"precmd_functions=",
		)
	default:
		env = append(env,
			"PS1=$ ",
			"PROMPT_COMMAND=",
		)
	}

	return env
}

// shellArgs disables rc files when SourceRC is off.
func shellArgs(shell string, sourceRC bool) []string {
	if sourceRC {
		return nil
	}
	switch filepath.Base(shell) {
	case "bash":
		return []string{"--noprofile", "--norc"}
	case "zsh":
		return []string{"-f"}
	}
	return nil
}

// NewLocal starts the shell and begins pumping its output.
func NewLocal(opts Options) (*Local, error) {
	if opts.Shell == "" {
		opts.Shell = DetectShell()
	}
	if opts.TerminalName == "" {
		opts.TerminalName = "dumb"
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Columns == 0 {
		opts.Columns = 120
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(opts.Shell, shellArgs(opts.Shell, opts.SourceRC)...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = append(os.Environ(), "TERM="+opts.TerminalName)
	cmd.Env = append(cmd.Env, ShellEnv(opts.Shell)...)
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: opts.Rows,
		Cols: opts.Columns,
		X:    opts.Width,
		Y:    opts.Height,
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	l := &Local{
		cmd:   cmd,
		ptmx:  ptmx,
		shell: opts.Shell,
	}
	l.Pump = stream.NewPump(ptmx, ptmx, l.terminate, stream.Options{
		BufferSize:     opts.BufferSize,
		LineTerminator: opts.LineTerminator,
		Logger:         logger,
	})

	logger.Debug("local shell started",
		slog.String("shell", opts.Shell),
		slog.Int("pid", cmd.Process.Pid),
	)
	return l, nil
}

// Shell returns the shell being used.
func (l *Local) Shell() string {
	return l.shell
}

// Resize resizes the PTY window.
func (l *Local) Resize(rows, cols uint16) error {
	return pty.Setsize(l.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Wait waits for the shell process to exit.
func (l *Local) Wait() error {
	l.waitOnce.Do(func() {
		l.waitErr = l.cmd.Wait()
	})
	return l.waitErr
}

// terminate closes the PTY and kills the shell. The pump calls it once.
func (l *Local) terminate() error {
	var errs []error

	if err := l.ptmx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty: %w", err))
	}
	if err := l.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("kill process: %w", err))
	}
	// Reap the process; its exit status after Kill is not interesting.
	_ = l.Wait()

	return errors.Join(errs...)
}

// DetectShell returns the user's default shell.
func DetectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}

	for _, shell := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}

	return "/bin/sh"
}
