// Package instrumentation is the public face of an instrumented shell: it
// opens the shell channel, installs the synthetic prompt and runs commands
// with exit code and working directory attached.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/acolita/shell-instrumentation/internal/adapters/realclock"
	"github.com/acolita/shell-instrumentation/internal/metrics"
	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/acolita/shell-instrumentation/internal/prompt"
	"github.com/acolita/shell-instrumentation/internal/readiness"
)

// ErrBusy is returned by Execute while a previous command is still running.
var ErrBusy = errors.New("shell is busy with a previous command")

// Status is the outcome of waiting for a command.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusTimeout       Status = "timeout"
	StatusAwaitingInput Status = "awaiting_input"
)

// Result describes a command run through the instrumented shell.
type Result struct {
	Status   Status        `json:"status"`
	Command  string        `json:"command"`
	Sequence int           `json:"sequence"`
	ExitCode int           `json:"exit_code"`
	Dir      string        `json:"cwd,omitempty"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration_ns"`

	// Set when the command stopped at an input request instead of the prompt.
	PromptType string `json:"prompt_type,omitempty"`
	PromptText string `json:"prompt_text,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

// operations is the readiness surface the façade drives. It is satisfied
// by *readiness.Coordinator.
type operations interface {
	Submit(text string) error
	IsReady() bool
	PromptInfo() prompt.Info
	WaitForReady(timeout time.Duration, minSeq uint) (bool, error)
	Wait(ctx context.Context, minSeq uint) (prompt.Info, error)
	LastTransportError() error
	Close() error
	IsClosed() bool
}

// Instrumentation is one instrumented shell session. Submit, Wait and
// Execute are safe for concurrent use, but the shell runs one command at a
// time.
type Instrumentation struct {
	ops      operations
	opts     options
	detector *prompt.InputDetector

	execMu sync.Mutex

	mu         sync.Mutex
	pending    strings.Builder // output since the last submit
	lastSubmit string
	submitted  time.Time

	closeOnce sync.Once
	closeErr  error
}

func newInstrumentation(opts options) *Instrumentation {
	i := &Instrumentation{opts: opts, detector: opts.detector}
	if i.detector == nil {
		i.detector = prompt.NewInputDetector()
	}
	return i
}

// coordinatorOptions translates façade options for the readiness layer and
// hooks output capture in front of the caller's observers.
func (i *Instrumentation) coordinatorOptions() []readiness.Option {
	opts := []readiness.Option{
		readiness.WithLogger(i.opts.logger),
		readiness.WithClock(i.opts.clock),
		readiness.WithMetrics(i.opts.metrics),
		readiness.WithOutputObserver(i.observe),
	}
	for _, o := range i.opts.outputObservers {
		opts = append(opts, readiness.WithOutputObserver(o))
	}
	for _, o := range i.opts.submitObservers {
		opts = append(opts, readiness.WithSubmitObserver(o))
	}
	return opts
}

func (i *Instrumentation) observe(output string) {
	i.mu.Lock()
	i.pending.WriteString(output)
	i.mu.Unlock()
}

// Submit sends a line to the shell without waiting. The shell is not ready
// again until its next prompt.
func (i *Instrumentation) Submit(text string) error {
	i.mu.Lock()
	i.pending.Reset()
	i.lastSubmit = text
	i.submitted = i.opts.clock.Now()
	i.mu.Unlock()

	return i.ops.Submit(text)
}

// PromptEnter is Submit under the name used by interactive front ends.
func (i *Instrumentation) PromptEnter(text string) error {
	return i.Submit(text)
}

// IsReady reports whether the shell is sitting at its prompt.
func (i *Instrumentation) IsReady() bool {
	return i.ops.IsReady()
}

// PromptInfo returns the most recent prompt.
func (i *Instrumentation) PromptInfo() prompt.Info {
	return i.ops.PromptInfo()
}

// WaitForReady waits up to timeout for any prompt.
func (i *Instrumentation) WaitForReady(timeout time.Duration) (bool, error) {
	return i.ops.WaitForReady(timeout, 0)
}

// WaitForCommand waits up to timeout for a prompt whose sequence is at
// least minSeq.
func (i *Instrumentation) WaitForCommand(timeout time.Duration, minSeq uint) (bool, error) {
	return i.ops.WaitForReady(timeout, minSeq)
}

// PendingOutput returns the output received since the last Submit.
func (i *Instrumentation) PendingOutput() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pending.String()
}

// LastTransportError returns the last error reported by the shell channel.
func (i *Instrumentation) LastTransportError() error {
	return i.ops.LastTransportError()
}

// Execute submits command and waits for the shell to return to its prompt.
// Without a deadline on ctx the configured command timeout applies. A
// timeout is not an error: the Result reports StatusTimeout, or
// StatusAwaitingInput when the output ends in an input request.
func (i *Instrumentation) Execute(ctx context.Context, command string) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: empty command", readiness.ErrInvalidArgument)
	}

	i.execMu.Lock()
	defer i.execMu.Unlock()

	if i.ops.IsClosed() {
		return nil, readiness.ErrClosed
	}
	if !i.ops.IsReady() {
		return nil, ErrBusy
	}

	next := i.ops.PromptInfo().Sequence + 1
	if next < 0 {
		next = 0
	}

	if err := i.Submit(command); err != nil {
		return nil, err
	}
	return i.Await(ctx, uint(next))
}

// Await waits for a prompt with sequence at least minSeq and describes the
// outcome for the last submitted command.
func (i *Instrumentation) Await(ctx context.Context, minSeq uint) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok && i.opts.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.commandTimeout)
		defer cancel()
	}

	info, err := i.ops.Wait(ctx, minSeq)

	i.mu.Lock()
	command := i.lastSubmit
	output := i.pending.String()
	var duration time.Duration
	if !i.submitted.IsZero() {
		duration = i.opts.clock.Now().Sub(i.submitted)
	}
	i.mu.Unlock()

	res := &Result{
		Command:  command,
		Duration: duration,
	}

	switch {
	case err == nil:
		// Observers see the raw stream, prompt included; the reader's
		// Output is the same text without it.
		res.Output = cleanOutput(info.Output, command)
		res.Status = StatusCompleted
		res.Sequence = info.Sequence
		res.ExitCode = info.ExitCode
		res.Dir = info.Dir
	case errors.Is(err, context.DeadlineExceeded):
		res.Output = cleanOutput(output, command)
		res.Status = StatusTimeout
		res.Sequence = i.ops.PromptInfo().Sequence
		if req := i.detector.Detect(output); req != nil {
			res.Status = StatusAwaitingInput
			res.PromptType = string(req.Pattern.Type)
			res.PromptText = req.MatchedText
			res.Hint = req.Hint()
		}
	default:
		i.opts.metrics.ObserveExecute("error", duration)
		return nil, err
	}

	i.opts.metrics.ObserveExecute(string(res.Status), duration)
	i.opts.logger.Debug("command finished",
		slog.String("status", string(res.Status)),
		slog.Int("sequence", res.Sequence),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", duration),
	)
	return res, nil
}

// cleanOutput normalises line endings, drops the terminal's echo of the
// command line and one final newline.
func cleanOutput(output, command string) string {
	output = strings.ReplaceAll(output, "\r\n", "\n")

	first, rest, found := strings.Cut(output, "\n")
	cmdLine, _, _ := strings.Cut(command, "\n")
	if strings.TrimSpace(first) != "" && strings.TrimSpace(first) == strings.TrimSpace(cmdLine) {
		if !found {
			return ""
		}
		output = rest
	}
	return strings.TrimSuffix(output, "\n")
}

// IsClosed reports whether the session has been closed.
func (i *Instrumentation) IsClosed() bool {
	return i.ops.IsClosed()
}

// Close closes the shell channel and then runs the registered closers. It
// is idempotent.
func (i *Instrumentation) Close() error {
	i.closeOnce.Do(func() {
		i.closeErr = errors.Join(i.ops.Close(), i.opts.runClosers())
	})
	return i.closeErr
}

type options struct {
	logger          *slog.Logger
	clock           ports.Clock
	metrics         *metrics.Metrics
	outputObservers []readiness.OutputObserver
	submitObservers []readiness.SubmitObserver
	detector        *prompt.InputDetector
	closers         []func() error
	commandTimeout  time.Duration
	shell           string
	sourceRC        bool
	env             map[string]string
}

func buildOptions(opts []Option) options {
	o := options{sourceRC: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = realclock.New()
	}
	return o
}

// Option configures an Instrumentation.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the clock used for waits and durations.
func WithClock(clock ports.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithMetrics records activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithOutputObserver registers an additional output observer.
func WithOutputObserver(fn readiness.OutputObserver) Option {
	return func(o *options) { o.outputObservers = append(o.outputObservers, fn) }
}

// WithSubmitObserver registers an observer of submitted lines.
func WithSubmitObserver(fn readiness.SubmitObserver) Option {
	return func(o *options) { o.submitObservers = append(o.submitObservers, fn) }
}

// WithInputDetector replaces the default input request detector.
func WithInputDetector(d *prompt.InputDetector) Option {
	return func(o *options) { o.detector = d }
}

// WithCloser registers fn to run after the shell is closed, e.g. to close
// the SSH connection or a transcript.
func WithCloser(fn func() error) Option {
	return func(o *options) { o.closers = append(o.closers, fn) }
}

// WithShell sets the shell: the flavour of the remote login shell for SSH,
// or the program to run for local sessions.
func WithShell(shell string) Option {
	return func(o *options) { o.shell = shell }
}

// WithSourceRC controls whether a local shell reads its rc files
// (default: true).
func WithSourceRC(source bool) Option {
	return func(o *options) { o.sourceRC = source }
}

// WithEnv sets environment variables for the shell. SSH servers may
// ignore them.
func WithEnv(env map[string]string) Option {
	return func(o *options) { o.env = env }
}
