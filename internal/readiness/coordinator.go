// Package readiness tracks whether an instrumented shell is sitting at its
// synthetic prompt, and lets callers submit commands and wait for them to
// finish.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acolita/shell-instrumentation/internal/adapters/realclock"
	"github.com/acolita/shell-instrumentation/internal/metrics"
	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/acolita/shell-instrumentation/internal/prompt"
	"github.com/acolita/shell-instrumentation/internal/reader"
)

// DefaultHandshakeTimeout bounds how long New waits for the first prompt.
const DefaultHandshakeTimeout = 5 * time.Second

// Config configures a Coordinator.
type Config struct {
	// Shell selects the setup command flavour ("bash", "zsh", or a path).
	Shell   string
	Markers prompt.Markers
	// HandshakeTimeout bounds the wait for the first prompt (default: 5s).
	HandshakeTimeout time.Duration
	// HandshakeMinSequence is the lowest sequence number accepted as proof
	// that the prompt was installed. 0 accepts the first marker.
	HandshakeMinSequence uint
	// QuiescenceDelay and TailWindow are passed to the reader.
	QuiescenceDelay time.Duration
	TailWindow      int
}

// OutputObserver receives every batch of shell output.
type OutputObserver func(output string)

// SubmitObserver receives every line written to the shell.
type SubmitObserver func(line string)

// Option configures optional collaborators of a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock sets the clock used for timeouts and the quiescence delay.
func WithClock(clock ports.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithMetrics reports counters to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithOutputObserver adds an observer for shell output. Observers run on the
// reader goroutine and must not call Close.
func WithOutputObserver(o OutputObserver) Option {
	return func(c *Coordinator) {
		c.outputObservers = append(c.outputObservers, o)
	}
}

// WithSubmitObserver adds an observer for submitted lines.
func WithSubmitObserver(o SubmitObserver) Option {
	return func(c *Coordinator) {
		c.submitObservers = append(c.submitObservers, o)
	}
}

// Coordinator owns a shell stream. The reader goroutine is the only writer
// of the ready state; callers read it and wait on it.
type Coordinator struct {
	stream ports.ShellStream
	cfg    Config

	logger          *slog.Logger
	clock           ports.Clock
	metrics         *metrics.Metrics
	outputObservers []OutputObserver
	submitObservers []SubmitObserver

	reader      *reader.Reader
	unsubscribe func()

	mu     sync.Mutex
	ready  bool
	info   prompt.Info
	closed bool
	// notify is closed and replaced whenever ready, info or closed change.
	notify  chan struct{}
	lastErr error

	closeOnce sync.Once
	closeErr  error
}

// New installs the synthetic prompt on stream and blocks until the shell
// reports it, or HandshakeTimeout elapses. The coordinator takes ownership
// of stream: on any error the stream has already been closed.
func New(stream ports.ShellStream, cfg Config, opts ...Option) (*Coordinator, error) {
	if stream == nil {
		return nil, fmt.Errorf("%w: nil shell stream", ErrInvalidArgument)
	}
	if cfg.HandshakeTimeout < 0 {
		stream.Close()
		return nil, fmt.Errorf("%w: negative handshake timeout", ErrInvalidArgument)
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Markers == (prompt.Markers{}) {
		cfg.Markers = prompt.DefaultMarkers()
	}
	if err := cfg.Markers.Validate(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if cfg.TailWindow < 0 {
		stream.Close()
		return nil, fmt.Errorf("%w: negative tail window", ErrInvalidArgument)
	}

	c := &Coordinator{
		stream: stream,
		cfg:    cfg,
		info:   prompt.Initial(),
		notify: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = realclock.New()
	}

	c.unsubscribe = stream.Subscribe(ports.StreamHandler{OnError: c.recordTransportError})

	r, err := reader.New(stream, reader.Options{
		Markers:         cfg.Markers,
		QuiescenceDelay: cfg.QuiescenceDelay,
		TailWindow:      cfg.TailWindow,
		Clock:           c.clock,
		Logger:          c.logger,
		Metrics:         c.metrics,
	}, c.handleOutput)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("start stream reader: %w", err)
	}
	c.reader = r

	setup := prompt.SetupCommand(cfg.Shell, cfg.Markers)
	if err := stream.WriteLine(setup); err != nil {
		c.Close()
		return nil, fmt.Errorf("install synthetic prompt: %w", err)
	}

	ok, err := c.WaitForReady(cfg.HandshakeTimeout, cfg.HandshakeMinSequence)
	if err != nil || !ok {
		c.metrics.HandshakeFailed()
		c.logger.Error("shell handshake failed",
			slog.Duration("timeout", cfg.HandshakeTimeout),
			slog.String("shell", prompt.ShellFlavour(cfg.Shell)),
		)
		c.Close()
		return nil, fmt.Errorf("%w within %s", ErrHandshakeTimeout, cfg.HandshakeTimeout)
	}

	c.logger.Info("shell ready", slog.String("prompt", c.PromptInfo().String()))
	return c, nil
}

// Submit marks the shell not ready and writes text to it. It does not wait
// for the command to finish.
func (c *Coordinator) Submit(text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.ready = false
	c.mu.Unlock()

	if err := c.stream.WriteLine(text); err != nil {
		return fmt.Errorf("submit command: %w", err)
	}
	c.metrics.CommandSubmitted()
	for _, o := range c.submitObservers {
		o(text)
	}

	c.logger.Debug("command submitted", slog.Int("length", len(text)))
	return nil
}

// IsReady reports whether the shell is at its prompt.
func (c *Coordinator) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// PromptInfo returns the latest prompt. It may be stale while not ready.
func (c *Coordinator) PromptInfo() prompt.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// WaitForReady blocks until the shell is ready with a sequence number of at
// least minSeq, or timeout elapses. A timeout leaves the state untouched and
// returns false with a nil error. Closing the coordinator releases waiters
// with ErrClosed.
func (c *Coordinator) WaitForReady(timeout time.Duration, minSeq uint) (bool, error) {
	if timeout < 0 {
		return false, fmt.Errorf("%w: negative timeout %s", ErrInvalidArgument, timeout)
	}

	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		_, ok, notify, err := c.check(minSeq)
		if ok || err != nil {
			return ok, err
		}

		select {
		case <-notify:
		case <-timer.C():
			_, ok, _, err := c.check(minSeq)
			return ok, err
		}
	}
}

// Wait is WaitForReady bounded by ctx instead of a timeout. It returns the
// prompt that satisfied the wait.
func (c *Coordinator) Wait(ctx context.Context, minSeq uint) (prompt.Info, error) {
	for {
		info, ok, notify, err := c.check(minSeq)
		if err != nil {
			return prompt.Info{}, err
		}
		if ok {
			return info, nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return prompt.Info{}, ctx.Err()
		}
	}
}

// check evaluates a wait condition under the lock. When it is not met, the
// returned channel is closed on the next state change.
func (c *Coordinator) check(minSeq uint) (prompt.Info, bool, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready && int64(c.info.Sequence) >= int64(minSeq) {
		return c.info, true, nil, nil
	}
	if c.closed {
		return prompt.Info{}, false, nil, ErrClosed
	}
	return prompt.Info{}, false, c.notify, nil
}

// LastTransportError returns the most recent error reported by the stream.
func (c *Coordinator) LastTransportError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// IsClosed reports whether Close has been called.
func (c *Coordinator) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops the reader and closes the stream. Blocked waiters are woken
// and return ErrClosed. Close is idempotent and returns the stream's close
// error.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.broadcastLocked()
		c.mu.Unlock()

		if c.reader != nil {
			c.reader.Close()
		}
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.closeErr = c.stream.Close()
	})
	return c.closeErr
}

// handleOutput is the reader callback. The prompt and the ready flag are
// published together so no waiter sees ready with the previous prompt.
func (c *Coordinator) handleOutput(output string, ready *prompt.Info) {
	for _, o := range c.outputObservers {
		o(output)
	}

	if ready == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.info = *ready
	c.ready = true
	c.broadcastLocked()
}

func (c *Coordinator) broadcastLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *Coordinator) recordTransportError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
