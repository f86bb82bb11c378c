// Package reader drains a shell stream on a dedicated goroutine and splits
// what it reads into output batches and detected synthetic prompts.
package reader

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acolita/shell-instrumentation/internal/adapters/realclock"
	"github.com/acolita/shell-instrumentation/internal/metrics"
	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/acolita/shell-instrumentation/internal/prompt"
)

// State is the lifecycle state of a Reader.
type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Defaults applied by New for zero Options fields.
const (
	DefaultQuiescenceDelay = 200 * time.Millisecond
	DefaultTailWindow      = 4096
)

// OutputFunc receives one batch per drain cycle: the text read since the
// previous call and the prompt detected during the cycle, if any.
type OutputFunc func(output string, ready *prompt.Info)

// Options configures a Reader.
type Options struct {
	Markers prompt.Markers
	// QuiescenceDelay is how long the reader pauses after a prompt so that
	// bytes still in flight are attributed to the same drain cycle.
	QuiescenceDelay time.Duration
	// TailWindow is how many bytes before a new chunk are re-scanned, so a
	// prompt split across chunks is still found. A prompt whose prefix has
	// already been seen is found however far back the prefix is.
	TailWindow int
	Clock      ports.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Reader owns the read side of a shell stream.
type Reader struct {
	stream   ports.ShellStream
	onOutput OutputFunc
	markers  prompt.Markers
	delay    time.Duration
	window   int
	clock    ports.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	wake        chan struct{}
	done        chan struct{}
	state       atomic.Int32
	unsubscribe func()
	closeOnce   sync.Once

	// Only touched by the worker goroutine.
	pending   strings.Builder
	prefixAt  int // offset in pending of the last prefix that may still be a prompt, or -1
	flaggedAt int // offset of the last prompt reported as followed by output
}

// New starts a Reader on stream. onOutput is called from the reader's
// goroutine and must not call Close.
func New(stream ports.ShellStream, opts Options, onOutput OutputFunc) (*Reader, error) {
	if stream == nil {
		return nil, errors.New("reader: stream is required")
	}
	if onOutput == nil {
		return nil, errors.New("reader: output callback is required")
	}
	if opts.Markers == (prompt.Markers{}) {
		opts.Markers = prompt.DefaultMarkers()
	}
	if err := opts.Markers.Validate(); err != nil {
		return nil, err
	}
	if opts.QuiescenceDelay < 0 {
		return nil, errors.New("reader: negative quiescence delay")
	}
	if opts.QuiescenceDelay == 0 {
		opts.QuiescenceDelay = DefaultQuiescenceDelay
	}
	if opts.TailWindow < 0 {
		return nil, errors.New("reader: negative tail window")
	}
	if opts.TailWindow == 0 {
		opts.TailWindow = DefaultTailWindow
	}
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Reader{
		stream:    stream,
		onOutput:  onOutput,
		markers:   opts.Markers,
		delay:     opts.QuiescenceDelay,
		window:    opts.TailWindow,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		prefixAt:  -1,
		flaggedAt: -1,
	}

	// Start signaled so anything buffered before subscription is drained.
	r.wake <- struct{}{}
	r.unsubscribe = stream.Subscribe(ports.StreamHandler{
		OnData:  r.signal,
		OnError: r.transportError,
	})

	go r.run()
	return r, nil
}

// State returns the current lifecycle state.
func (r *Reader) State() State {
	return State(r.state.Load())
}

// Close stops the worker and waits for it to exit. It is idempotent.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown))
		r.signal()
		<-r.done
		r.unsubscribe()
	})
	return nil
}

// signal wakes the worker. A wake-up already pending is enough, so the
// send never blocks.
func (r *Reader) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// transportError is diagnostic only. The worker keeps running until Close.
func (r *Reader) transportError(err error) {
	r.logger.Warn("shell stream error", slog.String("error", err.Error()))
	r.metrics.TransportError()
}

func (r *Reader) run() {
	defer close(r.done)
	defer r.state.Store(int32(StateStopped))

	for range r.wake {
		if r.State() != StateRunning {
			return
		}
		r.drain()
	}
}

// drain pulls chunks until the stream reports nothing more is buffered and
// delivers them as one batch.
func (r *Reader) drain() {
	var batch strings.Builder
	var ready *prompt.Info

	for r.stream.DataAvailable() {
		if r.State() != StateRunning {
			return
		}

		chunk := r.stream.Read()
		if chunk == "" {
			break
		}

		scanFrom := r.pending.Len()
		r.pending.WriteString(chunk)
		batch.WriteString(chunk)
		r.notePrefix(scanFrom)

		if info, ok := r.detect(scanFrom); ok {
			ready = &info
			r.clock.Sleep(r.delay)
		}
	}

	if batch.Len() > 0 {
		r.onOutput(batch.String(), ready)
	}
}

// notePrefix remembers where the last prefix in pending starts. The search
// overlaps the previous chunk so a prefix split between chunks is seen.
func (r *Reader) notePrefix(scanFrom int) {
	acc := r.pending.String()
	from := scanFrom - len(r.markers.Prefix) + 1
	if from < 0 {
		from = 0
	}
	if idx := strings.LastIndex(acc[from:], r.markers.Prefix); idx >= 0 {
		r.prefixAt = from + idx
	}
}

// detect looks for an open prompt at the end of the pending output. The
// bytes from scanFrom minus the tail window onward are searched, reaching
// back to the last prefix seen. On success the pending output is consumed.
func (r *Reader) detect(scanFrom int) (prompt.Info, bool) {
	acc := r.pending.String()

	start := scanFrom - r.window
	if start < 0 {
		start = 0
	}
	if r.prefixAt >= 0 && r.prefixAt < start {
		start = r.prefixAt
	}
	candidate, open := r.markers.Find(acc[start:])
	if candidate == "" {
		return prompt.Info{}, false
	}
	if !open {
		r.flagTrailing(len(acc)-len(candidate), candidate)
		if !r.markers.Partial(candidate) {
			r.prefixAt = -1
		}
		return prompt.Info{}, false
	}

	info, err := r.markers.Parse(candidate)
	if err != nil {
		r.logger.Warn("ignoring malformed shell prompt",
			slog.String("prompt", candidate),
			slog.String("error", err.Error()),
		)
		r.metrics.MalformedPrompt()
		r.prefixAt = -1
		return prompt.Info{}, false
	}

	output := strings.TrimSuffix(acc[:len(acc)-len(candidate)], r.markers.NewLine)
	info.Output = r.markers.Strip(output)
	r.pending.Reset()
	r.prefixAt = -1
	r.flaggedAt = -1
	r.metrics.PromptDetected()

	r.logger.Debug("shell prompt detected", slog.String("prompt", info.String()))
	return info, true
}

// flagTrailing reports, once per prompt, a complete prompt that more output
// followed. The shell is not taken to be ready.
func (r *Reader) flagTrailing(at int, candidate string) {
	if at == r.flaggedAt {
		return
	}
	complete, ok := r.markers.Complete(candidate)
	if !ok {
		return
	}
	r.flaggedAt = at
	r.logger.Warn("ignoring shell prompt followed by output",
		slog.String("prompt", complete),
		slog.Int("trailing_bytes", len(candidate)-len(complete)),
	)
	r.metrics.MalformedPrompt()
}
