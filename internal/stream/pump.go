package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/acolita/shell-instrumentation/internal/ports"
)

// ErrStreamClosed is reported when the transport reaches EOF or is used
// after Close.
var ErrStreamClosed = errors.New("shell stream closed")

const (
	defaultBufferSize     = 4096
	defaultLineTerminator = "\n"
)

// Options configures a Pump.
type Options struct {
	BufferSize     int    // Read chunk size (default: 4096)
	LineTerminator string // Appended by WriteLine (default: "\n")
	Logger         *slog.Logger
}

// Pump turns a blocking reader/writer pair into a ports.ShellStream.
// A goroutine copies everything read from the transport into an internal
// buffer and notifies subscribers; Read drains that buffer without blocking.
type Pump struct {
	r      io.Reader
	w      io.Writer
	closer func() error
	opts   Options
	logger *slog.Logger

	notifier Notifier

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewPump starts pumping r. closer is called once by Close and must unblock
// any pending Read on r.
func NewPump(r io.Reader, w io.Writer, closer func() error, opts Options) *Pump {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.LineTerminator == "" {
		opts.LineTerminator = defaultLineTerminator
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pump{
		r:      r,
		w:      w,
		closer: closer,
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *Pump) pump() {
	defer close(p.done)

	chunk := make([]byte, p.opts.BufferSize)
	for {
		n, err := p.r.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			p.buf.Write(chunk[:n])
			p.mu.Unlock()
			p.notifier.NotifyData()
		}
		if err == nil {
			continue
		}

		if p.isClosed() {
			return
		}
		if errors.Is(err, io.EOF) {
			p.logger.Debug("shell stream reached EOF")
			p.notifier.NotifyError(ErrStreamClosed)
		} else {
			p.notifier.NotifyError(fmt.Errorf("read shell stream: %w", err))
		}
		return
	}
}

// Read returns all buffered inbound text and clears the buffer.
func (p *Pump) Read() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.buf.Len() == 0 {
		return ""
	}
	s := p.buf.String()
	p.buf.Reset()
	return s
}

// DataAvailable reports whether unread text is buffered.
func (p *Pump) DataAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len() > 0
}

// WriteLine writes line followed by the line terminator.
func (p *Pump) WriteLine(line string) error {
	if p.isClosed() {
		return ErrStreamClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := io.WriteString(p.w, line+p.opts.LineTerminator); err != nil {
		return fmt.Errorf("write shell stream: %w", err)
	}
	return nil
}

// Subscribe registers h for data and error notifications.
func (p *Pump) Subscribe(h ports.StreamHandler) func() {
	return p.notifier.Subscribe(h)
}

// Close closes the transport. It is idempotent and returns the first
// close error.
func (p *Pump) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		if p.closer != nil {
			p.closeErr = p.closer()
		}
	})
	return p.closeErr
}

// Done is closed when the pump goroutine has exited.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

func (p *Pump) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

var _ ports.ShellStream = (*Pump)(nil)
