package stream

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/shell-instrumentation/internal/ports"
)

// gatedReader blocks every Read until release is called, then fails with err.
type gatedReader struct {
	gate chan struct{}
	once sync.Once
	err  error
}

func newGatedReader(err error) *gatedReader {
	return &gatedReader{gate: make(chan struct{}), err: err}
}

func (g *gatedReader) Read([]byte) (int, error) {
	<-g.gate
	return 0, g.err
}

func (g *gatedReader) release() error {
	g.once.Do(func() { close(g.gate) })
	return nil
}

// events records notifications from a stream.
type events struct {
	data chan struct{}
	mu   sync.Mutex
	errs []error
}

func subscribe(p *Pump) *events {
	e := &events{data: make(chan struct{}, 16)}
	p.Subscribe(ports.StreamHandler{
		OnData: func() {
			select {
			case e.data <- struct{}{}:
			default:
			}
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		},
	})
	return e
}

func (e *events) reported() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func (e *events) waitData(t *testing.T) {
	t.Helper()
	select {
	case <-e.data:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data notification")
	}
}

func waitDone(t *testing.T, p *Pump) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pump goroutine did not exit")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPump_ReadClearsBuffer(t *testing.T) {
	pr, pw := io.Pipe()
	p := NewPump(pr, io.Discard, pr.Close, Options{Logger: testLogger()})
	defer p.Close()
	e := subscribe(p)

	if p.DataAvailable() || p.Read() != "" {
		t.Fatal("new pump has buffered data")
	}

	if _, err := pw.Write([]byte("hello\r\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	e.waitData(t)

	if !p.DataAvailable() {
		t.Fatal("DataAvailable() = false after data arrived")
	}
	if got := p.Read(); got != "hello\r\n" {
		t.Errorf("Read() = %q", got)
	}
	if p.DataAvailable() {
		t.Error("DataAvailable() = true after Read")
	}
	if got := p.Read(); got != "" {
		t.Errorf("second Read() = %q, want empty", got)
	}
}

func TestPump_SmallBufferKeepsAllData(t *testing.T) {
	pr, pw := io.Pipe()
	p := NewPump(pr, io.Discard, pr.Close, Options{BufferSize: 3, Logger: testLogger()})
	defer p.Close()
	e := subscribe(p)

	go func() {
		pw.Write([]byte("abcdefgh"))
		pw.Close()
	}()
	waitDone(t, p)
	e.waitData(t)

	if got := p.Read(); got != "abcdefgh" {
		t.Errorf("Read() = %q", got)
	}
}

func TestPump_ReadErrors(t *testing.T) {
	boom := errors.New("connection reset")

	tests := []struct {
		name    string
		readErr error
		want    error
		wantMsg string
	}{
		{"eof", io.EOF, ErrStreamClosed, "shell stream closed"},
		{"transport failure", boom, boom, "read shell stream: connection reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newGatedReader(tt.readErr)
			p := NewPump(r, io.Discard, nil, Options{Logger: testLogger()})
			e := subscribe(p)

			r.release()
			waitDone(t, p)

			errs := e.reported()
			if len(errs) != 1 {
				t.Fatalf("got %d errors %v, want exactly 1", len(errs), errs)
			}
			if !errors.Is(errs[0], tt.want) {
				t.Errorf("error = %v, want %v", errs[0], tt.want)
			}
			if errs[0].Error() != tt.wantMsg {
				t.Errorf("error text = %q, want %q", errs[0], tt.wantMsg)
			}
		})
	}
}

func TestPump_ErrorAfterCloseSuppressed(t *testing.T) {
	r := newGatedReader(errors.New("use of closed connection"))
	p := NewPump(r, io.Discard, r.release, Options{Logger: testLogger()})
	e := subscribe(p)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitDone(t, p)

	if errs := e.reported(); len(errs) != 0 {
		t.Errorf("errors after Close = %v", errs)
	}
}

func TestPump_WriteLine(t *testing.T) {
	tests := []struct {
		name       string
		terminator string
		want       string
	}{
		{"default terminator", "", "echo hi\n"},
		{"carriage return", "\r", "echo hi\r"},
		{"crlf", "\r\n", "echo hi\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			r := newGatedReader(io.EOF)
			p := NewPump(r, &out, r.release, Options{LineTerminator: tt.terminator, Logger: testLogger()})
			defer p.Close()

			if err := p.WriteLine("echo hi"); err != nil {
				t.Fatalf("WriteLine() error = %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("written = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func TestPump_WriteLineErrors(t *testing.T) {
	broken := errors.New("broken pipe")
	r := newGatedReader(io.EOF)
	p := NewPump(r, failingWriter{broken}, r.release, Options{Logger: testLogger()})

	err := p.WriteLine("ls")
	if !errors.Is(err, broken) || !strings.HasPrefix(err.Error(), "write shell stream") {
		t.Errorf("WriteLine() error = %v", err)
	}

	p.Close()
	if err := p.WriteLine("ls"); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("WriteLine() after Close = %v, want ErrStreamClosed", err)
	}
}

func TestPump_CloseIsIdempotent(t *testing.T) {
	closeErr := errors.New("already closed")
	r := newGatedReader(io.EOF)
	calls := 0
	p := NewPump(r, io.Discard, func() error {
		calls++
		r.release()
		return closeErr
	}, Options{Logger: testLogger()})

	for i := 0; i < 3; i++ {
		if err := p.Close(); !errors.Is(err, closeErr) {
			t.Errorf("Close() #%d = %v, want %v", i+1, err, closeErr)
		}
	}
	if calls != 1 {
		t.Errorf("closer called %d times, want 1", calls)
	}
	waitDone(t, p)
}
