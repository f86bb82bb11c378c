package ssh

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/acolita/shell-instrumentation/internal/ports"
	"github.com/acolita/shell-instrumentation/internal/stream"
	"github.com/acolita/shell-instrumentation/internal/testing/mockssh"
)

// readUntil collects stream output until it contains want.
func readUntil(t *testing.T, s *stream.Pump, want string) string {
	t.Helper()

	wake := make(chan struct{}, 1)
	unsubscribe := s.Subscribe(ports.StreamHandler{OnData: func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}})
	defer unsubscribe()

	var got strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		got.WriteString(s.Read())
		if strings.Contains(got.String(), want) {
			return got.String()
		}
		select {
		case <-wake:
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, got.String())
		}
	}
}

func TestOpenShell(t *testing.T) {
	server, err := mockssh.New(
		mockssh.WithGreeting("login banner\r\n"),
		mockssh.WithResponder(func(line string) []string {
			return []string{"echo:" + line + "\r\n"}
		}),
	)
	if err != nil {
		t.Fatalf("mockssh.New() error = %v", err)
	}
	t.Cleanup(func() { server.Close() })

	c := connectMock(t, server, ClientOptions{})

	s, err := OpenShell(c, ShellOptions{
		TerminalName: "INSTRUMENTATION",
		Columns:      1024,
		Rows:         128,
		Width:        1024,
		Height:       128,
		BufferSize:   64,
		Env:          map[string]string{"NO_COLOR": "1"},
	})
	if err != nil {
		t.Fatalf("OpenShell() error = %v", err)
	}
	defer s.Close()

	readUntil(t, s, "login banner")

	if err := s.WriteLine("uptime"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	readUntil(t, s, "echo:uptime")

	reqs := server.PTYRequests()
	if len(reqs) != 1 {
		t.Fatalf("PTYRequests() = %v", reqs)
	}
	want := mockssh.PTYRequest{Term: "INSTRUMENTATION", Columns: 1024, Rows: 128, Width: 1024, Height: 128}
	if reqs[0] != want {
		t.Errorf("pty request = %+v, want %+v", reqs[0], want)
	}
	if server.Env()["NO_COLOR"] != "1" {
		t.Errorf("env = %v", server.Env())
	}
	if lines := server.Lines(); len(lines) != 1 || lines[0] != "uptime" {
		t.Errorf("server lines = %v", lines)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := s.WriteLine("late"); !errors.Is(err, stream.ErrStreamClosed) {
		t.Errorf("WriteLine() after Close = %v, want ErrStreamClosed", err)
	}
}

func TestOpenShell_Defaults(t *testing.T) {
	server, err := mockssh.New()
	if err != nil {
		t.Fatalf("mockssh.New() error = %v", err)
	}
	t.Cleanup(func() { server.Close() })

	c := connectMock(t, server, ClientOptions{})

	s, err := OpenShell(c, ShellOptions{})
	if err != nil {
		t.Fatalf("OpenShell() error = %v", err)
	}
	defer s.Close()

	reqs := server.PTYRequests()
	if len(reqs) != 1 {
		t.Fatalf("PTYRequests() = %v", reqs)
	}
	if reqs[0].Term != "dumb" || reqs[0].Columns != 120 || reqs[0].Rows != 24 {
		t.Errorf("default pty request = %+v", reqs[0])
	}
}

func TestOpenShell_NotConnected(t *testing.T) {
	c, err := NewClient(validOptions())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := OpenShell(c, ShellOptions{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("OpenShell() error = %v, want ErrNotConnected", err)
	}
}

func TestEncodeModes(t *testing.T) {
	got := encodeModes(nil)
	if got != "\x00" {
		t.Errorf("encodeModes(nil) = %q", got)
	}
	got = encodeModes(map[uint8]uint32{53: 1})
	if got != "\x35\x00\x00\x00\x01\x00" {
		t.Errorf("encodeModes(ECHO) = %q", got)
	}
}
