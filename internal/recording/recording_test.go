package recording

import (
	"bufio"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/shell-instrumentation/internal/config"
	"github.com/acolita/shell-instrumentation/internal/testing/fakes/fakeclock"
	"github.com/acolita/shell-instrumentation/internal/testing/fakes/fakefs"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// readCast splits a transcript into its header and events.
func readCast(t *testing.T, data []byte) (Header, [][]any) {
	t.Helper()

	sc := bufio.NewScanner(strings.NewReader(string(data)))
	if !sc.Scan() {
		t.Fatal("empty transcript")
	}
	var h Header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		t.Fatalf("header %q: %v", sc.Text(), err)
	}

	var events [][]any
	for sc.Scan() {
		var ev []any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("event %q: %v", sc.Text(), err)
		}
		if len(ev) != 3 {
			t.Fatalf("event %q has %d fields", sc.Text(), len(ev))
		}
		events = append(events, ev)
	}
	return h, events
}

func TestEventMarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"output", Event{Time: 1.5, Type: "o", Data: "hello"}, `[1.5,"o","hello"]`},
		{"input", Event{Time: 0, Type: "i", Data: "ls\r\n"}, `[0,"i","ls\r\n"]`},
		{"json escapes", Event{Time: 1, Type: "o", Data: `"q" \b`}, `[1,"o","\"q\" \\b"]`},
		{"unicode", Event{Time: 0.5, Type: "o", Data: "世界"}, `[0.5,"o","世界"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRecorder_Transcript(t *testing.T) {
	fs := fakefs.New()
	clock := fakeclock.New(epoch)

	r, err := NewRecorder(Options{
		Dir:       "/rec",
		SessionID: "s1",
		Width:     1024,
		Height:    128,
		Shell:     "/bin/bash",
		Term:      "INSTRUMENTATION",
		Title:     "web1",
	}, fs, clock)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	if want := "/rec/s1_20240301_120000.cast"; r.Path() != want {
		t.Errorf("Path() = %q, want %q", r.Path(), want)
	}

	r.Input("ls")
	clock.Advance(1500 * time.Millisecond)
	r.Output("a\r\nb\r\n")
	r.Output("")
	r.MaskNext()
	r.Input("hunter2")
	r.Input("whoami")

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	r.Output("late")

	data, err := fs.ReadFile(r.Path())
	if err != nil {
		t.Fatal(err)
	}
	h, events := readCast(t, data)

	if h.Version != 2 || h.Width != 1024 || h.Height != 128 || h.Timestamp != epoch.Unix() || h.Title != "web1" {
		t.Errorf("header = %+v", h)
	}
	if h.Env["SHELL"] != "/bin/bash" || h.Env["TERM"] != "INSTRUMENTATION" {
		t.Errorf("header env = %v", h.Env)
	}

	want := [][]any{
		{0.0, "i", "ls\n"},
		{1.5, "o", "a\r\nb\r\n"},
		{1.5, "i", "*******\n"},
		{1.5, "i", "whoami\n"},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		for j := range want[i] {
			if events[i][j] != want[i][j] {
				t.Errorf("event %d = %v, want %v", i, events[i], want[i])
				break
			}
		}
	}
}

func TestRecorder_LineTerminator(t *testing.T) {
	fs := fakefs.New()
	r, err := NewRecorder(Options{Dir: "/rec", SessionID: "s", LineTerminator: "\r"}, fs, fakeclock.New(epoch))
	if err != nil {
		t.Fatal(err)
	}
	r.Input("pwd")
	r.Close()

	data, _ := fs.ReadFile(r.Path())
	if !strings.Contains(string(data), `"i","pwd\r"`) {
		t.Errorf("transcript = %s", data)
	}
}

func TestRecorder_OpenError(t *testing.T) {
	fs := fakefs.New()
	fs.SetOpenError(errors.New("read-only"))

	if _, err := NewRecorder(Options{Dir: "/rec", SessionID: "s"}, fs, fakeclock.New(epoch)); err == nil {
		t.Error("expected error when the file cannot be created")
	}
}

func TestRecorder_SameSecond(t *testing.T) {
	fs := fakefs.New()
	clock := fakeclock.New(epoch)

	var paths []string
	for i := 0; i < 3; i++ {
		r, err := NewRecorder(Options{Dir: "/rec", SessionID: "s1"}, fs, clock)
		if err != nil {
			t.Fatalf("NewRecorder() #%d error = %v", i, err)
		}
		paths = append(paths, r.Path())
		r.Close()
	}

	want := []string{
		"/rec/s1_20240301_120000.cast",
		"/rec/s1_20240301_120000-2.cast",
		"/rec/s1_20240301_120000-3.cast",
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("path #%d = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestRecorder_ConcurrentWrites(t *testing.T) {
	fs := fakefs.New()
	r, err := NewRecorder(Options{Dir: "/rec", SessionID: "s"}, fs, fakeclock.New(epoch))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.Output("x")
				r.Input("y")
			}
		}()
	}
	wg.Wait()
	r.Close()

	data, _ := fs.ReadFile(r.Path())
	if _, events := readCast(t, data); len(events) != 400 {
		t.Errorf("got %d events, want 400", len(events))
	}
}

func TestManager_Lifecycle(t *testing.T) {
	fs := fakefs.New()
	m := NewManager(config.RecordingConfig{Enabled: true, Path: "/rec"},
		WithFileSystem(fs), WithClock(fakeclock.New(epoch)))

	r, err := m.Start(Options{SessionID: "a", Width: 80, Height: 24})
	if err != nil || r == nil {
		t.Fatalf("Start() = %v, %v", r, err)
	}
	if !strings.HasPrefix(m.Path("a"), "/rec/a_") {
		t.Errorf("Path() = %q", m.Path("a"))
	}
	if got, ok := m.Get("a"); !ok || got != r {
		t.Error("Get() did not return the started recorder")
	}

	r.Output("hello")
	if err := m.Stop("a"); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := m.Stop("a"); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if m.Path("a") != "" {
		t.Error("Path() after Stop should be empty")
	}

	if _, err := m.Start(Options{SessionID: "b"}); err != nil {
		t.Fatal(err)
	}
	m.CloseAll()
	if _, ok := m.Get("b"); ok {
		t.Error("recorder kept after CloseAll")
	}
	if files := fs.Files(); len(files) != 2 {
		t.Errorf("files = %v", files)
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(config.RecordingConfig{}, WithFileSystem(fakefs.New()))
	if m.IsEnabled() {
		t.Fatal("IsEnabled() = true")
	}
	if r, err := m.Start(Options{SessionID: "a"}); r != nil || err != nil {
		t.Errorf("Start() = %v, %v; want nil, nil", r, err)
	}

	m.Apply(config.RecordingConfig{Enabled: true, Path: "/late"})
	r, err := m.Start(Options{SessionID: "a"})
	if err != nil || r == nil || !strings.HasPrefix(r.Path(), "/late/") {
		t.Errorf("Start() after Apply = %v, %v", r, err)
	}
}

func TestManager_DefaultPath(t *testing.T) {
	m := NewManager(config.RecordingConfig{Enabled: true}, WithFileSystem(fakefs.New()), WithClock(fakeclock.New(epoch)))
	r, err := m.Start(Options{SessionID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if want := "/home/test/.local/state/shell-instrumentation/recordings/"; !strings.HasPrefix(r.Path(), want) {
		t.Errorf("Path() = %q, want prefix %q", r.Path(), want)
	}
}
