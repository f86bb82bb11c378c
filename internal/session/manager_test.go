package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/shell-instrumentation/internal/instrumentation"
	"github.com/acolita/shell-instrumentation/internal/metrics"
	"github.com/acolita/shell-instrumentation/internal/prompt"
	"github.com/acolita/shell-instrumentation/internal/testing/fakes/fakeclock"
	"github.com/acolita/shell-instrumentation/internal/testing/fakes/fakefs"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeShell is a Shell that completes commands instantly. "cd X" moves it
// to X after removing single quotes. A quoted ~ is not expanded, so cd to
// it fails as it does in a real shell.
type fakeShell struct {
	mu       sync.Mutex
	info     prompt.Info
	commands []string
	closed   bool
	closeErr error
	cdExit   int
}

func newFakeShell() *fakeShell {
	return &fakeShell{info: prompt.Info{Sequence: 1, Dir: "~"}}
}

func (f *fakeShell) Submit(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, text)
	return nil
}

func (f *fakeShell) IsReady() bool { return !f.IsClosed() }

func (f *fakeShell) PromptInfo() prompt.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeShell) WaitForCommand(time.Duration, uint) (bool, error) { return true, nil }

func (f *fakeShell) Execute(_ context.Context, command string) (*instrumentation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	f.info.Sequence++
	f.info.ExitCode = 0
	if arg, ok := strings.CutPrefix(command, "cd "); ok {
		f.info.ExitCode = f.cdExit
		if strings.HasPrefix(arg, "'~") {
			f.info.ExitCode = 1
		}
		if f.info.ExitCode == 0 {
			f.info.Dir = unquote(arg)
		}
	}
	return &instrumentation.Result{
		Status:   instrumentation.StatusCompleted,
		Command:  command,
		Sequence: f.info.Sequence,
		ExitCode: f.info.ExitCode,
		Dir:      f.info.Dir,
	}, nil
}

// unquote undoes shellQuote for the parts of s that are quoted.
func unquote(s string) string {
	s = strings.ReplaceAll(s, `'\''`, "\x00")
	s = strings.ReplaceAll(s, "'", "")
	return strings.ReplaceAll(s, "\x00", "'")
}

func (f *fakeShell) Await(context.Context, uint) (*instrumentation.Result, error) {
	return &instrumentation.Result{Status: instrumentation.StatusCompleted}, nil
}

func (f *fakeShell) PendingOutput() string     { return "" }
func (f *fakeShell) LastTransportError() error { return nil }

func (f *fakeShell) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeShell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

// fakeOpener hands out fakeShells and remembers requests.
type fakeOpener struct {
	mu       sync.Mutex
	requests []OpenRequest
	shells   []*fakeShell
	err      error
	prepare  func(*fakeShell)
}

func (o *fakeOpener) Open(_ context.Context, req OpenRequest) (Shell, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	if o.err != nil {
		return nil, o.err
	}
	s := newFakeShell()
	if o.prepare != nil {
		o.prepare(s)
	}
	o.shells = append(o.shells, s)
	return s, nil
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("sess_%d", n)
	}
}

func TestManager_CreateGetClose(t *testing.T) {
	opener := &fakeOpener{}
	m := NewManager(opener, WithIDGenerator(sequentialIDs()))

	s, err := m.Create(context.Background(), "web1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID != "sess_1" || s.Server != "web1" || s.Local() {
		t.Errorf("session = %+v", s)
	}
	if req := opener.requests[0]; req.ID != "sess_1" || req.Server != "web1" {
		t.Errorf("open request = %+v", req)
	}

	got, err := m.Get("sess_1")
	if err != nil || got != s {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if _, err := m.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) = %v, want ErrNotFound", err)
	}

	if err := m.Close("sess_1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !opener.shells[0].IsClosed() {
		t.Error("shell not closed")
	}
	if err := m.Close("sess_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Close() = %v, want ErrNotFound", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d", m.Count())
	}
}

func TestManager_DefaultIDs(t *testing.T) {
	m := NewManager(&fakeOpener{})
	a, _ := m.Create(context.Background(), "")
	b, _ := m.Create(context.Background(), "")
	if !strings.HasPrefix(a.ID, "sess_") || len(a.ID) != len("sess_")+32 || a.ID == b.ID {
		t.Errorf("IDs = %q, %q", a.ID, b.ID)
	}
}

func TestManager_MaxSessions(t *testing.T) {
	m := NewManager(&fakeOpener{}, WithMaxSessions(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Create(ctx, ""); err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
	}
	if _, err := m.Create(ctx, ""); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("Create() over limit = %v, want ErrTooManySessions", err)
	}

	m.SetMaxSessions(3)
	if _, err := m.Create(ctx, ""); err != nil {
		t.Errorf("Create() after raising limit = %v", err)
	}
}

func TestManager_MaxSessionsConcurrent(t *testing.T) {
	m := NewManager(&fakeOpener{}, WithMaxSessions(3))

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(context.Background(), ""); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 3 || m.Count() != 3 {
		t.Errorf("created %d sessions, Count() = %d; want 3", created, m.Count())
	}
}

func TestManager_OpenFailureReleasesSlot(t *testing.T) {
	opener := &fakeOpener{err: errors.New("connection refused")}
	m := NewManager(opener, WithMaxSessions(1))

	if _, err := m.Create(context.Background(), "db"); err == nil {
		t.Fatal("expected open error")
	}
	opener.err = nil
	if _, err := m.Create(context.Background(), "db"); err != nil {
		t.Errorf("Create() after failure = %v", err)
	}
}

func TestManager_List(t *testing.T) {
	clock := fakeclock.New(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager(&fakeOpener{}, WithManagerClock(clock), WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	m.Create(ctx, "web1")
	clock.Advance(time.Minute)
	m.Create(ctx, "")
	clock.Advance(4 * time.Minute)

	infos := m.List()
	if len(infos) != 2 {
		t.Fatalf("List() = %v", infos)
	}
	if infos[0].ID != "sess_1" || infos[0].Server != "web1" || infos[0].Local || infos[0].IdleFor != "5m0s" {
		t.Errorf("first = %+v", infos[0])
	}
	if infos[1].ID != "sess_2" || !infos[1].Local || infos[1].IdleFor != "4m0s" || !infos[1].Ready {
		t.Errorf("second = %+v", infos[1])
	}
	if infos[0].Prompt.Sequence != 1 || infos[0].Prompt.Dir != "~" {
		t.Errorf("prompt = %+v", infos[0].Prompt)
	}

	m.Get("sess_1")
	if got := m.List()[0].IdleFor; got != "0s" {
		t.Errorf("IdleFor after Get = %q", got)
	}
}

func TestManager_Metrics(t *testing.T) {
	mt := metrics.New()
	m := NewManager(&fakeOpener{}, WithManagerMetrics(mt), WithIDGenerator(sequentialIDs()))

	m.Create(context.Background(), "")
	m.Create(context.Background(), "")
	if got := testutil.ToFloat64(mt.SessionsActive); got != 2 {
		t.Errorf("active = %v, want 2", got)
	}
	m.Close("sess_1")
	if got := testutil.ToFloat64(mt.SessionsActive); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
}

func TestManager_CloseAllKeepsMetadata(t *testing.T) {
	fs := fakefs.New()
	store := NewStore(WithFileSystem(fs), WithStorePath("/state/sessions.json"))
	opener := &fakeOpener{}
	m := NewManager(opener, WithStore(store), WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	a, _ := m.Create(ctx, "web1")
	m.Create(ctx, "")
	opener.shells[1].closeErr = errors.New("already gone")

	a.Execute(ctx, "cd /srv/app")
	m.Checkpoint(a)

	if err := m.CloseAll(); err == nil {
		t.Error("CloseAll() should report the failing close")
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d after CloseAll", m.Count())
	}
	for i, s := range opener.shells {
		if !s.IsClosed() {
			t.Errorf("shell %d not closed", i)
		}
	}

	rec := m.Recoverable()
	if len(rec) != 2 || rec[0].ID != "sess_1" || rec[0].Dir != "/srv/app" || rec[0].Server != "web1" {
		t.Errorf("Recoverable() = %+v", rec)
	}
}

func TestManager_Recover(t *testing.T) {
	fs := fakefs.New()
	store := NewStore(WithFileSystem(fs), WithStorePath("/state/sessions.json"))
	store.Save(Metadata{ID: "sess_old", Server: "web1", Dir: "/srv/it's"})

	opener := &fakeOpener{}
	m := NewManager(opener, WithStore(NewStore(WithFileSystem(fs), WithStorePath("/state/sessions.json"))))
	ctx := context.Background()

	s, err := m.Recover(ctx, "sess_old")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if s.ID != "sess_old" || s.Server != "web1" {
		t.Errorf("session = %+v", s)
	}
	if cmds := opener.shells[0].commands; len(cmds) != 1 || cmds[0] != `cd '/srv/it'\''s'` {
		t.Errorf("commands = %q", cmds)
	}
	if len(m.Recoverable()) != 0 {
		t.Error("open session listed as recoverable")
	}

	again, err := m.Recover(ctx, "sess_old")
	if err != nil || again != s || len(opener.requests) != 1 {
		t.Errorf("second Recover() = %v, %v with %d opens", again, err, len(opener.requests))
	}

	if _, err := m.Recover(ctx, "sess_unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Recover(unknown) = %v, want ErrNotFound", err)
	}

	// Close forgets the session for good.
	m.Close("sess_old")
	if _, err := m.Recover(ctx, "sess_old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Recover() after Close = %v, want ErrNotFound", err)
	}
}

func TestManager_RecoverConcurrent(t *testing.T) {
	fs := fakefs.New()
	store := NewStore(WithFileSystem(fs), WithStorePath("/state/sessions.json"))
	store.Save(Metadata{ID: "sess_old", Server: "web1"})

	gate := make(chan struct{})
	opener := &fakeOpener{prepare: func(*fakeShell) { <-gate }}
	m := NewManager(opener, WithStore(store))

	const callers = 5
	got := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Recover(context.Background(), "sess_old")
			if err != nil {
				t.Errorf("Recover() error = %v", err)
			}
			got[i] = s
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, s := range got {
		if s == nil || s != got[0] {
			t.Fatalf("caller %d got %p, want %p", i, s, got[0])
		}
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
	open := 0
	for _, sh := range opener.shells {
		if !sh.IsClosed() {
			open++
		}
	}
	if open != 1 {
		t.Errorf("%d shells left open, want 1", open)
	}
}

func TestManager_RecoverHomeDirectory(t *testing.T) {
	tests := []struct {
		dir  string
		want string
	}{
		{"~/proj", `cd ~/'proj'`},
		{"~/my proj/it's", `cd ~/'my proj/it'\''s'`},
		{"~deploy/app", `cd ~deploy/'app'`},
		{"/srv/~x", `cd '/srv/~x'`},
	}

	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			fs := fakefs.New()
			store := NewStore(WithFileSystem(fs), WithStorePath("/state/sessions.json"))
			store.Save(Metadata{ID: "sess_home", Dir: tt.dir})

			opener := &fakeOpener{}
			m := NewManager(opener, WithStore(store))

			s, err := m.Recover(context.Background(), "sess_home")
			if err != nil {
				t.Fatalf("Recover() error = %v", err)
			}
			if cmds := opener.shells[0].commands; len(cmds) != 1 || cmds[0] != tt.want {
				t.Errorf("commands = %q, want %q", cmds, tt.want)
			}
			if got := s.PromptInfo().Dir; got != tt.dir {
				t.Errorf("Dir = %q, want %q", got, tt.dir)
			}
		})
	}
}

func TestCdTarget(t *testing.T) {
	tests := map[string]string{
		"~":        "~",
		"~/":       "~/",
		"~/a b":    `~/'a b'`,
		"~root":    "~root",
		"~$(id)/x": `'~$(id)/x'`,
		"/tmp":     `'/tmp'`,
	}
	for in, want := range tests {
		if got := cdTarget(in); got != want {
			t.Errorf("cdTarget(%q) = %s, want %s", in, got, want)
		}
	}

	// Quoting the tilde keeps the shell from expanding it.
	res, _ := newFakeShell().Execute(context.Background(), "cd "+shellQuote("~/proj"))
	if res.ExitCode == 0 {
		t.Error("cd to a quoted ~ succeeded")
	}
}

func TestManager_RecoverDirectoryGone(t *testing.T) {
	fs := fakefs.New()
	store := NewStore(WithFileSystem(fs), WithStorePath("/state/sessions.json"))
	store.Save(Metadata{ID: "sess_old", Dir: "/gone"})

	opener := &fakeOpener{prepare: func(s *fakeShell) { s.cdExit = 1 }}
	m := NewManager(opener, WithStore(store), WithMaxSessions(1))

	if _, err := m.Recover(context.Background(), "sess_old"); err == nil {
		t.Fatal("expected error when the directory cannot be restored")
	}
	if !opener.shells[0].IsClosed() {
		t.Error("shell left open after failed recovery")
	}
	if _, err := m.Create(context.Background(), ""); err != nil {
		t.Errorf("slot not released: %v", err)
	}
}

func TestManager_RecoverWithoutStore(t *testing.T) {
	m := NewManager(&fakeOpener{})
	if _, err := m.Recover(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Recover() = %v", err)
	}
	if m.Recoverable() != nil {
		t.Error("Recoverable() without store should be nil")
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"/tmp":       `'/tmp'`,
		"/a b":       `'/a b'`,
		"/it's":      `'/it'\''s'`,
		"/$HOME/`x`": "'/$HOME/`x`'",
	}
	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %s, want %s", in, got, want)
		}
	}
}
