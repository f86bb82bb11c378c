package main

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/acolita/shell-instrumentation/internal/instrumentation"
	"github.com/acolita/shell-instrumentation/internal/prompt"
)

// fakeShell completes every command at once except "sudo" (asks for a
// password) and "sleep" (times out once).
type fakeShell struct {
	info      prompt.Info
	submitted []string
	pending   string
}

func newFakeShell() *fakeShell {
	return &fakeShell{info: prompt.Info{Sequence: 0, Dir: "~"}}
}

func (f *fakeShell) Execute(ctx context.Context, command string) (*instrumentation.Result, error) {
	f.submitted = append(f.submitted, command)
	switch {
	case strings.HasPrefix(command, "sudo"):
		f.pending = command
		return &instrumentation.Result{
			Status:     instrumentation.StatusAwaitingInput,
			Command:    command,
			Sequence:   f.info.Sequence,
			Output:     "[sudo] password for me: ",
			PromptType: "password",
		}, nil
	case strings.HasPrefix(command, "sleep"):
		f.pending = command
		return &instrumentation.Result{
			Status:   instrumentation.StatusTimeout,
			Command:  command,
			Sequence: f.info.Sequence,
			Output:   "tick",
		}, nil
	case command == "false":
		return f.complete(command, 1, ""), nil
	}
	return f.complete(command, 0, "ran "+command), nil
}

func (f *fakeShell) complete(command string, exit int, output string) *instrumentation.Result {
	f.info.Sequence++
	f.info.ExitCode = exit
	return &instrumentation.Result{
		Status:   instrumentation.StatusCompleted,
		Command:  command,
		Sequence: f.info.Sequence,
		ExitCode: exit,
		Dir:      f.info.Dir,
		Output:   output,
	}
}

func (f *fakeShell) Submit(text string) error {
	f.submitted = append(f.submitted, text)
	return nil
}

func (f *fakeShell) Await(ctx context.Context, minSeq uint) (*instrumentation.Result, error) {
	command := f.pending
	f.pending = ""
	if strings.HasPrefix(command, "sleep") {
		return f.complete(command, 0, "tick\ntock"), nil
	}
	return f.complete(command, 0, "root"), nil
}

func (f *fakeShell) PromptInfo() prompt.Info {
	return f.info
}

func runREPL(t *testing.T, shell *fakeShell, input string, opts ...func(*repl)) string {
	t.Helper()
	var out bytes.Buffer
	r := &repl{
		shell: shell,
		in:    bufio.NewScanner(strings.NewReader(input)),
		out:   &out,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.run(context.Background()); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	return out.String()
}

func TestREPL_Commands(t *testing.T) {
	shell := newFakeShell()
	out := runREPL(t, shell, "uname\n\n  \nfalse\n")

	want := "[0] ~ $ ran uname\n" +
		"[1] ~ $ [1] ~ $ [1] ~ $ (exit 1)\n" +
		"[2] ~ $ \n"
	if out != want {
		t.Errorf("output:\n%q\nwant:\n%q", out, want)
	}
	if len(shell.submitted) != 2 {
		t.Errorf("submitted = %q, blank lines must not reach the shell", shell.submitted)
	}
}

func TestREPL_Exit(t *testing.T) {
	shell := newFakeShell()
	runREPL(t, shell, "exit\nuname\n")
	if len(shell.submitted) != 0 {
		t.Errorf("submitted = %q after exit", shell.submitted)
	}
}

func TestREPL_PasswordPrompt(t *testing.T) {
	shell := newFakeShell()
	masked := 0
	out := runREPL(t, shell, "sudo id\n", func(r *repl) {
		r.readSecret = func() (string, error) { return "hunter2", nil }
		r.onSecret = func() { masked++ }
	})

	if got := shell.submitted; len(got) != 2 || got[1] != "hunter2" {
		t.Errorf("submitted = %q", got)
	}
	if masked != 1 {
		t.Errorf("onSecret called %d times, want 1", masked)
	}
	if strings.Contains(out, "hunter2") {
		t.Errorf("password echoed: %q", out)
	}
	if !strings.Contains(out, "[sudo] password for me: \nroot\n") {
		t.Errorf("output = %q", out)
	}
}

func TestREPL_PasswordWithoutTerminal(t *testing.T) {
	shell := newFakeShell()
	runREPL(t, shell, "sudo id\nhunter2\n")

	if got := shell.submitted; len(got) != 2 || got[1] != "hunter2" {
		t.Errorf("submitted = %q", got)
	}
}

func TestREPL_TimeoutThenWait(t *testing.T) {
	shell := newFakeShell()
	out := runREPL(t, shell, "sleep 5\n\n")

	if len(shell.submitted) != 1 {
		t.Errorf("submitted = %q, an empty line while running only waits", shell.submitted)
	}
	// Output already shown at the timeout is not repeated.
	if strings.Count(out, "tick") != 1 || !strings.Contains(out, "tock") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "(still running") {
		t.Errorf("no running hint in %q", out)
	}
}
