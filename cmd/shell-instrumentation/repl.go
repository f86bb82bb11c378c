package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/acolita/shell-instrumentation/internal/instrumentation"
	"github.com/acolita/shell-instrumentation/internal/prompt"
)

// replShell is the part of a session the interactive loop drives.
type replShell interface {
	Execute(ctx context.Context, command string) (*instrumentation.Result, error)
	Submit(text string) error
	Await(ctx context.Context, minSeq uint) (*instrumentation.Result, error)
	PromptInfo() prompt.Info
}

// repl reads command lines and prints their results. While a command is
// still running, an empty line keeps waiting and anything else is sent to
// the command as input.
type repl struct {
	shell replShell
	in    *bufio.Scanner
	out   io.Writer

	// readSecret reads an answer to a password prompt without echo. Nil
	// reads it as a normal line.
	readSecret func() (string, error)
	// onSecret runs before a password answer is submitted.
	onSecret func()
}

func (r *repl) run(ctx context.Context) error {
	var running *instrumentation.Result

	for ctx.Err() == nil {
		r.printPrompt(running)

		line, ok, err := r.readLine(running)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(r.out)
			return nil
		}

		var res *instrumentation.Result
		if running != nil {
			res, err = r.resume(ctx, running, line)
		} else {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "exit" || line == "logout" {
				return nil
			}
			res, err = r.shell.Execute(ctx, line)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, instrumentation.ErrBusy) {
				fmt.Fprintln(r.out, "shell is busy")
				continue
			}
			return err
		}

		shown := ""
		if running != nil {
			shown = running.Output
		}
		r.printResult(res, shown)

		running = nil
		if res.Status != instrumentation.StatusCompleted {
			running = res
		}
	}
	return nil
}

// resume answers or keeps waiting for the command described by running.
func (r *repl) resume(ctx context.Context, running *instrumentation.Result, line string) (*instrumentation.Result, error) {
	if line != "" || running.Status == instrumentation.StatusAwaitingInput {
		if isSecret(running) && r.onSecret != nil {
			r.onSecret()
		}
		if err := r.shell.Submit(line); err != nil {
			return nil, err
		}
	}
	return r.shell.Await(ctx, uint(running.Sequence+1))
}

func isSecret(res *instrumentation.Result) bool {
	return res != nil && res.Status == instrumentation.StatusAwaitingInput && res.PromptType == string(prompt.InputPassword)
}

func (r *repl) readLine(running *instrumentation.Result) (string, bool, error) {
	if isSecret(running) && r.readSecret != nil {
		secret, err := r.readSecret()
		fmt.Fprintln(r.out)
		if err != nil {
			return "", false, fmt.Errorf("read password: %w", err)
		}
		return secret, true, nil
	}

	if !r.in.Scan() {
		return "", false, r.in.Err()
	}
	return r.in.Text(), true, nil
}

func (r *repl) printPrompt(running *instrumentation.Result) {
	switch {
	case running == nil:
		info := r.shell.PromptInfo()
		fmt.Fprintf(r.out, "[%d] %s $ ", info.Sequence, info.Dir)
	case running.Status == instrumentation.StatusTimeout:
		fmt.Fprint(r.out, "(still running; Enter waits, other input goes to the command) ")
	}
	// An input request ends in its own prompt text.
}

// printResult writes the output of res not already shown for the same
// command.
func (r *repl) printResult(res *instrumentation.Result, shown string) {
	output := res.Output
	if shown != "" {
		output = strings.TrimPrefix(output, shown)
	}

	if res.Status != instrumentation.StatusCompleted {
		fmt.Fprint(r.out, output)
		if res.Status == instrumentation.StatusTimeout && output != "" {
			fmt.Fprintln(r.out)
		}
		return
	}

	if output != "" {
		fmt.Fprintln(r.out, output)
	}
	if res.ExitCode != 0 {
		fmt.Fprintf(r.out, "(exit %d)\n", res.ExitCode)
	}
}
