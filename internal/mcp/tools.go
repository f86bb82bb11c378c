package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acolita/shell-instrumentation/internal/instrumentation"
	"github.com/acolita/shell-instrumentation/internal/prompt"
	"github.com/acolita/shell-instrumentation/internal/session"
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(shellSessionOpenTool(), s.handleShellSessionOpen)
	s.mcpServer.AddTool(shellSubmitTool(), s.handleShellSubmit)
	s.mcpServer.AddTool(shellWaitTool(), s.handleShellWait)
	s.mcpServer.AddTool(shellStatusTool(), s.handleShellStatus)
	s.mcpServer.AddTool(shellExecTool(), s.handleShellExec)
	s.mcpServer.AddTool(shellSessionCloseTool(), s.handleShellSessionClose)
	s.mcpServer.AddTool(shellServerAddTool(), s.handleShellServerAdd)
}

// Tool definitions

func shellSessionOpenTool() mcp.Tool {
	return mcp.NewTool("shell_session_open",
		mcp.WithDescription(`Open an instrumented shell session.

Without a server a local shell is started. With the name of a configured
server an SSH shell is opened on it. Pass recover with the ID of a session
from an earlier run (listed by shell_status) to reopen it in its last
working directory.`),
		mcp.WithString("server",
			mcp.Description("Configured server name (empty for a local shell)"),
		),
		mcp.WithString("recover",
			mcp.Description("ID of a previous session to reopen"),
		),
	)
}

func shellSubmitTool() mcp.Tool {
	return mcp.NewTool("shell_submit",
		mcp.WithDescription(`Send a line to the shell without waiting for it to finish.

At the prompt the line runs as a command. While a command is running the
line is its input, for example a password or a confirmation. Follow up
with shell_wait using the returned next_sequence.`),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The line to send"),
		),
		mcp.WithBoolean("sensitive",
			mcp.Description("Mask the line in session recordings (default: false)"),
		),
	)
}

func shellWaitTool() mcp.Tool {
	return mcp.NewTool("shell_wait",
		mcp.WithDescription("Wait until the shell is back at its prompt and return the result of the last command"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description(descTimeoutMs),
		),
		mcp.WithNumber("min_sequence",
			mcp.Description("Only accept a prompt with at least this command number (default: any)"),
		),
	)
}

func shellStatusTool() mcp.Tool {
	return mcp.NewTool("shell_status",
		mcp.WithDescription("Report readiness and last prompt of one session, or list all sessions and those that can be recovered"),
		mcp.WithString("session_id",
			mcp.Description("The session ID (empty lists every session)"),
		),
	)
}

func shellExecTool() mcp.Tool {
	return mcp.NewTool("shell_exec",
		mcp.WithDescription(`Run a command and wait for it to finish.

Returns the output, exit code and working directory. When the command is
still running at the timeout, status is "timeout", or "awaiting_input" with
a prompt_type when it is asking for input; answer with shell_submit and
collect the result with shell_wait.`),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The command to execute"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description(descTimeoutMs),
		),
	)
}

func shellSessionCloseTool() mcp.Tool {
	return mcp.NewTool("shell_session_close",
		mcp.WithDescription("Close a shell session and forget it"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
	)
}

// Tool results

type openResult struct {
	SessionID string      `json:"session_id"`
	Server    string      `json:"server,omitempty"`
	Local     bool        `json:"local"`
	Prompt    prompt.Info `json:"prompt"`
}

type submitResult struct {
	SessionID    string `json:"session_id"`
	Sequence     int    `json:"sequence"`
	NextSequence int    `json:"next_sequence"`
}

type statusResult struct {
	session.Info
	PendingOutput  string `json:"pending_output,omitempty"`
	TransportError string `json:"transport_error,omitempty"`
}

type listResult struct {
	Sessions    []session.Info     `json:"sessions"`
	Recoverable []session.Metadata `json:"recoverable,omitempty"`
}

// Tool handlers

func (s *Server) handleShellSessionOpen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	server := mcp.ParseString(req, "server", "")
	recoverID := mcp.ParseString(req, "recover", "")

	var (
		sess *session.Session
		err  error
	)
	if recoverID != "" {
		s.logger.Info("recovering shell session", slog.String("session_id", recoverID))
		sess, err = s.sessions.Recover(ctx, recoverID)
	} else {
		s.logger.Info("opening shell session", slog.String("server", server))
		sess, err = s.sessions.Create(ctx, server)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(openResult{
		SessionID: sess.ID,
		Server:    sess.Server,
		Local:     sess.Local(),
		Prompt:    sess.PromptInfo(),
	})
}

func (s *Server) handleShellSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	command := mcp.ParseString(req, "command", "")
	sensitive := mcp.ParseBoolean(req, "sensitive", false)

	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}
	if command == "" {
		return mcp.NewToolResultError(errCommandRequired), nil
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// At the prompt the line is a command; otherwise it feeds the command
	// already running.
	check := s.filter.Check
	if !sess.IsReady() {
		check = s.filter.CheckInput
	}
	if err := check(command); err != nil {
		s.logger.Warn("submit rejected", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return mcp.NewToolResultError(err.Error()), nil
	}

	if sensitive && s.recordings != nil {
		if rec, ok := s.recordings.Get(sessionID); ok {
			rec.MaskNext()
		}
	}

	seq := sess.PromptInfo().Sequence
	if err := sess.Submit(command); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.Debug("submitted", slog.String("session_id", sessionID), slog.Bool("sensitive", sensitive))

	return jsonResult(submitResult{
		SessionID:    sessionID,
		Sequence:     seq,
		NextSequence: seq + 1,
	})
}

func (s *Server) handleShellWait(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	minSeq := mcp.ParseInt(req, "min_sequence", 0)

	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}
	if minSeq < 0 {
		return mcp.NewToolResultError("min_sequence must not be negative"), nil
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ctx, cancel := withTimeout(ctx, mcp.ParseInt(req, "timeout_ms", 0))
	defer cancel()

	res, err := sess.Await(ctx, uint(minSeq))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.afterCommand(sess, res)
	return jsonResult(res)
}

func (s *Server) handleShellStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")

	if sessionID == "" {
		return jsonResult(listResult{
			Sessions:    s.sessions.List(),
			Recoverable: s.sessions.Recoverable(),
		})
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	for _, info := range s.sessions.List() {
		if info.ID != sessionID {
			continue
		}
		status := statusResult{Info: info}
		if !info.Ready {
			status.PendingOutput = sess.PendingOutput()
		}
		if err := sess.LastTransportError(); err != nil {
			status.TransportError = err.Error()
		}
		return jsonResult(status)
	}
	// Closed between Get and List.
	return mcp.NewToolResultError(fmt.Sprintf("%v: %s", session.ErrNotFound, sessionID)), nil
}

func (s *Server) handleShellExec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	command := mcp.ParseString(req, "command", "")

	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}
	if command == "" {
		return mcp.NewToolResultError(errCommandRequired), nil
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.filter.Check(command); err != nil {
		s.logger.Warn("command rejected", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("executing command",
		slog.String("session_id", sessionID),
		slog.String("command", command),
	)

	ctx, cancel := withTimeout(ctx, mcp.ParseInt(req, "timeout_ms", 0))
	defer cancel()

	res, err := sess.Execute(ctx, command)
	if errors.Is(err, instrumentation.ErrBusy) {
		return mcp.NewToolResultError(hintBusy), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.afterCommand(sess, res)
	return jsonResult(res)
}

func (s *Server) handleShellSessionClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")

	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}

	s.logger.Info("closing session", slog.String("session_id", sessionID))

	if err := s.sessions.Close(sessionID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Session closed"), nil
}

// afterCommand remembers the working directory of a finished command.
func (s *Server) afterCommand(sess *session.Session, res *instrumentation.Result) {
	if res.Status == instrumentation.StatusCompleted {
		s.sessions.Checkpoint(sess)
	}
}

// withTimeout bounds ctx by timeoutMs when it is positive. Otherwise the
// session's command timeout applies.
func withTimeout(ctx context.Context, timeoutMs int) (context.Context, context.CancelFunc) {
	if timeoutMs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
}

// jsonResult converts a value to a JSON tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
