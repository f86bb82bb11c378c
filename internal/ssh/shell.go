package ssh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/acolita/shell-instrumentation/internal/stream"
	"golang.org/x/crypto/ssh"
)

// ShellOptions configures the PTY shell channel.
type ShellOptions struct {
	TerminalName   string // TERM requested for the PTY (default: dumb)
	Columns        uint32 // default: 120
	Rows           uint32 // default: 24
	Width          uint32 // pixels; 0 leaves it unspecified
	Height         uint32 // pixels; 0 leaves it unspecified
	BufferSize     int
	LineTerminator string
	Env            map[string]string
	Logger         *slog.Logger
}

// ptyRequest is the RFC 4254 section 6.2 pty-req payload. Sending it
// directly keeps the configured pixel size instead of the cols*8 estimate
// of ssh.Session.RequestPty.
type ptyRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

var shellModes = ssh.TerminalModes{
	ssh.ECHO:          1,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

// encodeModes serializes terminal modes as opcode/uint32 pairs ended by
// TTY_OP_END.
func encodeModes(modes ssh.TerminalModes) string {
	buf := make([]byte, 0, len(modes)*5+1)
	for op, val := range modes {
		buf = append(buf, op)
		buf = binary.BigEndian.AppendUint32(buf, val)
	}
	buf = append(buf, 0)
	return string(buf)
}

// OpenShell opens a session channel on client, requests a PTY and starts
// the login shell. The returned stream owns the session.
func OpenShell(client *Client, opts ShellOptions) (*stream.Pump, error) {
	conn, err := client.Conn()
	if err != nil {
		return nil, err
	}

	if opts.TerminalName == "" {
		opts.TerminalName = "dumb"
	}
	if opts.Columns == 0 {
		opts.Columns = 120
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	for key, value := range opts.Env {
		// Servers commonly refuse Setenv via AcceptEnv; that is not fatal.
		if err := session.Setenv(key, value); err != nil {
			logger.Debug("ssh setenv refused", slog.String("key", key))
		}
	}

	req := ptyRequest{
		Term:     opts.TerminalName,
		Columns:  opts.Columns,
		Rows:     opts.Rows,
		Width:    opts.Width,
		Height:   opts.Height,
		Modelist: encodeModes(shellModes),
	}
	ok, err := session.SendRequest("pty-req", true, ssh.Marshal(&req))
	if err == nil && !ok {
		err = errors.New("pty-req rejected by server")
	}
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	logger.Debug("ssh shell started",
		slog.String("term", opts.TerminalName),
		slog.Int("cols", int(opts.Columns)),
		slog.Int("rows", int(opts.Rows)),
	)

	closer := func() error {
		err := session.Close()
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	return stream.NewPump(stdout, stdin, closer, stream.Options{
		BufferSize:     opts.BufferSize,
		LineTerminator: opts.LineTerminator,
		Logger:         logger,
	}), nil
}
