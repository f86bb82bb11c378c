// Package mockssh provides an in-process SSH server for testing shell
// channels. By default the "shell" is scripted by a Responder; WithShell runs
// a real program under a PTY instead.
package mockssh

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"
)

// Responder maps one line received on the shell channel to the chunks
// written back. It runs on the channel's goroutine.
type Responder func(line string) []string

// PTYRequest is a pty-req as received from the client.
type PTYRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

// Server is a mock SSH server for testing.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	shell    string
	greeting string
	respond  Responder
	users    map[string]string // username -> password

	mu       sync.Mutex
	ptyReqs  []PTYRequest
	env      map[string]string
	lines    []string
	sessions []*session
	conns    map[net.Conn]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

type session struct {
	channel ssh.Channel
	pty     *os.File
	cmd     *exec.Cmd
}

// Option configures the mock SSH server.
type Option func(*Server)

// WithShell runs name under a PTY for shell requests instead of the
// scripted responder.
func WithShell(name string) Option {
	return func(s *Server) {
		s.shell = name
	}
}

// WithResponder sets the scripted shell behaviour.
func WithResponder(r Responder) Option {
	return func(s *Server) {
		s.respond = r
	}
}

// WithGreeting sets text written as soon as the scripted shell starts.
func WithGreeting(text string) Option {
	return func(s *Server) {
		s.greeting = text
	}
}

// WithUser adds a user/password pair for authentication.
func WithUser(username, password string) Option {
	return func(s *Server) {
		s.users[username] = password
	}
}

// New creates and starts a mock SSH server on a random loopback port.
func New(opts ...Option) (*Server, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	s := &Server{
		users: map[string]string{
			"test": "test", // Default test user
		},
		env:   make(map[string]string),
		conns: make(map[net.Conn]struct{}),
		done:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.mu.Lock()
			expectedPass, ok := s.users[c.User()]
			s.mu.Unlock()

			if ok && string(password) == expectedPass {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Debug("mock SSH server started", slog.String("addr", s.addr))
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.addr
}

// Host returns the host part of the address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the port the server is listening on.
func (s *Server) Port() string {
	_, port, _ := net.SplitHostPort(s.addr)
	return port
}

// PTYRequests returns the pty-req payloads received so far.
func (s *Server) PTYRequests() []PTYRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PTYRequest(nil), s.ptyReqs...)
}

// Env returns the environment variables clients asked to set.
func (s *Server) Env() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := make(map[string]string, len(s.env))
	for k, v := range s.env {
		env[k] = v
	}
	return env
}

// Lines returns the lines received by the scripted shell.
func (s *Server) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// Close shuts down the mock SSH server.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()

	s.mu.Lock()
	for _, sess := range s.sessions {
		if sess.pty != nil {
			sess.pty.Close()
		}
		if sess.cmd != nil && sess.cmd.Process != nil {
			sess.cmd.Process.Kill()
		}
		sess.channel.Close()
	}
	s.sessions = nil
	// Connected clients would otherwise keep handleConnection waiting for
	// channels forever.
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Debug("accept error", slog.String("error", err.Error()))
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// track registers a live connection. It reports false once Close has
// started.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	if !s.track(netConn) {
		return
	}
	defer s.untrack(netConn)

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("SSH handshake failed", slog.String("error", err.Error()))
		return
	}
	defer sshConn.Close()

	// Global requests (keepalives) are answered with false.
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			slog.Debug("channel accept failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go s.handleChannel(channel, requests)
	}
}

type envRequest struct {
	Name  string
	Value string
}

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

func (s *Server) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	defer channel.Close()

	sess := &session{channel: channel}
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()

	var ptyReq *PTYRequest

	for req := range requests {
		ok := false
		switch req.Type {
		case "env":
			var msg envRequest
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				s.mu.Lock()
				s.env[msg.Name] = msg.Value
				s.mu.Unlock()
				ok = true
			}

		case "pty-req":
			var msg ptyRequestMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				ptyReq = &PTYRequest{
					Term:    msg.Term,
					Columns: msg.Columns,
					Rows:    msg.Rows,
					Width:   msg.Width,
					Height:  msg.Height,
				}
				s.mu.Lock()
				s.ptyReqs = append(s.ptyReqs, *ptyReq)
				s.mu.Unlock()
				ok = true
			}

		case "shell":
			ok = ptyReq != nil
			if ok {
				if s.shell != "" {
					s.wg.Add(1)
					go s.runShell(sess, ptyReq)
				} else {
					s.wg.Add(1)
					go s.runScripted(channel)
				}
			}
		}

		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

// runScripted feeds every received line to the responder.
func (s *Server) runScripted(channel ssh.Channel) {
	defer s.wg.Done()

	if s.greeting != "" {
		io.WriteString(channel, s.greeting)
	}

	scanner := bufio.NewScanner(channel)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		s.mu.Lock()
		s.lines = append(s.lines, line)
		s.mu.Unlock()

		if s.respond == nil {
			continue
		}
		for _, chunk := range s.respond(line) {
			if _, err := io.WriteString(channel, chunk); err != nil {
				return
			}
		}
	}
}

func (s *Server) runShell(sess *session, ptyReq *PTYRequest) {
	defer s.wg.Done()

	cmd := exec.Command(s.shell)
	cmd.Env = append(os.Environ(), "TERM="+ptyReq.Term)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(ptyReq.Rows),
		Cols: uint16(ptyReq.Columns),
		X:    uint16(ptyReq.Width),
		Y:    uint16(ptyReq.Height),
	})
	if err != nil {
		slog.Debug("pty start failed", slog.String("error", err.Error()))
		sendExitStatus(sess.channel, 1)
		return
	}
	s.mu.Lock()
	sess.pty = ptmx
	sess.cmd = cmd
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		io.Copy(sess.channel, ptmx)
		close(done)
	}()
	go func() {
		io.Copy(ptmx, sess.channel)
	}()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	ptmx.Close()
	<-done

	sendExitStatus(sess.channel, exitCode)
}

func sendExitStatus(channel ssh.Channel, code int) {
	channel.CloseWrite()
	channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
	channel.Close()
}
