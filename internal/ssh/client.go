// Package ssh provides the SSH connection and the PTY shell channel that an
// instrumented remote session runs on.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/acolita/shell-instrumentation/internal/adapters/realclock"
	"github.com/acolita/shell-instrumentation/internal/adapters/realsshdialer"
	"github.com/acolita/shell-instrumentation/internal/ports"
	"golang.org/x/crypto/ssh"
)

// ErrNotConnected is returned when the client has no live connection.
var ErrNotConnected = errors.New("ssh: not connected")

// Client manages one SSH connection to a remote host.
type Client struct {
	conn   *ssh.Client
	config *ssh.ClientConfig
	host   string
	port   int
	mu     sync.Mutex

	keepaliveInterval time.Duration
	keepaliveStop     chan struct{}

	clock  ports.Clock
	dialer ports.SSHDialer
	logger *slog.Logger
}

// ClientOptions configures SSH client behavior.
type ClientOptions struct {
	Host              string
	Port              int
	User              string
	AuthMethods       []ssh.AuthMethod
	HostKeyCallback   ssh.HostKeyCallback
	Timeout           time.Duration
	KeepaliveInterval time.Duration
	Clock             ports.Clock
	Dialer            ports.SSHDialer
	Logger            *slog.Logger
}

// NewClient creates a new SSH client with the given options. It does not
// connect.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Host == "" {
		return nil, errors.New("host is required")
	}
	if opts.User == "" {
		return nil, errors.New("user is required")
	}
	if len(opts.AuthMethods) == 0 {
		return nil, errors.New("at least one auth method is required")
	}
	if opts.HostKeyCallback == nil {
		return nil, errors.New("host key callback is required")
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}
	if opts.Dialer == nil {
		opts.Dialer = realsshdialer.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            opts.AuthMethods,
			HostKeyCallback: opts.HostKeyCallback,
			Timeout:         opts.Timeout,
		},
		host:              opts.Host,
		port:              opts.Port,
		keepaliveInterval: opts.KeepaliveInterval,
		clock:             opts.Clock,
		dialer:            opts.Dialer,
		logger:            opts.Logger.With(slog.String("host", opts.Host)),
	}, nil
}

// Connect establishes the SSH connection. Connecting an already connected
// client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	conn, err := c.dialer.Dial(ctx, "tcp", addr, c.config)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	c.conn = conn
	c.keepaliveStop = make(chan struct{})
	go c.keepalive(conn, c.keepaliveStop)

	c.logger.Info("ssh connected", slog.String("addr", addr), slog.String("user", c.config.User))
	return nil
}

// keepalive pings the server until stop is closed. The connection and the
// channel are passed in so the goroutine never reads the struct fields.
func (c *Client) keepalive(conn *ssh.Client, stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			// A failed ping is not fatal here; the shell stream reports the
			// broken transport to its subscribers.
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn("ssh keepalive failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Conn returns the underlying connection.
func (c *Client) Conn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.logger.Info("ssh disconnected")
		return err
	}
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Host returns the target host.
func (c *Client) Host() string {
	return c.host
}

// Port returns the target port.
func (c *Client) Port() int {
	return c.port
}
