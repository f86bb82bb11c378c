// Package realsshdialer provides a real implementation of the SSHDialer port.
package realsshdialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Dialer implements ports.SSHDialer over a net.Dialer so that the context
// governs both the TCP connect and the SSH handshake.
type Dialer struct {
	net net.Dialer
}

// New creates a new Dialer.
func New() *Dialer {
	return &Dialer{}
}

// Dial establishes an SSH connection to the given address.
func (d *Dialer) Dial(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	conn, err := d.net.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}
