package readiness

import "errors"

var (
	// ErrHandshakeTimeout is returned by New when the synthetic prompt was
	// not observed within the handshake timeout.
	ErrHandshakeTimeout = errors.New("shell not entering ready state")

	// ErrInvalidArgument reports a nil collaborator or a negative timeout.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed is returned by operations on a closed coordinator.
	ErrClosed = errors.New("readiness coordinator closed")
)
