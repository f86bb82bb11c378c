package mcp

import (
	"context"

	"github.com/acolita/shell-instrumentation/internal/session"
)

// sessionManager is the part of session.Manager the tool handlers use.
type sessionManager interface {
	Create(ctx context.Context, server string) (*session.Session, error)
	Recover(ctx context.Context, id string) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Close(id string) error
	Checkpoint(s *session.Session)
	List() []session.Info
	Recoverable() []session.Metadata
	SetMaxSessions(n int)
}

var _ sessionManager = (*session.Manager)(nil)
