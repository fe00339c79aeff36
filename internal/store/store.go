// Package store defines persistence for session rows and the client event
// history. Session rows are the durable source of truth for recovery:
// everything needed to rebuild a live runtime after a gateway restart.
package store

import (
	"context"
	"errors"

	"github.com/sandgate/sandgate/pkg/types"
)

var ErrNotFound = errors.New("store: not found")

// SessionStore persists session rows. Status writes follow effects: a row
// says "running" only after the sandbox really runs.
type SessionStore interface {
	CreateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	ListSessions(ctx context.Context, q types.SessionQuery) ([]*types.Session, error)
	UpdateSession(ctx context.Context, s *types.Session) error
	UpdateStatus(ctx context.Context, id string, status types.SessionStatus, reason types.Reason) error
	UpdateSnapshot(ctx context.Context, id, snapshotID string) error
	DeleteSession(ctx context.Context, id string) error
	Close() error
}

type EventStore interface {
	AppendEvent(ctx context.Context, ev types.ClientEvent) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.ClientEvent, error)
	Close() error
}
