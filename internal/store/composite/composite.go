// Package composite tees event appends across several stores. Queries are
// answered by the primary; forwarding stores (webhook, otel) only append.
package composite

import (
	"context"

	"github.com/sandgate/sandgate/internal/store"
	"github.com/sandgate/sandgate/pkg/types"
)

type Store struct {
	primary store.EventStore
	others  []store.EventStore
}

func New(primary store.EventStore, others ...store.EventStore) *Store {
	return &Store{primary: primary, others: others}
}

func (s *Store) AppendEvent(ctx context.Context, ev types.ClientEvent) error {
	var firstErr error
	if err := s.primary.AppendEvent(ctx, ev); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, o := range s.others {
		if err := o.AppendEvent(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.ClientEvent, error) {
	return s.primary.QueryEvents(ctx, q)
}

func (s *Store) Close() error {
	var firstErr error
	if err := s.primary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, o := range s.others {
		if err := o.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
