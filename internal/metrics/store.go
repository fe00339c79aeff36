package metrics

import (
	"context"

	"github.com/sandgate/sandgate/internal/store"
	"github.com/sandgate/sandgate/pkg/types"
)

type wrappedEventStore struct {
	inner store.EventStore
	c     *Collector
}

// WrapEventStore counts appends and append failures around the inner store.
func WrapEventStore(inner store.EventStore, c *Collector) store.EventStore {
	if inner == nil {
		return nil
	}
	if c == nil {
		c = New()
	}
	return &wrappedEventStore{inner: inner, c: c}
}

func (w *wrappedEventStore) AppendEvent(ctx context.Context, ev types.ClientEvent) error {
	w.c.IncAppend()
	if err := w.inner.AppendEvent(ctx, ev); err != nil {
		w.c.IncAppendFailure()
		return err
	}
	return nil
}

func (w *wrappedEventStore) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.ClientEvent, error) {
	return w.inner.QueryEvents(ctx, q)
}

func (w *wrappedEventStore) Close() error { return w.inner.Close() }
