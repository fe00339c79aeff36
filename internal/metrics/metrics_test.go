package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sandgate/sandgate/pkg/types"
)

func TestHandlerExportsCountersAndEscapes(t *testing.T) {
	c := New()
	c.IncEvent("token")
	c.IncEvent("token")
	c.IncEvent("bar\n\"x\"")
	c.IncMigration()
	c.IncMigrationFailure()
	c.IncSSEReconnect()
	c.IncSSEGiveUp()
	c.IncAppend()
	c.IncAppendFailure()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	c.Handler(HandlerOptions{
		SessionCount:  func() int { return 7 },
		DroppedEvents: func() uint64 { return 3 },
	}).ServeHTTP(rec, req)

	body := rec.Body.String()
	assertContains := func(substr string) {
		t.Helper()
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics output missing %q. Got:\n%s", substr, body)
		}
	}

	assertContains("sandgate_up 1")
	assertContains("sandgate_events_total 3")
	assertContains("sandgate_migrations_total 1")
	assertContains("sandgate_migration_failures_total 1")
	assertContains("sandgate_sse_reconnects_total 1")
	assertContains("sandgate_sse_giveups_total 1")
	assertContains("sandgate_event_appends_total 1")
	assertContains("sandgate_event_append_failures_total 1")
	assertContains(`sandgate_events_by_type_total{type="bar\n\"x\""} 1`)
	assertContains("sandgate_events_by_type_total{type=\"token\"} 2")
	assertContains("sandgate_sessions_active 7")
	assertContains("sandgate_broadcast_dropped_total 3")
}

type fakeEventStore struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakeEventStore) AppendEvent(ctx context.Context, ev types.ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return f.err
}

func (f *fakeEventStore) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.ClientEvent, error) {
	return nil, nil
}

func (f *fakeEventStore) Close() error { return nil }

func TestWrapEventStoreCountsAppends(t *testing.T) {
	c := New()
	inner := &fakeEventStore{}
	store := WrapEventStore(inner, c)

	ev := types.ClientEvent{Type: "token"}
	if err := store.AppendEvent(context.Background(), ev); err != nil {
		t.Fatalf("AppendEvent error: %v", err)
	}

	if got := c.appends.Load(); got != 1 {
		t.Fatalf("appends = %d, want 1", got)
	}
	if got := c.appendFailures.Load(); got != 0 {
		t.Fatalf("appendFailures = %d, want 0", got)
	}
	if got := inner.count; got != 1 {
		t.Fatalf("inner count = %d, want 1", got)
	}
}

func TestWrapEventStoreCountsFailures(t *testing.T) {
	c := New()
	inner := &fakeEventStore{err: context.DeadlineExceeded}
	store := WrapEventStore(inner, c)

	if err := store.AppendEvent(context.Background(), types.ClientEvent{Type: "token"}); err == nil {
		t.Fatal("expected append error")
	}
	if got := c.appendFailures.Load(); got != 1 {
		t.Fatalf("appendFailures = %d, want 1", got)
	}
}

func TestSnapshotKeysReturnsSorted(t *testing.T) {
	var m sync.Map
	m.Store("b", 1)
	m.Store("a", 1)
	m.Store("c", 1)

	keys := snapshotKeys(&m)
	if strings.Join(keys, ",") != "a,b,c" {
		t.Fatalf("snapshotKeys = %v", keys)
	}
}
