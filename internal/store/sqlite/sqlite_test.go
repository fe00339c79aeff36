package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandgate/sandgate/internal/store"
	"github.com/sandgate/sandgate/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	sess := &types.Session{
		ID:         "sess-1",
		Owner:      "acme",
		Title:      "fix flaky tests",
		Status:     types.SessionStarting,
		Provider:   "docker",
		SandboxID:  "c0ffee",
		SnapshotID: "sandgate/snapshots:1-100",
		RepoURL:    "https://github.com/acme/app.git",
		Branch:     "main",
		Automation: true,

		SandboxExpiresAt: &expires,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Owner != "acme" || got.Status != types.SessionStarting || !got.Automation {
		t.Errorf("got %+v", got)
	}
	if got.SandboxExpiresAt == nil || !got.SandboxExpiresAt.Equal(expires) {
		t.Errorf("expires_at = %v, want %v", got.SandboxExpiresAt, expires)
	}

	got.Status = types.SessionRunning
	got.AgentURL = "http://127.0.0.1:49153"
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := s.GetSession(ctx, "sess-1")
	if again.Status != types.SessionRunning || again.AgentURL != "http://127.0.0.1:49153" {
		t.Errorf("after update: %+v", again)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession(context.Background(), "sess-missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateStatusRecordsReason(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, &types.Session{ID: "sess-1", Owner: "acme", Status: types.SessionRunning}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateStatus(ctx, "sess-1", types.SessionPaused, types.ReasonExpiry); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := s.GetSession(ctx, "sess-1")
	if got.Status != types.SessionPaused || got.PauseReason != types.ReasonExpiry {
		t.Errorf("after pause: status=%s pause_reason=%s", got.Status, got.PauseReason)
	}

	if err := s.UpdateStatus(ctx, "sess-1", types.SessionStopped, types.ReasonIdle); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got, _ = s.GetSession(ctx, "sess-1")
	if got.Status != types.SessionStopped || got.StopReason != types.ReasonIdle {
		t.Errorf("after stop: status=%s stop_reason=%s", got.Status, got.StopReason)
	}

	if err := s.UpdateStatus(ctx, "sess-ghost", types.SessionStopped, types.ReasonIdle); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ghost update: %v", err)
	}
}

func TestListSessionsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed := []*types.Session{
		{ID: "sess-1", Owner: "acme", Status: types.SessionRunning},
		{ID: "sess-2", Owner: "acme", Status: types.SessionStopped},
		{ID: "sess-3", Owner: "globex", Status: types.SessionRunning},
	}
	for _, sess := range seed {
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	acme, err := s.ListSessions(ctx, types.SessionQuery{Owner: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(acme) != 2 {
		t.Errorf("acme sessions = %d, want 2", len(acme))
	}

	running, err := s.ListSessions(ctx, types.SessionQuery{Statuses: []types.SessionStatus{types.SessionRunning}})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 2 {
		t.Errorf("running sessions = %d, want 2", len(running))
	}
}

func TestEventAppendAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, typ := range []string{types.EventMessage, types.EventToken, types.EventMessageComplete} {
		ev := types.ClientEvent{
			ID:        "ev-" + typ,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			SessionID: "sess-1",
			Type:      typ,
		}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}
	if err := s.AppendEvent(ctx, types.ClientEvent{ID: "ev-x", SessionID: "sess-2", Type: types.EventToken}); err != nil {
		t.Fatal(err)
	}

	got, err := s.QueryEvents(ctx, types.EventQuery{SessionID: "sess-1", Asc: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if got[0].Type != types.EventMessage || got[2].Type != types.EventMessageComplete {
		t.Errorf("order wrong: %s ... %s", got[0].Type, got[2].Type)
	}

	tokens, err := s.QueryEvents(ctx, types.EventQuery{SessionID: "sess-1", Types: []string{types.EventToken}})
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 {
		t.Errorf("token events = %d, want 1", len(tokens))
	}
}
