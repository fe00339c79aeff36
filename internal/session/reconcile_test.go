package session

import (
	"context"
	"testing"
	"time"

	"github.com/sandgate/sandgate/pkg/types"
)

func TestReconcile_RepairsDeadPointer(t *testing.T) {
	m, st, _ := newManagerFixture(t, &types.Session{
		ID:         "sess-1",
		Owner:      "o-1",
		Status:     types.SessionRunning,
		SandboxID:  "sbx-dead",
		AgentURL:   "http://agent.invalid/sbx-dead",
		SnapshotID: "snap-7",
	})
	ctx := context.Background()

	res, err := m.ReconcileSandboxes(ctx)
	if err != nil {
		t.Fatalf("ReconcileSandboxes: %v", err)
	}
	if res.Probed != 1 || res.Repaired != 1 {
		t.Fatalf("result = %+v, want Probed 1 Repaired 1", res)
	}

	row, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.Status != types.SessionStopped {
		t.Fatalf("Status = %q, want stopped", row.Status)
	}
	if row.StopReason != types.ReasonError {
		t.Fatalf("StopReason = %q, want %q", row.StopReason, types.ReasonError)
	}
	if row.SandboxID != "" || row.AgentURL != "" {
		t.Fatalf("sandbox pointer not cleared: %q %q", row.SandboxID, row.AgentURL)
	}
	if row.SnapshotID != "snap-7" {
		t.Fatalf("SnapshotID = %q, want snap-7 kept for resume", row.SnapshotID)
	}
}

func TestReconcile_LeavesWatchedSessionsAlone(t *testing.T) {
	m, st, _ := newManagerFixture(t, &types.Session{
		ID:        "sess-1",
		Status:    types.SessionRunning,
		SandboxID: "sbx-dead",
	})
	ctx := context.Background()

	// A live hub notices the loss through its stream; the sweep must not
	// pull the row out from under it.
	if _, err := m.GetOrCreate(ctx, "sess-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	res, err := m.ReconcileSandboxes(ctx)
	if err != nil {
		t.Fatalf("ReconcileSandboxes: %v", err)
	}
	if res.Repaired != 0 {
		t.Fatalf("Repaired = %d, want 0", res.Repaired)
	}

	row, _ := st.GetSession(ctx, "sess-1")
	if row.Status != types.SessionRunning || row.SandboxID != "sbx-dead" {
		t.Fatalf("row changed: status %q sandbox %q", row.Status, row.SandboxID)
	}
}

func TestReconcile_RepairRespectsMigrationLock(t *testing.T) {
	m, st, _ := newManagerFixture(t, &types.Session{
		ID:        "sess-1",
		Status:    types.SessionRunning,
		SandboxID: "sbx-dead",
	})
	ctx := context.Background()

	if _, ok, err := m.deps.Locker.Acquire(ctx,
		migrationLockName("sess-1"), "other-gateway", time.Minute); err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}

	res, err := m.ReconcileSandboxes(ctx)
	if err != nil {
		t.Fatalf("ReconcileSandboxes: %v", err)
	}
	if res.Repaired != 0 {
		t.Fatalf("Repaired = %d, want 0 while another holder owns the session", res.Repaired)
	}
	row, _ := st.GetSession(ctx, "sess-1")
	if row.SandboxID != "sbx-dead" {
		t.Fatalf("row repaired despite held lock: %+v", row)
	}
}

func TestReconcile_RearmsLostExpiryTimer(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	m, _, p := newManagerFixture(t, &types.Session{
		ID:               "sess-1",
		Status:           types.SessionRunning,
		SandboxID:        "sbx-a",
		SandboxExpiresAt: &expires,
	})
	p.alive["sbx-a"] = true
	ctx := context.Background()

	res, err := m.ReconcileSandboxes(ctx)
	if err != nil {
		t.Fatalf("ReconcileSandboxes: %v", err)
	}
	if res.Rearmed != 1 {
		t.Fatalf("Rearmed = %d, want 1", res.Rearmed)
	}
	if !m.deps.Jobs.Pending("sess-1") {
		t.Fatal("no expiry job pending after re-arm")
	}

	// The pending job makes the next sweep a no-op for this row.
	res, err = m.ReconcileSandboxes(ctx)
	if err != nil {
		t.Fatalf("ReconcileSandboxes: %v", err)
	}
	if res.Rearmed != 0 {
		t.Fatalf("second sweep Rearmed = %d, want 0", res.Rearmed)
	}
}

func TestReconcile_RefiresMissedExpiry(t *testing.T) {
	expires := time.Now().Add(-time.Minute)
	m, st, p := newManagerFixture(t, &types.Session{
		ID:               "sess-1",
		Status:           types.SessionRunning,
		SandboxID:        "sbx-a",
		SandboxExpiresAt: &expires,
	})
	p.alive["sbx-a"] = true
	ctx := context.Background()

	res, err := m.ReconcileSandboxes(ctx)
	if err != nil {
		t.Fatalf("ReconcileSandboxes: %v", err)
	}
	if res.Rearmed != 1 {
		t.Fatalf("Rearmed = %d, want 1", res.Rearmed)
	}

	// The deadline already passed, so the job fires straight away and the
	// audience-less session is parked down to its snapshot.
	waitFor(t, "session parked", func() bool {
		row, err := st.GetSession(ctx, "sess-1")
		return err == nil && row.Status == types.SessionStopped
	})

	row, _ := st.GetSession(ctx, "sess-1")
	if row.StopReason != types.ReasonExpiry {
		t.Fatalf("StopReason = %q, want %q", row.StopReason, types.ReasonExpiry)
	}
	if row.SnapshotID == "" {
		t.Fatal("no snapshot recorded by park")
	}
	if row.SandboxID != "" {
		t.Fatalf("SandboxID = %q, want cleared", row.SandboxID)
	}
	if p.snapshotCount() != 1 {
		t.Fatalf("snapshots = %d, want 1", p.snapshotCount())
	}
}
