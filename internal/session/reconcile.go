package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sandgate/sandgate/pkg/types"
)

// ReconcileResult summarizes one reconciler sweep.
type ReconcileResult struct {
	Probed   int
	Repaired int
	Rearmed  int
}

// ReconcileSandboxes compares what storage believes is live against the
// provider and repairs the difference. It covers the two gaps the
// in-process machinery cannot see: rows whose sandbox died while no hub
// was watching, and expiry deadlines that lost their timer to a gateway
// restart.
func (m *HubManager) ReconcileSandboxes(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	rows, err := m.deps.Store.ListSessions(ctx, types.SessionQuery{
		Statuses: []types.SessionStatus{
			types.SessionStarting, types.SessionRunning, types.SessionPaused,
		},
	})
	if err != nil {
		return res, fmt.Errorf("list sessions: %w", err)
	}

	var ids []string
	for _, row := range rows {
		if row.SandboxID != "" {
			ids = append(ids, row.SandboxID)
		}
	}
	if len(ids) == 0 {
		return res, nil
	}
	res.Probed = len(ids)

	alive, err := m.deps.Provider.CheckSandboxes(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("check sandboxes: %w", err)
	}
	liveSet := make(map[string]struct{}, len(alive))
	for _, id := range alive {
		liveSet[id] = struct{}{}
	}

	for _, row := range rows {
		if row.SandboxID == "" {
			continue
		}
		if _, live := liveSet[row.SandboxID]; !live {
			// A hub in this process notices the loss itself through the
			// agent stream; only unwatched rows need repair.
			if _, ok := m.Get(row.ID); ok {
				continue
			}
			if m.repairDeadPointer(ctx, row) {
				res.Repaired++
			}
			continue
		}
		if row.SandboxExpiresAt == nil || m.deps.Jobs.Pending(row.ID) {
			continue
		}
		hub, err := m.GetOrCreate(ctx, row.ID)
		if err != nil {
			m.deps.Logger.Warn("reconcile: hub for expiry re-arm",
				"session_id", row.ID, "error", err)
			continue
		}
		hub.ScheduleExpiry(row.SandboxExpiresAt.Add(-m.deps.ExpiryGrace))
		res.Rearmed++
	}
	return res, nil
}

// repairDeadPointer moves a row whose sandbox is gone to stopped, so the
// next resume provisions from the last snapshot instead of tripping over
// the stale id. The migration lock keeps the repair single-winner across
// gateway instances.
func (m *HubManager) repairDeadPointer(ctx context.Context, row *types.Session) bool {
	name := migrationLockName(row.ID)
	_, ok, err := m.deps.Locker.Acquire(ctx, name, m.deps.HolderID, m.deps.LockTTL)
	if err != nil {
		m.deps.Logger.Error("reconcile: lock acquire failed",
			"session_id", row.ID, "error", err)
		return false
	}
	if !ok {
		return false
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.deps.Locker.Release(relCtx, name, m.deps.HolderID); err != nil {
			m.deps.Logger.Warn("reconcile: lock release failed",
				"session_id", row.ID, "error", err)
		}
	}()

	// Re-read under the lock; another instance may have migrated or
	// repaired the session in the meantime.
	cur, err := m.deps.Store.GetSession(ctx, row.ID)
	if err != nil {
		m.deps.Logger.Error("reconcile: reload session failed",
			"session_id", row.ID, "error", err)
		return false
	}
	if cur.SandboxID != row.SandboxID || !cur.Status.IsActive() {
		return false
	}

	cur.Status = types.SessionStopped
	cur.StopReason = types.ReasonError
	cur.SandboxID = ""
	cur.AgentURL = ""
	cur.PreviewURL = ""
	cur.SSHEndpoint = ""
	cur.SandboxExpiresAt = nil
	if err := m.deps.Store.UpdateSession(ctx, cur); err != nil {
		m.deps.Logger.Error("reconcile: persist repair failed",
			"session_id", row.ID, "error", err)
		return false
	}
	m.deps.Logger.Info("reconcile: repaired dead sandbox pointer",
		"session_id", row.ID, "sandbox_id", row.SandboxID)
	return true
}
