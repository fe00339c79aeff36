package session

import (
	"context"
	"time"

	"github.com/sandgate/sandgate/pkg/observability"
	"github.com/sandgate/sandgate/pkg/types"
)

// ScheduleExpiry (re)arms the expiry job for this session. Provisioning
// arms it automatically; the reconciler uses this for deadlines recorded
// in storage that lost their timer to a gateway restart. A deadline in
// the past fires immediately.
func (h *Hub) ScheduleExpiry(at time.Time) {
	h.deps.Jobs.Schedule(h.sessionID, at, h.handleExpiry)
}

// handleExpiry fires shortly before the provider reclaims the sandbox. The
// migration lock makes it single-winner across gateway instances; losing
// the race means another instance already has this session in hand.
func (h *Hub) handleExpiry() {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	ctx := h.baseCtx
	name := migrationLockName(h.sessionID)

	_, ok, err := h.deps.Locker.Acquire(ctx, name, h.deps.HolderID, h.deps.LockTTL)
	if err != nil {
		h.logger.Error("migration lock acquire failed", "error", err)
		return
	}
	if !ok {
		h.logger.Debug("expiry handled elsewhere, skipping")
		return
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.deps.Locker.Release(relCtx, name, h.deps.HolderID); err != nil {
			h.logger.Warn("migration lock release failed", "error", err)
		}
	}()

	row, err := h.deps.Store.GetSession(ctx, h.sessionID)
	if err != nil {
		h.logger.Error("load session for expiry", "error", err)
		return
	}
	if row.SandboxID == "" || !row.Status.IsActive() {
		return
	}

	if h.Clients() > 0 || row.Automation {
		h.migrate(ctx, row)
	} else {
		h.park(ctx, row)
	}
}

// migrate moves the session onto a fresh sandbox: finish the turn, snapshot,
// tear down, re-provision from the snapshot. Clients keep their connection
// the whole way through and see migrating -> running status events.
func (h *Hub) migrate(ctx context.Context, row *types.Session) {
	ctx, span := observability.TraceLifecycle(ctx, observability.OpMigrate, h.sessionID, nil)
	defer span.End()

	h.setStatus(types.RuntimeMigrating, "sandbox expiring")
	h.drain(ctx)
	h.teardownRuntime()

	oldSandbox := row.SandboxID
	snapID, err := h.deps.Provider.Snapshot(ctx, h.sessionID, oldSandbox)
	if err != nil {
		// The old sandbox stays up: a session on borrowed time beats a
		// dead one. The provider reclaiming it later surfaces as a stream
		// drop, and the next command re-provisions from the last snapshot.
		observability.RecordError(span, err)
		h.deps.Metrics.IncMigrationFailure()
		h.logger.Error("migration snapshot failed, leaving sandbox in place",
			"sandbox_id", oldSandbox, "error", err)
		h.setStatus(types.RuntimeRunning, "migration aborted")
		return
	}
	observability.RecordSandbox(span, oldSandbox, snapID)

	if err := h.deps.Store.UpdateSnapshot(ctx, h.sessionID, snapID); err != nil {
		observability.RecordError(span, err)
		h.deps.Metrics.IncMigrationFailure()
		h.logger.Error("migration snapshot persist failed",
			"snapshot_id", snapID, "error", err)
		h.setStatus(types.RuntimeRunning, "migration aborted")
		return
	}

	if err := h.deps.Provider.Terminate(ctx, h.sessionID, oldSandbox); err != nil {
		h.logger.Warn("old sandbox terminate failed",
			"sandbox_id", oldSandbox, "error", err)
	}

	// Already under lifecycleMu; re-provision directly.
	if err := h.provisionLocked(ctx); err != nil {
		observability.RecordError(span, err)
		h.deps.Metrics.IncMigrationFailure()
		h.logger.Error("migration re-provision failed", "error", err)
		return
	}

	h.deps.Metrics.IncMigration()
	h.logger.Info("migration complete", "old_sandbox_id", oldSandbox, "snapshot_id", snapID)
}

// park puts a session without an audience to sleep. With a backend that
// pauses idle sandboxes natively the container is kept for in-place resume;
// otherwise the sandbox is reduced to its snapshot.
func (h *Hub) park(ctx context.Context, row *types.Session) {
	ctx, span := observability.TraceLifecycle(ctx, observability.OpPark, h.sessionID, nil)
	defer span.End()

	h.drain(ctx)
	h.teardownRuntime()

	oldSandbox := row.SandboxID
	caps := h.deps.Provider.Capabilities()

	if caps.Pause && caps.AutoPause {
		snapID, err := h.deps.Provider.Pause(ctx, h.sessionID, oldSandbox)
		if err != nil {
			observability.RecordError(span, err)
			h.logger.Error("park pause failed, leaving sandbox in place",
				"sandbox_id", oldSandbox, "error", err)
			return
		}
		observability.RecordSandbox(span, oldSandbox, snapID)

		row.SnapshotID = snapID
		row.Status = types.SessionPaused
		row.PauseReason = types.ReasonExpiry
		if err := h.deps.Store.UpdateSession(ctx, row); err != nil {
			observability.RecordError(span, err)
			h.logger.Error("park persist failed", "error", err)
			return
		}
		h.setStatus(types.RuntimePaused, "")
		h.logger.Info("session parked", "sandbox_id", oldSandbox, "snapshot_id", snapID)
		return
	}

	snapID, err := h.deps.Provider.Snapshot(ctx, h.sessionID, oldSandbox)
	if err != nil {
		observability.RecordError(span, err)
		h.logger.Error("park snapshot failed, leaving sandbox in place",
			"sandbox_id", oldSandbox, "error", err)
		return
	}
	observability.RecordSandbox(span, oldSandbox, snapID)

	row.SnapshotID = snapID
	row.Status = types.SessionStopped
	row.StopReason = types.ReasonExpiry
	row.SandboxID = ""
	row.AgentURL = ""
	row.PreviewURL = ""
	row.SSHEndpoint = ""
	row.SandboxExpiresAt = nil
	if err := h.deps.Store.UpdateSession(ctx, row); err != nil {
		observability.RecordError(span, err)
		h.logger.Error("park persist failed", "error", err)
		return
	}

	if err := h.deps.Provider.Terminate(ctx, h.sessionID, oldSandbox); err != nil {
		h.logger.Warn("parked sandbox terminate failed",
			"sandbox_id", oldSandbox, "error", err)
	}
	h.setStatus(types.RuntimeStopped, "")
	h.logger.Info("session parked to snapshot", "snapshot_id", snapID)
}

// drain waits for the current turn to settle before lifecycle work. On
// timeout the turn is aborted so the snapshot captures a quiet agent. An
// idle session returns immediately.
func (h *Hub) drain(ctx context.Context) {
	deadline := time.Now().Add(h.deps.DrainTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		h.mu.Lock()
		inFlight := h.promptInFlight
		proc := h.processor
		ag, agentSession := h.agent, h.agentSessionID
		h.mu.Unlock()

		running := 0
		if proc != nil {
			running = proc.RunningTools()
		}
		if !inFlight && running == 0 {
			return
		}

		if time.Now().After(deadline) {
			h.logger.Warn("drain timeout, aborting turn")
			if ag != nil {
				if err := ag.Cancel(ctx, agentSession); err != nil {
					h.logger.Debug("abort before migration failed", "error", err)
				}
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
