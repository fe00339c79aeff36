package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/sandgate/sandgate/internal/agent"
	"github.com/sandgate/sandgate/internal/events"
	"github.com/sandgate/sandgate/internal/lock"
	"github.com/sandgate/sandgate/internal/sandbox"
	"github.com/sandgate/sandgate/pkg/observability"
	"github.com/sandgate/sandgate/pkg/types"
)

// EnsureRuntimeReady brings the session to a live sandbox with a connected
// agent stream. Concurrent callers share a single provisioning pass; a
// failing step rejects every waiter and the next call starts fresh. The
// pass runs on the hub context so one caller hanging up does not abort it
// for the rest.
func (h *Hub) EnsureRuntimeReady(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	// During a migration the runtime looks live until teardown; route
	// callers through the slow path so they queue behind it.
	if h.rt != nil && h.stream != nil && h.status != types.RuntimeMigrating {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	ch := h.ready.DoChan("ready", func() (any, error) {
		return nil, h.provision(h.baseCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// provision serializes against migration and the other lifecycle
// transitions, then runs the full pass. A runtime that went live while we
// waited for the lifecycle lock is returned as-is.
func (h *Hub) provision(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()
	return h.provisionLocked(ctx)
}

func (h *Hub) provisionLocked(ctx context.Context) (err error) {
	h.mu.Lock()
	live := h.rt != nil && h.stream != nil
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrHubClosed
	}
	if live {
		return nil
	}

	defer func() {
		if err != nil && !errors.Is(err, ErrSuspended) && !errors.Is(err, ErrHubClosed) {
			h.setStatus(types.RuntimeError, err.Error())
		}
	}()

	// A migration elsewhere owns the session until its lock releases. The
	// migrating hub itself holds that lock, so it skips the wait.
	migrating := h.Status() == types.RuntimeMigrating
	if !migrating {
		if err := lock.Wait(ctx, h.deps.Locker, migrationLockName(h.sessionID)); err != nil {
			return fmt.Errorf("wait for migration: %w", err)
		}
	}

	row, err := h.deps.Store.GetSession(ctx, h.sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if row.Status == types.SessionSuspended {
		return ErrSuspended
	}

	// Mid-migration the hub already broadcast "migrating"; keep it.
	if !migrating {
		if row.SandboxID == "" && row.SnapshotID == "" {
			h.setStatus(types.RuntimeCreating, "")
		} else {
			h.setStatus(types.RuntimeResuming, "")
		}
	}

	// Context is rebuilt from storage every pass: fresh secrets, current
	// template, current repo coordinates.
	sc, err := h.loadContext(ctx, row)
	if err != nil {
		return err
	}

	ctx, span := observability.TraceLifecycle(ctx, observability.OpProvision, h.sessionID,
		map[string]string{"provider": h.deps.Provider.Name()})
	defer span.End()

	sb, err := h.deps.Provider.EnsureSandbox(ctx, sandbox.EnsureOpts{
		SessionID:        h.sessionID,
		CurrentSandboxID: row.SandboxID,
		SnapshotID:       row.SnapshotID,
		Create: sandbox.CreateOpts{
			PrebuildID:      row.PrebuildID,
			Env:             sc.env,
			Files:           sc.files,
			ServiceCommands: sc.services,
		},
	})
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("ensure sandbox: %w", err)
	}
	observability.RecordSandbox(span, sb.ID, row.SnapshotID)

	row.Provider = h.deps.Provider.Name()
	row.SandboxID = sb.ID
	row.AgentURL = sb.AgentURL
	row.PreviewURL = sb.PreviewURL
	row.SSHEndpoint = sb.SSHEndpoint
	if sb.ExpiresAt.IsZero() {
		row.SandboxExpiresAt = nil
	} else {
		expires := sb.ExpiresAt
		row.SandboxExpiresAt = &expires
	}
	row.Status = types.SessionRunning
	row.PauseReason = ""
	row.StopReason = ""
	if err := h.deps.Store.UpdateSession(ctx, row); err != nil {
		return fmt.Errorf("persist sandbox: %w", err)
	}

	if row.SandboxExpiresAt != nil {
		h.deps.Jobs.Schedule(h.sessionID,
			row.SandboxExpiresAt.Add(-h.deps.ExpiryGrace), h.handleExpiry)
	}

	ag := h.deps.NewAgent(sb.AgentURL)
	agentSession := row.AgentSessionID
	if agentSession != "" {
		switch verr := ag.VerifySession(ctx, agentSession); {
		case verr == nil:
		case errors.Is(verr, agent.ErrNoSession):
			// Fresh sandbox without restored agent state; recreate below.
			agentSession = ""
		default:
			return fmt.Errorf("verify agent session: %w", verr)
		}
	}
	if agentSession == "" {
		id, cerr := ag.CreateSession(ctx, agent.CreateSessionOpts{
			Title:        row.Title,
			SystemPrompt: sc.systemPrompt,
			Model:        sc.model,
		})
		if cerr != nil {
			return fmt.Errorf("create agent session: %w", cerr)
		}
		agentSession = id
		row.AgentSessionID = id
		if err := h.deps.Store.UpdateSession(ctx, row); err != nil {
			return fmt.Errorf("persist agent session: %w", err)
		}
	}

	proc := events.NewProcessor(h.sessionID, h.deps.ToolHeartbeat, h.emit, h.logger)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.rt = sb
	h.agent = ag
	h.agentSessionID = agentSession
	h.processor = proc
	h.mu.Unlock()

	if err := h.connectStream(ctx); err != nil {
		h.teardownRuntime()
		return fmt.Errorf("connect agent stream: %w", err)
	}

	h.setStatus(types.RuntimeRunning, "")
	h.logger.Info("runtime ready",
		"sandbox_id", sb.ID, "recovered", sb.Recovered, "agent_session", agentSession)
	return nil
}
