package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sandgate/sandgate/internal/agent"
	"github.com/sandgate/sandgate/internal/events"
	"github.com/sandgate/sandgate/internal/sandbox"
	"github.com/sandgate/sandgate/pkg/observability"
	"github.com/sandgate/sandgate/pkg/types"
)

// Hub owns the live state of one session: connected clients, the sandbox
// runtime, the agent event stream and the status machine. All client I/O
// goes through the broker; the hub only counts attachments so it can decide
// between migrating and parking when the sandbox expires.
type Hub struct {
	sessionID string
	deps      Deps
	logger    *slog.Logger

	// baseCtx outlives any single request; it ends when the hub closes.
	baseCtx context.Context
	cancel  context.CancelFunc

	ready singleflight.Group

	// lifecycleMu serializes provisioning, migration, pause and terminate
	// so no two transitions touch the sandbox at once.
	lifecycleMu sync.Mutex

	mu             sync.Mutex
	status         types.RuntimeStatus
	clients        int
	rt             *sandbox.Sandbox
	agent          AgentClient
	agentSessionID string
	processor      *events.Processor
	stream         StreamCloser
	promptInFlight bool
	reconnecting   bool
	closed         bool
}

func newHub(sessionID string, status types.RuntimeStatus, deps Deps) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessionID: sessionID,
		deps:      deps,
		logger:    deps.Logger.With("session_id", sessionID),
		baseCtx:   ctx,
		cancel:    cancel,
		status:    status,
	}
}

// initialRuntimeStatus maps a persisted session row to the status a hub
// reports before its first provisioning pass.
func initialRuntimeStatus(s types.SessionStatus) types.RuntimeStatus {
	switch s {
	case types.SessionRunning:
		return types.RuntimeResuming
	case types.SessionPaused:
		return types.RuntimePaused
	case types.SessionStopped, types.SessionSuspended:
		return types.RuntimeStopped
	default:
		return types.RuntimeCreating
	}
}

func (h *Hub) SessionID() string { return h.sessionID }

func (h *Hub) Status() types.RuntimeStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients
}

// Attach registers a client and returns its event channel. The current
// status is replayed immediately so late joiners know where things stand,
// and provisioning starts in the background if the runtime is not live.
func (h *Hub) Attach(buf int) (chan types.ClientEvent, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.clients++
	status := h.status
	h.mu.Unlock()

	ch := h.deps.Broker.Subscribe(h.sessionID, buf)
	select {
	case ch <- types.ClientEvent{
		Type:      types.EventStatus,
		SessionID: h.sessionID,
		Status:    string(status),
		Timestamp: time.Now().UTC(),
	}:
	default:
	}

	go func() {
		if err := h.EnsureRuntimeReady(h.baseCtx); err != nil && !errors.Is(err, ErrHubClosed) {
			h.logger.Warn("runtime not ready after attach", "error", err)
		}
	}()
	return ch, nil
}

// Detach unregisters a client channel. The runtime stays up; idle teardown
// is the expiry job's call, not the detach path's.
func (h *Hub) Detach(ch chan types.ClientEvent) {
	h.deps.Broker.Unsubscribe(h.sessionID, ch)
	h.mu.Lock()
	if h.clients > 0 {
		h.clients--
	}
	h.mu.Unlock()
}

// HandleCommand routes one inbound client instruction.
func (h *Hub) HandleCommand(ctx context.Context, cmd types.Command) error {
	switch cmd.Type {
	case types.CommandPrompt:
		return h.handlePrompt(ctx, cmd)
	case types.CommandCancel:
		return h.handleCancel(ctx)
	case types.CommandGit:
		return h.handleGit(ctx, cmd)
	case types.CommandSaveSnapshot:
		_, err := h.SaveSnapshot(ctx)
		return err
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func (h *Hub) handlePrompt(ctx context.Context, cmd types.Command) error {
	if cmd.Text == "" {
		return errors.New("empty prompt")
	}
	if err := h.EnsureRuntimeReady(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if h.promptInFlight {
		h.mu.Unlock()
		return errors.New("prompt already in flight")
	}
	ag, proc, agentSession := h.agent, h.processor, h.agentSessionID
	if ag == nil || proc == nil {
		h.mu.Unlock()
		return errors.New("runtime not ready")
	}
	h.promptInFlight = true
	h.mu.Unlock()

	proc.ResetForNewPrompt()
	if err := ag.Prompt(ctx, agentSession, cmd.Text); err != nil {
		h.mu.Lock()
		h.promptInFlight = false
		h.mu.Unlock()
		return fmt.Errorf("prompt agent: %w", err)
	}
	return nil
}

func (h *Hub) handleCancel(ctx context.Context) error {
	h.mu.Lock()
	ag, agentSession := h.agent, h.agentSessionID
	h.mu.Unlock()
	if ag == nil {
		return nil
	}
	return ag.Cancel(ctx, agentSession)
}

// handleGit runs a git subcommand inside the sandbox and reports the result
// as a git_result event rather than a return value, so every attached
// client sees it.
func (h *Hub) handleGit(ctx context.Context, cmd types.Command) error {
	if len(cmd.Args) == 0 {
		return errors.New("git command needs arguments")
	}
	if err := h.EnsureRuntimeReady(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	rt := h.rt
	h.mu.Unlock()
	if rt == nil {
		return errors.New("no live sandbox")
	}

	ctx, span := observability.TraceLifecycle(ctx, observability.OpExec, h.sessionID, nil)
	defer span.End()

	argv := append([]string{"git"}, cmd.Args...)
	res, err := h.deps.Provider.ExecCommand(ctx, rt.ID, argv, sandbox.ExecOpts{})
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("exec git: %w", err)
	}

	fields := map[string]any{
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	}
	if cmd.ID != "" {
		fields["command_id"] = cmd.ID
	}
	if res.StdoutTruncated || res.StderrTruncated {
		fields["truncated"] = true
	}
	h.emit(types.ClientEvent{Type: types.EventGitResult, Fields: stampTrace(ctx, fields)})
	return nil
}

// SaveSnapshot checkpoints the live sandbox without stopping it and records
// the snapshot id on the session row.
func (h *Hub) SaveSnapshot(ctx context.Context) (string, error) {
	if err := h.EnsureRuntimeReady(ctx); err != nil {
		return "", err
	}

	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	h.mu.Lock()
	rt := h.rt
	h.mu.Unlock()
	if rt == nil {
		return "", errors.New("no live sandbox")
	}

	ctx, span := observability.TraceLifecycle(ctx, observability.OpSnapshot, h.sessionID, nil)
	defer span.End()

	snapID, err := h.deps.Provider.Snapshot(ctx, h.sessionID, rt.ID)
	if err != nil {
		observability.RecordError(span, err)
		return "", fmt.Errorf("snapshot sandbox: %w", err)
	}
	observability.RecordSandbox(span, rt.ID, snapID)
	if err := h.deps.Store.UpdateSnapshot(ctx, h.sessionID, snapID); err != nil {
		observability.RecordError(span, err)
		return "", fmt.Errorf("record snapshot: %w", err)
	}

	h.emit(types.ClientEvent{
		Type:   types.EventSnapshotSaved,
		Fields: stampTrace(ctx, map[string]any{"snapshot_id": snapID}),
	})
	return snapID, nil
}

// stampTrace copies the active span's ids into the event fields so exported
// history records correlate with lifecycle traces. A no-op when no recording
// span is on the context.
func stampTrace(ctx context.Context, fields map[string]any) map[string]any {
	tid := observability.ExtractTraceID(ctx)
	if tid == "" {
		return fields
	}
	if fields == nil {
		fields = make(map[string]any, 2)
	}
	fields["trace_id"] = tid
	if sid := observability.ExtractSpanID(ctx); sid != "" {
		fields["span_id"] = sid
	}
	return fields
}

// emit stamps, persists and broadcasts one client event. A message_complete
// or error closes the prompt window. Persistence failures are logged, never
// surfaced: the live stream must not stall on a slow history store.
func (h *Hub) emit(ev types.ClientEvent) {
	ev.SessionID = h.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	switch ev.Type {
	case types.EventMessageComplete, types.EventError:
		h.mu.Lock()
		h.promptInFlight = false
		h.mu.Unlock()
	}

	h.deps.Metrics.IncEvent(ev.Type)
	if h.deps.Events != nil {
		if err := h.deps.Events.AppendEvent(h.baseCtx, ev); err != nil {
			h.logger.Warn("event append failed", "type", ev.Type, "error", err)
		}
	}
	h.deps.Broker.Publish(ev)
}

// setStatus records a runtime transition and broadcasts it. Repeats of the
// current status without a detail message are suppressed.
func (h *Hub) setStatus(status types.RuntimeStatus, detail string) {
	h.mu.Lock()
	if h.status == status && detail == "" {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.mu.Unlock()

	h.logger.Info("session status", "status", status, "detail", detail)
	h.emit(types.ClientEvent{
		Type:    types.EventStatus,
		Status:  string(status),
		Message: detail,
	})
}

// teardownRuntime drops the in-memory runtime without touching the sandbox.
// The stream is closed silently so no reconnect loop starts.
func (h *Hub) teardownRuntime() {
	h.mu.Lock()
	stream := h.stream
	h.stream = nil
	h.rt = nil
	h.agent = nil
	h.agentSessionID = ""
	h.processor = nil
	h.promptInFlight = false
	h.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
}

// connectStream dials the agent event stream and installs it, closing the
// new stream if another connect won the race.
func (h *Hub) connectStream(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if h.stream != nil {
		h.mu.Unlock()
		return nil
	}
	ag, proc := h.agent, h.processor
	h.mu.Unlock()
	if ag == nil || proc == nil {
		return errors.New("no agent runtime")
	}

	stream, err := h.deps.ConnectSSE(ctx, agent.SSEConfig{
		URL:              ag.EventsURL(),
		HeartbeatTimeout: h.deps.HeartbeatTimeout,
		OnEvent:          proc.HandleEvent,
		OnDisconnect:     h.onStreamDown,
		Logger:           h.logger,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed || h.stream != nil {
		h.mu.Unlock()
		stream.Close()
		return nil
	}
	h.stream = stream
	h.mu.Unlock()
	return nil
}

// reconnectDelays is the fixed backoff sequence after an unexpected stream
// drop. After the last attempt the hub gives up and reports an error; the
// next client command repairs the runtime through the full ensure path.
var reconnectDelays = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

func (h *Hub) onStreamDown(reason string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.stream = nil
	if h.reconnecting {
		h.mu.Unlock()
		return
	}
	h.reconnecting = true
	h.mu.Unlock()

	h.logger.Warn("agent stream lost", "reason", reason)
	go h.reconnectLoop()
}

func (h *Hub) reconnectLoop() {
	defer func() {
		h.mu.Lock()
		h.reconnecting = false
		h.mu.Unlock()
	}()

	for attempt, delay := range reconnectDelays {
		select {
		case <-h.baseCtx.Done():
			return
		case <-time.After(delay):
		}

		// Migration rebuilds the stream itself.
		if h.Status() == types.RuntimeMigrating {
			return
		}

		h.deps.Metrics.IncSSEReconnect()
		err := h.connectStream(h.baseCtx)
		if err == nil {
			h.logger.Info("agent stream reconnected", "attempt", attempt+1)
			return
		}
		if errors.Is(err, ErrHubClosed) {
			return
		}
		h.logger.Warn("agent stream reconnect failed",
			"attempt", attempt+1, "error", err)
	}

	h.deps.Metrics.IncSSEGiveUp()
	h.setStatus(types.RuntimeError, "agent stream lost")
	h.emit(types.ClientEvent{
		Type:    types.EventError,
		Message: "agent event stream lost; send a command to reconnect",
	})
}

// Pause checkpoints the sandbox and stops it, natively when the provider
// supports in-place pause and by termination otherwise.
func (h *Hub) Pause(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	h.deps.Jobs.Cancel(h.sessionID)

	row, err := h.deps.Store.GetSession(ctx, h.sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if row.SandboxID == "" {
		return ErrNoSandbox
	}

	h.mu.Lock()
	ag, agentSession := h.agent, h.agentSessionID
	h.mu.Unlock()
	if ag != nil {
		if err := ag.Cancel(ctx, agentSession); err != nil {
			h.logger.Debug("cancel before pause failed", "error", err)
		}
	}
	h.teardownRuntime()

	ctx, span := observability.TraceLifecycle(ctx, observability.OpPark, h.sessionID, nil)
	defer span.End()

	snapID, err := h.deps.Provider.Pause(ctx, h.sessionID, row.SandboxID)
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("pause sandbox: %w", err)
	}
	observability.RecordSandbox(span, row.SandboxID, snapID)

	row.SnapshotID = snapID
	row.PauseReason = types.ReasonManual
	if h.deps.Provider.Capabilities().Pause {
		row.Status = types.SessionPaused
	} else {
		row.Status = types.SessionStopped
		row.StopReason = types.ReasonManual
		row.SandboxID = ""
		row.AgentURL = ""
		row.PreviewURL = ""
		row.SSHEndpoint = ""
		row.SandboxExpiresAt = nil
	}
	if err := h.deps.Store.UpdateSession(ctx, row); err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}

	if row.Status == types.SessionPaused {
		h.setStatus(types.RuntimePaused, "")
	} else {
		h.setStatus(types.RuntimeStopped, "")
	}
	return nil
}

// Terminate tears the sandbox down for good. A billing reason suspends the
// session so later attaches are refused; anything else leaves it stopped
// and resumable from its last snapshot.
func (h *Hub) Terminate(ctx context.Context, reason types.Reason) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	h.deps.Jobs.Cancel(h.sessionID)
	h.teardownRuntime()

	row, err := h.deps.Store.GetSession(ctx, h.sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	ctx, span := observability.TraceLifecycle(ctx, observability.OpTerminate, h.sessionID, nil)
	defer span.End()

	if row.SandboxID != "" {
		observability.RecordSandbox(span, row.SandboxID, "")
		if err := h.deps.Provider.Terminate(ctx, h.sessionID, row.SandboxID); err != nil {
			h.logger.Warn("sandbox terminate failed", "sandbox_id", row.SandboxID, "error", err)
		}
	}

	row.Status = types.SessionStopped
	if reason == types.ReasonBilling {
		row.Status = types.SessionSuspended
	}
	row.StopReason = reason
	row.SandboxID = ""
	row.AgentURL = ""
	row.PreviewURL = ""
	row.SSHEndpoint = ""
	row.SandboxExpiresAt = nil
	if err := h.deps.Store.UpdateSession(ctx, row); err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("persist terminate: %w", err)
	}

	h.setStatus(types.RuntimeStopped, string(reason))
	return nil
}

// Close shuts the hub down without touching the sandbox: live sandboxes
// survive gateway restarts and are recovered on the next ensure.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.deps.Jobs.Cancel(h.sessionID)
	h.teardownRuntime()
}
