package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandgate/sandgate/internal/agent"
	"github.com/sandgate/sandgate/internal/events"
	"github.com/sandgate/sandgate/internal/jobs"
	"github.com/sandgate/sandgate/internal/lock"
	"github.com/sandgate/sandgate/internal/metrics"
	"github.com/sandgate/sandgate/internal/sandbox"
	"github.com/sandgate/sandgate/internal/store"
	"github.com/sandgate/sandgate/pkg/types"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]*types.Session
}

func newFakeStore(rows ...*types.Session) *fakeStore {
	s := &fakeStore{rows: map[string]*types.Session{}}
	for _, r := range rows {
		cp := *r
		s.rows[r.ID] = &cp
	}
	return s
}

func (s *fakeStore) CreateSession(ctx context.Context, row *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	s.rows[row.ID] = &cp
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *fakeStore) ListSessions(ctx context.Context, q types.SessionQuery) ([]*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Session
	for _, row := range s.rows {
		if q.Owner != "" && row.Owner != q.Owner {
			continue
		}
		if len(q.Statuses) > 0 {
			match := false
			for _, st := range q.Statuses {
				if row.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) UpdateSession(ctx context.Context, row *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[row.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *row
	s.rows[row.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status types.SessionStatus, reason types.Reason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = status
	return nil
}

func (s *fakeStore) UpdateSnapshot(ctx context.Context, id, snapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.SnapshotID = snapshotID
	return nil
}

func (s *fakeStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *fakeStore) Close() error { return nil }

type fakeProvider struct {
	mu   sync.Mutex
	caps sandbox.Capabilities

	seq     int
	snapSeq int
	alive   map[string]bool

	ensures    int
	snapshots  int
	pauses     int
	terminated []string
	execs      [][]string

	lastEnsure  sandbox.EnsureOpts
	lifetime    time.Duration
	ensureDelay time.Duration
	ensureErr   error
	snapshotErr error
	execResult  *types.ExecResult
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{alive: map[string]bool{}}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Capabilities() sandbox.Capabilities { return p.caps }

func (p *fakeProvider) EnsureSandbox(ctx context.Context, opts sandbox.EnsureOpts) (*sandbox.Sandbox, error) {
	if p.ensureDelay > 0 {
		select {
		case <-time.After(p.ensureDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensures++
	p.lastEnsure = opts
	if p.ensureErr != nil {
		return nil, p.ensureErr
	}
	if opts.CurrentSandboxID != "" && p.alive[opts.CurrentSandboxID] {
		return p.sandboxLocked(opts.CurrentSandboxID, true), nil
	}
	return p.createLocked(), nil
}

func (p *fakeProvider) CreateSandbox(ctx context.Context, opts sandbox.CreateOpts) (*sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createLocked(), nil
}

func (p *fakeProvider) createLocked() *sandbox.Sandbox {
	p.seq++
	id := fmt.Sprintf("sbx-%d", p.seq)
	p.alive[id] = true
	return p.sandboxLocked(id, false)
}

func (p *fakeProvider) sandboxLocked(id string, recovered bool) *sandbox.Sandbox {
	sb := &sandbox.Sandbox{ID: id, AgentURL: "http://agent.invalid/" + id, Recovered: recovered}
	if p.lifetime > 0 {
		sb.ExpiresAt = time.Now().Add(p.lifetime)
	}
	return sb
}

func (p *fakeProvider) Snapshot(ctx context.Context, sessionID, sandboxID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshotErr != nil {
		return "", p.snapshotErr
	}
	p.snapshots++
	p.snapSeq++
	return fmt.Sprintf("snap-%d", p.snapSeq), nil
}

func (p *fakeProvider) Pause(ctx context.Context, sessionID, sandboxID string) (string, error) {
	p.mu.Lock()
	p.pauses++
	p.snapSeq++
	snap := fmt.Sprintf("snap-%d", p.snapSeq)
	p.mu.Unlock()
	return snap, nil
}

func (p *fakeProvider) Terminate(ctx context.Context, sessionID, sandboxID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, sandboxID)
	delete(p.alive, sandboxID)
	return nil
}

func (p *fakeProvider) ExecCommand(ctx context.Context, sandboxID string, argv []string, opts sandbox.ExecOpts) (*types.ExecResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execs = append(p.execs, argv)
	if p.execResult != nil {
		return p.execResult, nil
	}
	return &types.ExecResult{ExitCode: 0}, nil
}

func (p *fakeProvider) CheckSandboxes(ctx context.Context, ids []string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, id := range ids {
		if p.alive[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (p *fakeProvider) ensureCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensures
}

func (p *fakeProvider) snapshotCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshots
}

type fakeAgent struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]bool
	created  int
	prompts  []string
	cancels  int
	baseURL  string

	promptErr error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{sessions: map[string]bool{}}
}

func (a *fakeAgent) Health(ctx context.Context) error { return nil }

func (a *fakeAgent) EventsURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.baseURL + "/event"
}

func (a *fakeAgent) CreateSession(ctx context.Context, opts agent.CreateSessionOpts) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created++
	a.seq++
	id := fmt.Sprintf("ag-%d", a.seq)
	a.sessions[id] = true
	return id, nil
}

func (a *fakeAgent) VerifySession(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions[id] {
		return nil
	}
	return agent.ErrNoSession
}

func (a *fakeAgent) Prompt(ctx context.Context, sessionID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.promptErr != nil {
		return a.promptErr
	}
	a.prompts = append(a.prompts, text)
	return nil
}

func (a *fakeAgent) Cancel(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels++
	return nil
}

func (a *fakeAgent) promptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts)
}

type fakeStream struct {
	closed atomic.Bool
}

func (s *fakeStream) Close() { s.closed.Store(true) }

// fixture wires a hub against in-memory fakes. The shared fakeAgent state
// stands in for agent state carried across sandboxes by snapshots.
type fixture struct {
	store    *fakeStore
	provider *fakeProvider
	agent    *fakeAgent
	broker   *events.Broker
	deps     Deps
	hub      *Hub

	mu         sync.Mutex
	sseConfigs []agent.SSEConfig
	connectErr func() error
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, row *types.Session) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFakeStore(row),
		provider: newFakeProvider(),
		agent:    newFakeAgent(),
		broker:   events.NewBroker(),
	}
	logger := testLogger()
	f.deps = Deps{
		Store:            f.store,
		Provider:         f.provider,
		Broker:           f.broker,
		Locker:           lock.NewLocal(),
		Jobs:             jobs.NewScheduler(logger),
		Metrics:          metrics.New(),
		Logger:           logger,
		HolderID:         "test-holder",
		HeartbeatTimeout: time.Second,
		ToolHeartbeat:    time.Minute,
		ExpiryGrace:      time.Minute,
		DrainTimeout:     300 * time.Millisecond,
		LockTTL:          time.Minute,
		NewAgent: func(baseURL string) AgentClient {
			f.agent.mu.Lock()
			f.agent.baseURL = baseURL
			f.agent.mu.Unlock()
			return f.agent
		},
		ConnectSSE: func(ctx context.Context, cfg agent.SSEConfig) (StreamCloser, error) {
			f.mu.Lock()
			connectErr := f.connectErr
			f.mu.Unlock()
			if connectErr != nil {
				if err := connectErr(); err != nil {
					return nil, err
				}
			}
			f.mu.Lock()
			f.sseConfigs = append(f.sseConfigs, cfg)
			f.mu.Unlock()
			return &fakeStream{}, nil
		},
	}
	f.deps = f.deps.normalized()
	f.hub = newHub(row.ID, initialRuntimeStatus(row.Status), f.deps)
	t.Cleanup(func() {
		f.hub.Close()
		f.deps.Jobs.Close()
	})
	return f
}

func starterRow() *types.Session {
	return &types.Session{ID: "sess-1", Owner: "o-1", Status: types.SessionStarting}
}

func (f *fixture) lastSSE(t *testing.T) agent.SSEConfig {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sseConfigs) == 0 {
		t.Fatal("no SSE connection made")
	}
	return f.sseConfigs[len(f.sseConfigs)-1]
}

func (f *fixture) row(t *testing.T) *types.Session {
	t.Helper()
	row, err := f.store.GetSession(context.Background(), f.hub.SessionID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return row
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitEvent reads from ch until an event satisfies pred.
func waitEvent(t *testing.T, ch chan types.ClientEvent, what string, pred func(types.ClientEvent) bool) types.ClientEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func statusEvent(status types.RuntimeStatus) func(types.ClientEvent) bool {
	return func(ev types.ClientEvent) bool {
		return ev.Type == types.EventStatus && ev.Status == string(status)
	}
}

func TestHub_EnsureProvisionsOnce(t *testing.T) {
	f := newFixture(t, starterRow())
	f.provider.ensureDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.hub.EnsureRuntimeReady(context.Background())
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("waiter %d: %v", i, err)
		}
	}
	if got := f.provider.ensureCount(); got != 1 {
		t.Fatalf("EnsureSandbox called %d times, want 1", got)
	}

	row := f.row(t)
	if row.Status != types.SessionRunning {
		t.Fatalf("row status = %q, want running", row.Status)
	}
	if row.SandboxID == "" || row.AgentSessionID == "" {
		t.Fatalf("row not fully populated: %+v", row)
	}
	if f.hub.Status() != types.RuntimeRunning {
		t.Fatalf("hub status = %q, want running", f.hub.Status())
	}
}

func TestHub_EnsureFailureRejectsAllWaiters(t *testing.T) {
	f := newFixture(t, starterRow())
	f.provider.ensureErr = errors.New("no capacity")

	ch, err := f.hub.Attach(16)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer f.hub.Detach(ch)

	if err := f.hub.EnsureRuntimeReady(context.Background()); err == nil {
		t.Fatal("expected ensure error")
	}
	waitEvent(t, ch, "error status", statusEvent(types.RuntimeError))

	// The failure is not sticky: fixing the provider fixes the session.
	f.provider.mu.Lock()
	f.provider.ensureErr = nil
	f.provider.mu.Unlock()
	if err := f.hub.EnsureRuntimeReady(context.Background()); err != nil {
		t.Fatalf("ensure after repair: %v", err)
	}
}

func TestHub_EnsureRepairsStalePointer(t *testing.T) {
	row := starterRow()
	row.Status = types.SessionRunning
	row.SandboxID = "sbx-dead"
	row.SnapshotID = "snap-0"
	f := newFixture(t, row)

	if err := f.hub.EnsureRuntimeReady(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	f.provider.mu.Lock()
	probed := f.provider.lastEnsure.CurrentSandboxID
	snapshot := f.provider.lastEnsure.SnapshotID
	f.provider.mu.Unlock()
	if probed != "sbx-dead" {
		t.Fatalf("provider probed %q, want sbx-dead", probed)
	}
	if snapshot != "snap-0" {
		t.Fatalf("provider got snapshot %q, want snap-0", snapshot)
	}

	updated := f.row(t)
	if updated.SandboxID == "sbx-dead" || updated.SandboxID == "" {
		t.Fatalf("stale sandbox pointer not repaired: %q", updated.SandboxID)
	}
}

func TestHub_EnsureRefusesSuspended(t *testing.T) {
	row := starterRow()
	row.Status = types.SessionSuspended
	f := newFixture(t, row)

	if err := f.hub.EnsureRuntimeReady(context.Background()); !errors.Is(err, ErrSuspended) {
		t.Fatalf("err = %v, want ErrSuspended", err)
	}
	if got := f.provider.ensureCount(); got != 0 {
		t.Fatalf("EnsureSandbox called %d times for suspended session", got)
	}
}

func TestHub_PromptGate(t *testing.T) {
	f := newFixture(t, starterRow())
	ctx := context.Background()

	if err := f.hub.HandleCommand(ctx, types.Command{Type: types.CommandPrompt, Text: "hello"}); err != nil {
		t.Fatalf("first prompt: %v", err)
	}
	if got := f.agent.promptCount(); got != 1 {
		t.Fatalf("prompts = %d, want 1", got)
	}

	err := f.hub.HandleCommand(ctx, types.Command{Type: types.CommandPrompt, Text: "again"})
	if err == nil {
		t.Fatal("second prompt while in flight should fail")
	}

	// The turn completing reopens the gate.
	f.hub.emit(types.ClientEvent{Type: types.EventMessageComplete})
	waitFor(t, "prompt gate reopen", func() bool {
		f.hub.mu.Lock()
		defer f.hub.mu.Unlock()
		return !f.hub.promptInFlight
	})
	if err := f.hub.HandleCommand(ctx, types.Command{Type: types.CommandPrompt, Text: "next"}); err != nil {
		t.Fatalf("prompt after completion: %v", err)
	}
	if got := f.agent.promptCount(); got != 2 {
		t.Fatalf("prompts = %d, want 2", got)
	}
}

func TestHub_PromptErrorReopensGate(t *testing.T) {
	f := newFixture(t, starterRow())
	ctx := context.Background()

	f.agent.mu.Lock()
	f.agent.promptErr = errors.New("agent busy")
	f.agent.mu.Unlock()

	if err := f.hub.HandleCommand(ctx, types.Command{Type: types.CommandPrompt, Text: "hello"}); err == nil {
		t.Fatal("expected prompt error")
	}

	f.agent.mu.Lock()
	f.agent.promptErr = nil
	f.agent.mu.Unlock()
	if err := f.hub.HandleCommand(ctx, types.Command{Type: types.CommandPrompt, Text: "retry"}); err != nil {
		t.Fatalf("prompt after failed prompt: %v", err)
	}
}

func TestHub_GitCommand(t *testing.T) {
	f := newFixture(t, starterRow())
	f.provider.execResult = &types.ExecResult{ExitCode: 1, Stdout: "on branch main", Stderr: "warning"}

	ch, err := f.hub.Attach(16)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer f.hub.Detach(ch)

	cmd := types.Command{Type: types.CommandGit, ID: "cmd-7", Args: []string{"status", "--short"}}
	if err := f.hub.HandleCommand(context.Background(), cmd); err != nil {
		t.Fatalf("git command: %v", err)
	}

	f.provider.mu.Lock()
	argv := f.provider.execs[len(f.provider.execs)-1]
	f.provider.mu.Unlock()
	want := []string{"git", "status", "--short"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", argv, want)
		}
	}

	ev := waitEvent(t, ch, "git_result", func(ev types.ClientEvent) bool {
		return ev.Type == types.EventGitResult
	})
	if ev.Fields["exit_code"] != 1 {
		t.Fatalf("exit_code = %v, want 1", ev.Fields["exit_code"])
	}
	if ev.Fields["command_id"] != "cmd-7" {
		t.Fatalf("command_id = %v, want cmd-7", ev.Fields["command_id"])
	}
}

func TestHub_SaveSnapshotCommand(t *testing.T) {
	f := newFixture(t, starterRow())

	ch, err := f.hub.Attach(16)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer f.hub.Detach(ch)

	if err := f.hub.HandleCommand(context.Background(), types.Command{Type: types.CommandSaveSnapshot}); err != nil {
		t.Fatalf("save_snapshot: %v", err)
	}

	ev := waitEvent(t, ch, "snapshot_saved", func(ev types.ClientEvent) bool {
		return ev.Type == types.EventSnapshotSaved
	})
	snapID, _ := ev.Fields["snapshot_id"].(string)
	if snapID == "" {
		t.Fatalf("snapshot_saved missing id: %+v", ev.Fields)
	}
	if got := f.row(t).SnapshotID; got != snapID {
		t.Fatalf("row snapshot = %q, want %q", got, snapID)
	}
}

func TestHub_UnknownCommand(t *testing.T) {
	f := newFixture(t, starterRow())
	if err := f.hub.HandleCommand(context.Background(), types.Command{Type: "reboot"}); err == nil {
		t.Fatal("unknown command should fail")
	}
}

func TestHub_ReconnectBackoffThenGiveUp(t *testing.T) {
	orig := reconnectDelays
	reconnectDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { reconnectDelays = orig }()

	f := newFixture(t, starterRow())
	ch, err := f.hub.Attach(64)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer f.hub.Detach(ch)

	if err := f.hub.EnsureRuntimeReady(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	cfg := f.lastSSE(t)

	var attempts atomic.Int32
	f.mu.Lock()
	f.connectErr = func() error {
		attempts.Add(1)
		return errors.New("connection refused")
	}
	f.mu.Unlock()

	cfg.OnDisconnect("heartbeat timeout")

	waitEvent(t, ch, "error status after give-up", statusEvent(types.RuntimeError))
	if got := attempts.Load(); got != int32(len(reconnectDelays)) {
		t.Fatalf("reconnect attempts = %d, want %d", got, len(reconnectDelays))
	}
}

func TestHub_ReconnectRecovers(t *testing.T) {
	orig := reconnectDelays
	reconnectDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { reconnectDelays = orig }()

	f := newFixture(t, starterRow())
	if err := f.hub.EnsureRuntimeReady(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	cfg := f.lastSSE(t)

	var attempts atomic.Int32
	f.mu.Lock()
	f.connectErr = func() error {
		if attempts.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	f.mu.Unlock()

	cfg.OnDisconnect("read error")

	waitFor(t, "stream reconnect", func() bool {
		f.hub.mu.Lock()
		defer f.hub.mu.Unlock()
		return f.hub.stream != nil
	})
	if got := attempts.Load(); got != 3 {
		t.Fatalf("reconnect attempts = %d, want 3", got)
	}
	if f.hub.Status() == types.RuntimeError {
		t.Fatal("recovered stream should not leave error status")
	}
}

func TestHub_TerminateBillingSuspends(t *testing.T) {
	f := newFixture(t, starterRow())
	ctx := context.Background()

	if err := f.hub.EnsureRuntimeReady(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	sandboxID := f.row(t).SandboxID

	if err := f.hub.Terminate(ctx, types.ReasonBilling); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	row := f.row(t)
	if row.Status != types.SessionSuspended {
		t.Fatalf("status = %q, want suspended", row.Status)
	}
	if row.StopReason != types.ReasonBilling {
		t.Fatalf("stop reason = %q, want billing", row.StopReason)
	}
	if row.SandboxID != "" {
		t.Fatalf("sandbox pointer not cleared: %q", row.SandboxID)
	}

	f.provider.mu.Lock()
	terminated := len(f.provider.terminated) == 1 && f.provider.terminated[0] == sandboxID
	f.provider.mu.Unlock()
	if !terminated {
		t.Fatalf("sandbox %q not terminated", sandboxID)
	}

	if err := f.hub.EnsureRuntimeReady(ctx); !errors.Is(err, ErrSuspended) {
		t.Fatalf("ensure after suspend = %v, want ErrSuspended", err)
	}
}

func TestHub_PauseWithoutNativeSupportStops(t *testing.T) {
	f := newFixture(t, starterRow())
	ctx := context.Background()

	if err := f.hub.EnsureRuntimeReady(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := f.hub.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}

	row := f.row(t)
	if row.Status != types.SessionStopped {
		t.Fatalf("status = %q, want stopped", row.Status)
	}
	if row.SnapshotID == "" {
		t.Fatal("pause did not record a snapshot")
	}
	if row.SandboxID != "" {
		t.Fatalf("sandbox pointer not cleared: %q", row.SandboxID)
	}
}

func TestHub_PauseNativeKeepsSandbox(t *testing.T) {
	f := newFixture(t, starterRow())
	f.provider.caps = sandbox.Capabilities{Pause: true}
	ctx := context.Background()

	if err := f.hub.EnsureRuntimeReady(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	sandboxID := f.row(t).SandboxID

	if err := f.hub.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}

	row := f.row(t)
	if row.Status != types.SessionPaused {
		t.Fatalf("status = %q, want paused", row.Status)
	}
	if row.SandboxID != sandboxID {
		t.Fatalf("sandbox pointer = %q, want %q", row.SandboxID, sandboxID)
	}
	if row.PauseReason != types.ReasonManual {
		t.Fatalf("pause reason = %q, want manual", row.PauseReason)
	}

	// Resume recovers the paused sandbox in place.
	if err := f.hub.EnsureRuntimeReady(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed := f.row(t)
	if resumed.SandboxID != sandboxID {
		t.Fatalf("resume created %q, want recovery of %q", resumed.SandboxID, sandboxID)
	}
	if resumed.Status != types.SessionRunning {
		t.Fatalf("status = %q, want running", resumed.Status)
	}
}

func TestHub_AttachReplaysStatusAndCounts(t *testing.T) {
	f := newFixture(t, starterRow())

	ch, err := f.hub.Attach(16)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitEvent(t, ch, "replayed status", func(ev types.ClientEvent) bool {
		return ev.Type == types.EventStatus
	})
	if got := f.hub.Clients(); got != 1 {
		t.Fatalf("clients = %d, want 1", got)
	}

	f.hub.Detach(ch)
	if got := f.hub.Clients(); got != 0 {
		t.Fatalf("clients after detach = %d, want 0", got)
	}
}

func TestHub_ClosedRefusesWork(t *testing.T) {
	f := newFixture(t, starterRow())
	f.hub.Close()

	if _, err := f.hub.Attach(1); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("Attach after close = %v, want ErrHubClosed", err)
	}
	if err := f.hub.EnsureRuntimeReady(context.Background()); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("ensure after close = %v, want ErrHubClosed", err)
	}
}
