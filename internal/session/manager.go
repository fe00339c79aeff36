package session

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/sandgate/sandgate/internal/billing"
	"github.com/sandgate/sandgate/pkg/types"
)

// HubManager hands out at most one hub per session. Hubs are created on
// demand and live until the session is deleted or the manager shuts down.
type HubManager struct {
	deps Deps

	mu     sync.Mutex
	hubs   map[string]*Hub
	closed bool
}

func NewManager(deps Deps) *HubManager {
	return &HubManager{
		deps: deps.normalized(),
		hubs: map[string]*Hub{},
	}
}

// GetOrCreate returns the hub for a session, creating it if the session
// row exists. Concurrent calls for the same id share one hub.
func (m *HubManager) GetOrCreate(ctx context.Context, id string) (*Hub, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrHubClosed
	}
	if h, ok := m.hubs[id]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	// Row lookup happens outside the lock; a racing creator may win, in
	// which case ours is never registered.
	row, err := m.deps.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrHubClosed
	}
	if h, ok := m.hubs[id]; ok {
		return h, nil
	}
	h := newHub(id, initialRuntimeStatus(row.Status), m.deps)
	m.hubs[id] = h
	return h, nil
}

// Get returns the hub only if it already exists.
func (m *HubManager) Get(id string) (*Hub, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hubs[id]
	return h, ok
}

func (m *HubManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}

// Remove closes and forgets a hub, for session deletion. The sandbox is
// not touched; callers terminate first when they mean it.
func (m *HubManager) Remove(id string) {
	m.mu.Lock()
	h, ok := m.hubs[id]
	delete(m.hubs, id)
	m.mu.Unlock()
	if ok {
		h.Close()
	}
}

// TerminateOwner suspends every active session of one owner. It is the
// enforcement half of billing denial: new sessions are refused at create,
// existing ones are swept here.
func (m *HubManager) TerminateOwner(ctx context.Context, owner string) (int, error) {
	rows, err := billing.ActiveSessions(ctx, m.deps.Store, owner)
	if err != nil {
		return 0, err
	}

	var terminated atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, row := range rows {
		g.Go(func() error {
			hub, err := m.GetOrCreate(ctx, row.ID)
			if err != nil {
				return err
			}
			if err := hub.Terminate(ctx, types.ReasonBilling); err != nil {
				return err
			}
			terminated.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(terminated.Load()), err
}

// Shutdown closes every hub. Sandboxes are left running so sessions pick
// up where they were after a gateway restart.
func (m *HubManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		hubs = append(hubs, h)
	}
	m.hubs = map[string]*Hub{}
	m.mu.Unlock()

	for _, h := range hubs {
		h.Close()
	}
}
