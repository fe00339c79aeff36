package lock

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	holder    string
	token     int64
	expiresAt time.Time
}

// Local is an in-process Locker for single-gateway deployments. All state
// lives in memory; it provides mutual exclusion between goroutines of one
// process only.
type Local struct {
	mu        sync.Mutex
	entries   map[string]localEntry
	nextToken int64

	// now is replaceable in tests.
	now func() time.Time
}

func NewLocal() *Local {
	return &Local{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

func (l *Local) Acquire(_ context.Context, name, holder string, ttl time.Duration) (*Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[name]; ok && e.expiresAt.After(now) && e.holder != holder {
		return nil, false, nil
	}

	l.nextToken++
	e := localEntry{holder: holder, token: l.nextToken, expiresAt: now.Add(ttl)}
	l.entries[name] = e
	return &Lease{Name: name, Holder: holder, Token: e.token, ExpiresAt: e.expiresAt}, true, nil
}

func (l *Local) Release(_ context.Context, name, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[name]; ok && e.holder == holder {
		delete(l.entries, name)
	}
	return nil
}

func (l *Local) Held(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[name]
	if !ok {
		return false, nil
	}
	if !e.expiresAt.After(l.now()) {
		delete(l.entries, name)
		return false, nil
	}
	return true, nil
}
