// Package lock coordinates migration and cold-start work on the same session
// across gateway processes. Locks are leases: a holder that dies stops
// renewing and the lease expires, so another process can take over.
package lock

import (
	"context"
	"time"
)

// Lease describes a held lock. Token increases on every acquisition, so a
// collaborator can fence out writes from a holder whose lease already lapsed.
type Lease struct {
	Name      string
	Holder    string
	Token     int64
	ExpiresAt time.Time
}

// Locker is the lease interface. Acquire is non-blocking: ok reports whether
// the caller now holds the lock. A holder re-acquiring its own live lease
// extends it.
type Locker interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (lease *Lease, ok bool, err error)
	Release(ctx context.Context, name, holder string) error
	Held(ctx context.Context, name string) (bool, error)
}

// Wait blocks until the named lock is free, polling at a fixed interval. It
// does not acquire the lock; callers that need it still race for Acquire.
func Wait(ctx context.Context, l Locker, name string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		held, err := l.Held(ctx, name)
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
