// Package postgres implements the migration lock as a lease row in the
// session_locks table, shared with the postgres session store. All deadlines
// use the database clock, so gateway hosts do not need synchronized clocks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sandgate/sandgate/internal/lock"
)

type Locker struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool, normally the one the postgres store owns.
func New(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// Acquire upserts the lease row. The conditional update only fires when the
// row is ours or already expired; otherwise no row comes back and the lock
// stays with its current holder.
func (l *Locker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (*lock.Lease, bool, error) {
	row := l.pool.QueryRow(ctx, `
		INSERT INTO session_locks(name, holder, token, expires_at)
		VALUES ($1, $2, 1, now() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE SET
			holder = EXCLUDED.holder,
			token = session_locks.token + 1,
			expires_at = EXCLUDED.expires_at
		WHERE session_locks.holder = EXCLUDED.holder
			OR session_locks.expires_at <= now()
		RETURNING token, expires_at`,
		name, holder, ttl.Seconds(),
	)

	var (
		token     int64
		expiresAt time.Time
	)
	if err := row.Scan(&token, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return &lock.Lease{Name: name, Holder: holder, Token: token, ExpiresAt: expiresAt}, true, nil
}

func (l *Locker) Release(ctx context.Context, name, holder string) error {
	_, err := l.pool.Exec(ctx,
		`DELETE FROM session_locks WHERE name = $1 AND holder = $2`,
		name, holder,
	)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

func (l *Locker) Held(ctx context.Context, name string) (bool, error) {
	var held bool
	err := l.pool.QueryRow(ctx,
		`SELECT expires_at > now() FROM session_locks WHERE name = $1`,
		name,
	).Scan(&held)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", name, err)
	}
	return held, nil
}
