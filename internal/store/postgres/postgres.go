// Package postgres backs the session and event stores with PostgreSQL for
// multi-replica gateways, where sqlite's single-writer model does not hold.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sandgate/sandgate/internal/store"
	"github.com/sandgate/sandgate/pkg/types"
)

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying connection pool so collaborators that need
// raw access (the lease lock) can share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			title TEXT,
			status TEXT NOT NULL,
			provider TEXT,
			sandbox_id TEXT,
			snapshot_id TEXT,
			agent_session_id TEXT,
			agent_url TEXT,
			preview_url TEXT,
			ssh_endpoint TEXT,
			repo_url TEXT,
			branch TEXT,
			prebuild_id TEXT,
			automation BOOLEAN NOT NULL DEFAULT FALSE,
			pause_reason TEXT,
			stop_reason TEXT,
			sandbox_expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			message_id TEXT,
			part_id TEXT,
			tool TEXT,
			payload JSONB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts);`,
		`CREATE TABLE IF NOT EXISTS session_locks (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			token BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session missing id")
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions(
			id, owner, title, status, provider,
			sandbox_id, snapshot_id, agent_session_id, agent_url, preview_url, ssh_endpoint,
			repo_url, branch, prebuild_id, automation,
			pause_reason, stop_reason, sandbox_expires_at, created_at, updated_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		sess.ID, sess.Owner, sess.Title, string(sess.Status), sess.Provider,
		sess.SandboxID, sess.SnapshotID, sess.AgentSessionID, sess.AgentURL, sess.PreviewURL, sess.SSHEndpoint,
		sess.RepoURL, sess.Branch, sess.PrebuildID, sess.Automation,
		string(sess.PauseReason), string(sess.StopReason), sess.SandboxExpiresAt, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, owner, title, status, provider,
	sandbox_id, snapshot_id, agent_session_id, agent_url, preview_url, ssh_endpoint,
	repo_url, branch, prebuild_id, automation,
	pause_reason, stop_reason, sandbox_expires_at, created_at, updated_at`

func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, q types.SessionQuery) ([]*types.Session, error) {
	where := []string{"TRUE"}
	var args []any
	if q.Owner != "" {
		args = append(args, q.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if len(q.Statuses) > 0 {
		place := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			args = append(args, string(st))
			place = append(place, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "status IN ("+strings.Join(place, ",")+")")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSession(ctx context.Context, sess *types.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			owner = $1, title = $2, status = $3, provider = $4,
			sandbox_id = $5, snapshot_id = $6, agent_session_id = $7, agent_url = $8, preview_url = $9, ssh_endpoint = $10,
			repo_url = $11, branch = $12, prebuild_id = $13, automation = $14,
			pause_reason = $15, stop_reason = $16, sandbox_expires_at = $17, updated_at = $18
		WHERE id = $19`,
		sess.Owner, sess.Title, string(sess.Status), sess.Provider,
		sess.SandboxID, sess.SnapshotID, sess.AgentSessionID, sess.AgentURL, sess.PreviewURL, sess.SSHEndpoint,
		sess.RepoURL, sess.Branch, sess.PrebuildID, sess.Automation,
		string(sess.PauseReason), string(sess.StopReason), sess.SandboxExpiresAt, sess.UpdatedAt,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status types.SessionStatus, reason types.Reason) error {
	set := "status = $1, updated_at = $2"
	args := []any{string(status), time.Now().UTC()}
	switch status {
	case types.SessionPaused:
		args = append(args, string(reason))
		set += fmt.Sprintf(", pause_reason = $%d", len(args))
	case types.SessionStopped, types.SessionSuspended:
		args = append(args, string(reason))
		set += fmt.Sprintf(", stop_reason = $%d", len(args))
	}
	args = append(args, id)

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE sessions SET %s WHERE id = $%d`, set, len(args)), args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSnapshot(ctx context.Context, id, snapshotID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET snapshot_id = $1, updated_at = $2 WHERE id = $3`,
		snapshotID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev types.ClientEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events(event_id, ts, session_id, type, message_id, part_id, tool, payload)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.ID, ev.Timestamp.UTC(), ev.SessionID, ev.Type, ev.MessageID, ev.PartID, ev.Tool, b,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.ClientEvent, error) {
	where := []string{"TRUE"}
	var args []any

	if q.SessionID != "" {
		args = append(args, q.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if len(q.Types) > 0 {
		place := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			args = append(args, t)
			place = append(place, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "type IN ("+strings.Join(place, ",")+")")
	}
	if q.Since != nil {
		args = append(args, q.Since.UTC())
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if q.Until != nil {
		args = append(args, q.Until.UTC())
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT payload FROM events WHERE %s ORDER BY ts %s LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), order, len(args)-1, len(args),
	), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.ClientEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev types.ClientEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*types.Session, error) {
	var (
		sess                    types.Session
		status                  string
		pauseReason, stopReason string
		expiresAt               *time.Time
	)
	err := row.Scan(
		&sess.ID, &sess.Owner, &sess.Title, &status, &sess.Provider,
		&sess.SandboxID, &sess.SnapshotID, &sess.AgentSessionID, &sess.AgentURL, &sess.PreviewURL, &sess.SSHEndpoint,
		&sess.RepoURL, &sess.Branch, &sess.PrebuildID, &sess.Automation,
		&pauseReason, &stopReason, &expiresAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = types.SessionStatus(status)
	sess.PauseReason = types.Reason(pauseReason)
	sess.StopReason = types.Reason(stopReason)
	sess.SandboxExpiresAt = expiresAt
	return &sess, nil
}
