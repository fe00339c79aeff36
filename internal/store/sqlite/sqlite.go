package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sandgate/sandgate/internal/store"
	"github.com/sandgate/sandgate/pkg/types"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
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
			automation INTEGER NOT NULL DEFAULT 0,
			pause_reason TEXT,
			stop_reason TEXT,
			sandbox_expires_ns INTEGER,
			created_ns INTEGER NOT NULL,
			updated_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			message_id TEXT,
			part_id TEXT,
			tool TEXT,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts_unix_ns);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(
			id, owner, title, status, provider,
			sandbox_id, snapshot_id, agent_session_id, agent_url, preview_url, ssh_endpoint,
			repo_url, branch, prebuild_id, automation,
			pause_reason, stop_reason, sandbox_expires_ns, created_ns, updated_ns
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);`,
		sess.ID,
		sess.Owner,
		nullable(sess.Title),
		string(sess.Status),
		nullable(sess.Provider),
		nullable(sess.SandboxID),
		nullable(sess.SnapshotID),
		nullable(sess.AgentSessionID),
		nullable(sess.AgentURL),
		nullable(sess.PreviewURL),
		nullable(sess.SSHEndpoint),
		nullable(sess.RepoURL),
		nullable(sess.Branch),
		nullable(sess.PrebuildID),
		boolToInt(sess.Automation),
		nullable(string(sess.PauseReason)),
		nullable(string(sess.StopReason)),
		nullableTime(sess.SandboxExpiresAt),
		sess.CreatedAt.UnixNano(),
		sess.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, owner, title, status, provider,
	sandbox_id, snapshot_id, agent_session_id, agent_url, preview_url, ssh_endpoint,
	repo_url, branch, prebuild_id, automation,
	pause_reason, stop_reason, sandbox_expires_ns, created_ns, updated_ns`

func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, q types.SessionQuery) ([]*types.Session, error) {
	where := []string{"1=1"}
	var args []any
	if q.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, q.Owner)
	}
	if len(q.Statuses) > 0 {
		place := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			place = append(place, "?")
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(place, ",")+")")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+strings.Join(where, " AND ")+` ORDER BY created_ns DESC`,
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			owner = ?, title = ?, status = ?, provider = ?,
			sandbox_id = ?, snapshot_id = ?, agent_session_id = ?, agent_url = ?, preview_url = ?, ssh_endpoint = ?,
			repo_url = ?, branch = ?, prebuild_id = ?, automation = ?,
			pause_reason = ?, stop_reason = ?, sandbox_expires_ns = ?, updated_ns = ?
		WHERE id = ?`,
		sess.Owner,
		nullable(sess.Title),
		string(sess.Status),
		nullable(sess.Provider),
		nullable(sess.SandboxID),
		nullable(sess.SnapshotID),
		nullable(sess.AgentSessionID),
		nullable(sess.AgentURL),
		nullable(sess.PreviewURL),
		nullable(sess.SSHEndpoint),
		nullable(sess.RepoURL),
		nullable(sess.Branch),
		nullable(sess.PrebuildID),
		boolToInt(sess.Automation),
		nullable(string(sess.PauseReason)),
		nullable(string(sess.StopReason)),
		nullableTime(sess.SandboxExpiresAt),
		sess.UpdatedAt.UnixNano(),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status types.SessionStatus, reason types.Reason) error {
	set := "status = ?, updated_ns = ?"
	args := []any{string(status), time.Now().UTC().UnixNano()}
	switch status {
	case types.SessionPaused:
		set += ", pause_reason = ?"
		args = append(args, nullable(string(reason)))
	case types.SessionStopped, types.SessionSuspended:
		set += ", stop_reason = ?"
		args = append(args, nullable(string(reason)))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) UpdateSnapshot(ctx context.Context, id, snapshotID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET snapshot_id = ?, updated_ns = ? WHERE id = ?`,
		snapshotID, time.Now().UTC().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return affectedOrNotFound(res)
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events(event_id, ts_unix_ns, session_id, type, message_id, part_id, tool, payload_json)
		VALUES(?,?,?,?,?,?,?,?);`,
		ev.ID,
		ev.Timestamp.UTC().UnixNano(),
		ev.SessionID,
		ev.Type,
		nullable(ev.MessageID),
		nullable(ev.PartID),
		nullable(ev.Tool),
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.ClientEvent, error) {
	where := []string{"1=1"}
	var args []any

	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if len(q.Types) > 0 {
		place := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			place = append(place, "?")
			args = append(args, t)
		}
		where = append(where, "type IN ("+strings.Join(place, ",")+")")
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
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

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM events WHERE `+strings.Join(where, " AND ")+` ORDER BY ts_unix_ns `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.ClientEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev types.ClientEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		sess                        types.Session
		title, provider             sql.NullString
		sandboxID, snapshotID       sql.NullString
		agentSessionID, agentURL    sql.NullString
		previewURL, sshEndpoint     sql.NullString
		repoURL, branch, prebuildID sql.NullString
		pauseReason, stopReason     sql.NullString
		automation                  int
		expiresNs                   sql.NullInt64
		createdNs, updatedNs        int64
	)
	err := row.Scan(
		&sess.ID, &sess.Owner, &title, &sess.Status, &provider,
		&sandboxID, &snapshotID, &agentSessionID, &agentURL, &previewURL, &sshEndpoint,
		&repoURL, &branch, &prebuildID, &automation,
		&pauseReason, &stopReason, &expiresNs, &createdNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}
	sess.Title = title.String
	sess.Provider = provider.String
	sess.SandboxID = sandboxID.String
	sess.SnapshotID = snapshotID.String
	sess.AgentSessionID = agentSessionID.String
	sess.AgentURL = agentURL.String
	sess.PreviewURL = previewURL.String
	sess.SSHEndpoint = sshEndpoint.String
	sess.RepoURL = repoURL.String
	sess.Branch = branch.String
	sess.PrebuildID = prebuildID.String
	sess.Automation = automation != 0
	sess.PauseReason = types.Reason(pauseReason.String)
	sess.StopReason = types.Reason(stopReason.String)
	if expiresNs.Valid {
		t := time.Unix(0, expiresNs.Int64).UTC()
		sess.SandboxExpiresAt = &t
	}
	sess.CreatedAt = time.Unix(0, createdNs).UTC()
	sess.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return &sess, nil
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
