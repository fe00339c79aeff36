// Package sandbox abstracts the remote container platform that hosts the
// coding agent. A Provider owns sandbox lifecycle (create, snapshot, pause,
// terminate), tunnel resolution and in-sandbox command execution. Session
// durability and migration are layered on top by the session runtime.
package sandbox

import (
	"context"
	"time"

	"github.com/sandgate/sandgate/pkg/types"
)

// Capabilities describes optional backend features the runtime adapts to.
type Capabilities struct {
	// Pause means the backend can freeze a sandbox in place and resume it
	// later without a snapshot restore.
	Pause bool

	// AutoPause means the backend pauses idle sandboxes on its own.
	AutoPause bool
}

// EnsureOpts drives EnsureSandbox. CurrentSandboxID may point at a dead
// sandbox; the provider probes it and falls through to a fresh create.
type EnsureOpts struct {
	SessionID        string
	CurrentSandboxID string
	SnapshotID       string

	Create CreateOpts
}

// CreateOpts carries everything a fresh sandbox needs. Env and Files are
// injected during essential (blocking) setup; ServiceCommands are started
// fire-and-forget afterwards and their failures never fail the create.
type CreateOpts struct {
	SessionID  string
	SnapshotID string
	PrebuildID string

	Env   map[string]string
	Files map[string]string

	ServiceCommands [][]string
}

// Sandbox is the result of EnsureSandbox/CreateSandbox.
type Sandbox struct {
	ID          string
	AgentURL    string
	PreviewURL  string
	SSHEndpoint string
	ExpiresAt   time.Time

	// Recovered is true when an existing live sandbox was reused instead of
	// creating a new one.
	Recovered bool
}

type ExecOpts struct {
	WorkingDir string
	Env        map[string]string
	Timeout    time.Duration
}

// Provider is implemented once per cloud backend and resolved by config at
// process start.
type Provider interface {
	Name() string
	Capabilities() Capabilities

	// EnsureSandbox returns a live sandbox for the session, reusing the
	// current one when it is still alive and otherwise creating fresh from
	// the given snapshot.
	EnsureSandbox(ctx context.Context, opts EnsureOpts) (*Sandbox, error)

	// CreateSandbox always provisions a new sandbox: resolves snapshot
	// layering, starts the container, waits for tunnels, injects
	// configuration and starts the agent process.
	CreateSandbox(ctx context.Context, opts CreateOpts) (*Sandbox, error)

	// Snapshot freezes the sandbox filesystem and returns an opaque
	// snapshot id. The sandbox may be stopped by the time it returns.
	Snapshot(ctx context.Context, sessionID, sandboxID string) (string, error)

	// Pause snapshots and then stops the sandbox, natively when the
	// backend supports it and by termination otherwise. It returns the
	// snapshot id taken before stopping.
	Pause(ctx context.Context, sessionID, sandboxID string) (string, error)

	// Terminate is best-effort: an already-gone sandbox is not an error,
	// and callers treat any returned error as log-only.
	Terminate(ctx context.Context, sessionID, sandboxID string) error

	// ExecCommand runs argv inside the sandbox. A non-zero exit code is
	// reported in the result, never as an error.
	ExecCommand(ctx context.Context, sandboxID string, argv []string, opts ExecOpts) (*types.ExecResult, error)

	// CheckSandboxes probes the given ids and returns the subset that is
	// still alive.
	CheckSandboxes(ctx context.Context, ids []string) ([]string, error)
}
