// Package session keeps coding-agent sessions continuous across sandbox
// restarts. A Hub owns one session's live state: the client roster, the
// agent's event stream, and the status machine. The runtime provisioning
// path revives sandboxes from snapshots, and the migration path moves a
// session onto a fresh sandbox before the platform reclaims the old one.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sandgate/sandgate/internal/agent"
	"github.com/sandgate/sandgate/internal/events"
	"github.com/sandgate/sandgate/internal/jobs"
	"github.com/sandgate/sandgate/internal/lock"
	"github.com/sandgate/sandgate/internal/metrics"
	"github.com/sandgate/sandgate/internal/prebuild"
	"github.com/sandgate/sandgate/internal/sandbox"
	"github.com/sandgate/sandgate/internal/secrets"
	"github.com/sandgate/sandgate/internal/store"
)

var (
	// ErrHubClosed is returned by operations on a hub after shutdown.
	ErrHubClosed = errors.New("session hub closed")

	// ErrSuspended means the session is under an operator or billing hold
	// and will not be revived.
	ErrSuspended = errors.New("session is suspended")

	// ErrNoSandbox is returned by Pause when the session has no live
	// sandbox to act on.
	ErrNoSandbox = errors.New("session has no live sandbox")
)

// AgentClient is the slice of the agent HTTP API the hub drives. The real
// implementation is agent.Client; tests substitute fakes.
type AgentClient interface {
	Health(ctx context.Context) error
	EventsURL() string
	CreateSession(ctx context.Context, opts agent.CreateSessionOpts) (string, error)
	VerifySession(ctx context.Context, id string) error
	Prompt(ctx context.Context, sessionID, text string) error
	Cancel(ctx context.Context, sessionID string) error
}

// StreamCloser is a live agent event stream. Close tears it down without
// firing the disconnect callback.
type StreamCloser interface {
	Close()
}

// Deps bundles the collaborators every hub shares. The zero value is not
// usable; the manager normalizes it once at construction.
type Deps struct {
	Store     store.SessionStore
	Events    store.EventStore // optional tee, may be nil
	Provider  sandbox.Provider
	Secrets   secrets.Resolver
	Prebuilds *prebuild.Registry
	Broker    *events.Broker
	Locker    lock.Locker
	Jobs      *jobs.Scheduler
	Metrics   *metrics.Collector
	Logger    *slog.Logger

	// HolderID identifies this process as a lock holder.
	HolderID string

	HeartbeatTimeout time.Duration
	ToolHeartbeat    time.Duration
	ExpiryGrace      time.Duration
	DrainTimeout     time.Duration
	LockTTL          time.Duration

	// NewAgent and ConnectSSE are replaceable in tests. Defaults wrap the
	// agent package.
	NewAgent   func(baseURL string) AgentClient
	ConnectSSE func(ctx context.Context, cfg agent.SSEConfig) (StreamCloser, error)
}

func (d Deps) normalized() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocal()
	}
	if d.Jobs == nil {
		d.Jobs = jobs.NewScheduler(d.Logger)
	}
	if d.Broker == nil {
		d.Broker = events.NewBroker()
	}
	if d.HolderID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "sandgate"
		}
		d.HolderID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if d.HeartbeatTimeout <= 0 {
		d.HeartbeatTimeout = 45 * time.Second
	}
	if d.ToolHeartbeat <= 0 {
		d.ToolHeartbeat = 15 * time.Second
	}
	if d.ExpiryGrace <= 0 {
		d.ExpiryGrace = 5 * time.Minute
	}
	if d.DrainTimeout <= 0 {
		d.DrainTimeout = 30 * time.Second
	}
	if d.LockTTL <= 0 {
		d.LockTTL = 60 * time.Second
	}
	if d.NewAgent == nil {
		d.NewAgent = func(baseURL string) AgentClient { return agent.NewClient(baseURL) }
	}
	if d.ConnectSSE == nil {
		d.ConnectSSE = func(ctx context.Context, cfg agent.SSEConfig) (StreamCloser, error) {
			return agent.ConnectSSE(ctx, cfg)
		}
	}
	return d
}

func migrationLockName(sessionID string) string {
	return "migrate:" + sessionID
}
