package types

import "time"

type SessionStatus string

const (
	SessionStarting  SessionStatus = "starting"  // Sandbox provisioning in progress
	SessionRunning   SessionStatus = "running"   // Live sandbox, agent reachable
	SessionPaused    SessionStatus = "paused"    // Provider-level pause, resumable in place
	SessionSuspended SessionStatus = "suspended" // Operator or billing hold, resume refused
	SessionStopped   SessionStatus = "stopped"   // No sandbox; snapshot is the source of truth
)

// IsActive reports whether a live sandbox is expected to back the session.
func (s SessionStatus) IsActive() bool {
	switch s {
	case SessionStarting, SessionRunning:
		return true
	default:
		return false
	}
}

// Resumable reports whether the runtime may revive the session on the next
// client attach.
func (s SessionStatus) Resumable() bool {
	switch s {
	case SessionPaused, SessionStopped:
		return true
	default:
		return false
	}
}

// Reason records why a session was paused or stopped.
type Reason string

const (
	ReasonExpiry  Reason = "sandbox_expiry"
	ReasonManual  Reason = "manual"
	ReasonBilling Reason = "billing"
	ReasonIdle    Reason = "idle"
	ReasonError   Reason = "error"
)

type Session struct {
	ID             string        `json:"id"`
	Owner          string        `json:"owner,omitempty"`
	Title          string        `json:"title,omitempty"`
	Status         SessionStatus `json:"status"`
	Provider       string        `json:"provider,omitempty"`
	SandboxID      string        `json:"sandbox_id,omitempty"`
	SnapshotID     string        `json:"snapshot_id,omitempty"`
	AgentSessionID string        `json:"agent_session_id,omitempty"`
	AgentURL       string        `json:"agent_url,omitempty"`
	PreviewURL     string        `json:"preview_url,omitempty"`
	SSHEndpoint    string        `json:"ssh_endpoint,omitempty"`
	RepoURL        string        `json:"repo_url,omitempty"`
	Branch         string        `json:"branch,omitempty"`
	PrebuildID     string        `json:"prebuild_id,omitempty"`

	// Automation sessions stay online without interactive clients.
	Automation bool `json:"automation,omitempty"`

	PauseReason Reason `json:"pause_reason,omitempty"`
	StopReason  Reason `json:"stop_reason,omitempty"`

	SandboxExpiresAt *time.Time `json:"sandbox_expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SessionQuery filters ListSessions; zero value means everything.
type SessionQuery struct {
	Owner    string
	Statuses []SessionStatus
}

type CreateSessionRequest struct {
	ID         string `json:"id,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Title      string `json:"title,omitempty"`
	RepoURL    string `json:"repo_url,omitempty"`
	Branch     string `json:"branch,omitempty"`
	PrebuildID string `json:"prebuild_id,omitempty"`
	Automation bool   `json:"automation,omitempty"`
}
