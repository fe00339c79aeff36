package types

import "time"

// RuntimeStatus is the value broadcast to clients on every hub transition.
type RuntimeStatus string

const (
	RuntimeCreating  RuntimeStatus = "creating"
	RuntimeResuming  RuntimeStatus = "resuming"
	RuntimeRunning   RuntimeStatus = "running"
	RuntimePaused    RuntimeStatus = "paused"
	RuntimeStopped   RuntimeStatus = "stopped"
	RuntimeError     RuntimeStatus = "error"
	RuntimeMigrating RuntimeStatus = "migrating"
)

// Client event types, in roughly the order they appear within one turn.
const (
	EventMessage          = "message"
	EventToken            = "token"
	EventTextPartComplete = "text_part_complete"
	EventToolStart        = "tool_start"
	EventToolMetadata     = "tool_metadata"
	EventToolEnd          = "tool_end"
	EventMessageComplete  = "message_complete"
	EventError            = "error"
	EventStatus           = "status"

	// Command responses outside the turn stream.
	EventGitResult     = "git_result"
	EventSnapshotSaved = "snapshot_saved"
)

// ClientEvent is one item of the ordered stream a connected client receives.
// Which fields are set depends on Type; Fields carries anything structured
// that has no dedicated column.
type ClientEvent struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`

	MessageID string `json:"message_id,omitempty"`
	PartID    string `json:"part_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Status    string `json:"status,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

type EventQuery struct {
	SessionID string
	Types     []string
	Since     *time.Time
	Until     *time.Time

	Limit  int
	Offset int
	Asc    bool
}

// Command is an inbound client instruction routed by the hub.
type Command struct {
	Type string   `json:"type"`
	ID   string   `json:"id,omitempty"`
	Text string   `json:"text,omitempty"`
	Args []string `json:"args,omitempty"`
}

const (
	CommandPrompt       = "prompt"
	CommandCancel       = "cancel"
	CommandGit          = "git"
	CommandSaveSnapshot = "save_snapshot"
)
