package agent

import "encoding/json"

// Wire event types emitted by the in-sandbox agent on its event stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventSessionError       = "session.error"
	EventServerConnected    = "server.connected"
	EventServerHeartbeat    = "server.heartbeat"
)

// Part types inside message.part.updated.
const (
	PartText = "text"
	PartTool = "tool"
)

// Tool call states reported by the agent.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// Event is the envelope for every frame on the agent's event stream. The
// agent speaks camelCase JSON; properties are decoded lazily by type.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
}

type MessageUpdated struct {
	Info MessageInfo `json:"info"`
}

type ToolTime struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

type ToolState struct {
	Status string         `json:"status"`
	Title  string         `json:"title,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	Time   *ToolTime      `json:"time,omitempty"`
}

// Part is one fragment of an in-progress message. Text parts stream
// cumulative text and carry an end time once finished; tool parts carry
// the call's lifecycle in State.
type Part struct {
	ID        string     `json:"id"`
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	Time      *ToolTime  `json:"time,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

type MessagePartUpdated struct {
	Part Part `json:"part"`
}

type SessionIdle struct {
	SessionID string `json:"sessionID"`
}

type SessionStatus struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"status"`
}

type ErrorInfo struct {
	Name string `json:"name"`
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
}

type SessionError struct {
	SessionID string     `json:"sessionID"`
	Error     *ErrorInfo `json:"error"`
}
