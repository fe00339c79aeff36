package events

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandgate/sandgate/internal/agent"
	"github.com/sandgate/sandgate/pkg/types"
)

// Processor translates the agent's raw event stream into client events.
// The agent delivers at least once and in order; the processor owns all
// per-turn bookkeeping needed to make the client stream exactly-once:
//
//   - The first message after a prompt is the echo of the user's own
//     message. Its id is remembered and everything about it is dropped.
//   - One assistant message id slot per turn. The `message` event fires
//     when the slot is first filled, by whichever arrives first of a
//     role=assistant update or an assistant part.
//   - Tool lifecycle events are deduplicated by (part id, phase) where
//     phase is start, args or end. Completion is terminal and sticky.
//   - `message_complete` waits for idle AND for every tool to leave the
//     running state; idle routinely races ahead of a slow tool result.
//   - After a turn with tool calls the slot is cleared so the next turn
//     gets a fresh id. After a text-only turn it is retained, because the
//     agent keeps re-announcing the finished message on idle chatter and
//     each re-announcement must not become a duplicate `message`.
//
// ResetForNewPrompt must be called exactly once per dispatched user prompt.
type Processor struct {
	sessionID string
	threshold time.Duration
	emit      func(types.ClientEvent)
	logger    *slog.Logger
	now       func() time.Time

	mu               sync.Mutex
	firstMessageID   string
	currentMessageID string
	lastCompletedID  string
	turnHadTools     bool
	idle             bool
	completed        bool
	emitted          map[string]bool
	tools            map[string]*toolTrack
	textSeen         map[string]int
}

type toolTrack struct {
	partID    string
	tool      string
	status    string
	lastEvent time.Time
	lastBeat  time.Time
}

func NewProcessor(sessionID string, toolHeartbeat time.Duration, emit func(types.ClientEvent), logger *slog.Logger) *Processor {
	if toolHeartbeat <= 0 {
		toolHeartbeat = 15 * time.Second
	}
	if emit == nil {
		emit = func(types.ClientEvent) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		sessionID: sessionID,
		threshold: toolHeartbeat,
		emit:      emit,
		logger:    logger,
		now:       time.Now,
		emitted:   make(map[string]bool),
		tools:     make(map[string]*toolTrack),
		textSeen:  make(map[string]int),
	}
}

// ResetForNewPrompt clears all per-turn state. The owner calls it exactly
// once per user prompt, before the prompt is dispatched to the agent.
func (p *Processor) ResetForNewPrompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.firstMessageID = ""
	p.currentMessageID = ""
	p.lastCompletedID = ""
	p.turnHadTools = false
	p.idle = false
	p.completed = false
	p.emitted = make(map[string]bool)
	p.tools = make(map[string]*toolTrack)
	p.textSeen = make(map[string]int)
}

// Completed reports whether the current turn has broadcast message_complete.
func (p *Processor) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// RunningTools counts tool calls not yet in a terminal state.
func (p *Processor) RunningTools() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tr := range p.tools {
		if !terminalTool(tr.status) {
			n++
		}
	}
	return n
}

// HandleEvent consumes one agent event. Events are processed strictly in
// call order; the caller must not invoke it concurrently for one session.
func (p *Processor) HandleEvent(ev agent.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case agent.EventMessageUpdated:
		var mu agent.MessageUpdated
		if !p.decode(ev, &mu) {
			return
		}
		p.handleMessageUpdated(mu.Info)
	case agent.EventMessagePartUpdated:
		var pu agent.MessagePartUpdated
		if !p.decode(ev, &pu) {
			return
		}
		p.handlePart(pu.Part)
	case agent.EventSessionIdle:
		p.idle = true
		p.maybeComplete()
	case agent.EventSessionStatus:
		var ss agent.SessionStatus
		if !p.decode(ev, &ss) {
			return
		}
		p.emitEvent(types.ClientEvent{Type: types.EventStatus, Status: ss.Status})
		if ss.Status == "idle" {
			p.idle = true
			p.maybeComplete()
		}
	case agent.EventSessionError:
		var se agent.SessionError
		if !p.decode(ev, &se) {
			return
		}
		p.handleError(se.Error)
	case agent.EventServerConnected, agent.EventServerHeartbeat:
		// Connection bookkeeping, nothing for clients.
	default:
		p.logger.Debug("ignoring agent event", "session_id", p.sessionID, "type", ev.Type)
	}

	p.toolHeartbeat()
}

func (p *Processor) decode(ev agent.Event, out any) bool {
	if err := json.Unmarshal(ev.Properties, out); err != nil {
		p.logger.Debug("malformed agent event",
			"session_id", p.sessionID, "type", ev.Type, "error", err)
		return false
	}
	return true
}

func (p *Processor) handleMessageUpdated(info agent.MessageInfo) {
	if info.ID == "" {
		return
	}
	if info.Role == "assistant" {
		p.ensureMessage(info.ID)
		return
	}
	// The first non-assistant message after a reset is the echoed prompt.
	if p.firstMessageID == "" && p.currentMessageID == "" {
		p.firstMessageID = info.ID
	}
}

func (p *Processor) handlePart(part agent.Part) {
	if part.MessageID != "" && part.MessageID == p.firstMessageID {
		return
	}
	switch part.Type {
	case agent.PartText:
		// A text part arriving before any message.updated belongs to the
		// echoed prompt; tool parts never do.
		if p.firstMessageID == "" && p.currentMessageID == "" {
			p.firstMessageID = part.MessageID
			return
		}
		p.handleTextPart(part)
	case agent.PartTool:
		p.handleToolPart(part)
	default:
		// step markers and other part types carry nothing for clients
	}
}

func (p *Processor) handleTextPart(part agent.Part) {
	p.ensureMessage(part.MessageID)

	// Text is cumulative; emit only the unseen suffix.
	if prev := p.textSeen[part.ID]; len(part.Text) > prev {
		p.textSeen[part.ID] = len(part.Text)
		p.emitEvent(types.ClientEvent{
			Type:      types.EventToken,
			MessageID: part.MessageID,
			PartID:    part.ID,
			Delta:     part.Text[prev:],
		})
	}

	if part.Time != nil && part.Time.End > 0 && !p.emitted[part.ID+"|text_end"] {
		p.emitted[part.ID+"|text_end"] = true
		p.emitEvent(types.ClientEvent{
			Type:      types.EventTextPartComplete,
			MessageID: part.MessageID,
			PartID:    part.ID,
			Text:      part.Text,
		})
	}
}

func (p *Processor) handleToolPart(part agent.Part) {
	state := part.State
	if state == nil {
		return
	}
	p.ensureMessage(part.MessageID)

	tr := p.tools[part.ID]
	if tr == nil {
		tr = &toolTrack{partID: part.ID, tool: part.Tool}
		p.tools[part.ID] = tr
		p.turnHadTools = true
	}
	tr.lastEvent = p.now()
	// Terminal states are sticky: a stale running update replayed after
	// completion must not resurrect the tool and block the turn.
	if !terminalTool(tr.status) {
		tr.status = state.Status
	}

	if !p.emitted[part.ID+"|start"] {
		p.emitted[part.ID+"|start"] = true
		p.emitEvent(types.ClientEvent{
			Type:      types.EventToolStart,
			MessageID: part.MessageID,
			PartID:    part.ID,
			Tool:      part.Tool,
			Status:    state.Status,
		})
	}

	if len(state.Input) > 0 && !p.emitted[part.ID+"|args"] {
		p.emitted[part.ID+"|args"] = true
		fields := map[string]any{"input": state.Input}
		if state.Title != "" {
			fields["title"] = state.Title
		}
		p.emitEvent(types.ClientEvent{
			Type:      types.EventToolMetadata,
			MessageID: part.MessageID,
			PartID:    part.ID,
			Tool:      part.Tool,
			Fields:    fields,
		})
	}

	if terminalTool(state.Status) && !p.emitted[part.ID+"|end"] {
		p.emitted[part.ID+"|end"] = true
		tr.status = state.Status
		ev := types.ClientEvent{
			Type:      types.EventToolEnd,
			MessageID: part.MessageID,
			PartID:    part.ID,
			Tool:      part.Tool,
			Status:    state.Status,
			Text:      state.Output,
		}
		if state.Error != "" {
			ev.Message = state.Error
		}
		p.emitEvent(ev)
		p.maybeComplete()
	}
}

func (p *Processor) handleError(info *agent.ErrorInfo) {
	if info == nil {
		return
	}
	name, msg := info.Name, info.Data.Message
	if isAbortError(name, msg) {
		// The expected tail of an explicit cancel; not a user-facing error.
		p.logger.Debug("suppressed abort error", "session_id", p.sessionID, "error_name", name)
		return
	}
	if msg == "" {
		msg = name
	}
	p.emitEvent(types.ClientEvent{
		Type:    types.EventError,
		Message: msg,
		Fields:  map[string]any{"name": name},
	})
}

// ensureMessage fills the assistant slot and broadcasts `message` the first
// time, and only the first time, an assistant message shows up in a turn.
func (p *Processor) ensureMessage(msgID string) {
	if msgID == "" || msgID == p.firstMessageID || msgID == p.lastCompletedID {
		return
	}
	if p.currentMessageID != "" {
		return
	}
	p.currentMessageID = msgID
	p.emitEvent(types.ClientEvent{
		Type:      types.EventMessage,
		MessageID: msgID,
		Role:      "assistant",
	})
}

func (p *Processor) maybeComplete() {
	if p.completed || !p.idle {
		return
	}
	for _, tr := range p.tools {
		if !terminalTool(tr.status) {
			return
		}
	}
	p.completed = true
	p.emitEvent(types.ClientEvent{
		Type:      types.EventMessageComplete,
		MessageID: p.currentMessageID,
	})
	if p.turnHadTools {
		p.lastCompletedID = p.currentMessageID
		p.currentMessageID = ""
	}
}

// toolHeartbeat runs opportunistically after every processed event and
// emits a synthetic running status for tools silent past the threshold,
// at most once per tool per threshold window.
func (p *Processor) toolHeartbeat() {
	now := p.now()
	for _, tr := range p.tools {
		if terminalTool(tr.status) {
			continue
		}
		if now.Sub(tr.lastEvent) < p.threshold || now.Sub(tr.lastBeat) < p.threshold {
			continue
		}
		tr.lastBeat = now
		p.emitEvent(types.ClientEvent{
			Type:   types.EventStatus,
			PartID: tr.partID,
			Tool:   tr.tool,
			Status: agent.ToolRunning,
			Fields: map[string]any{"synthetic": true},
		})
	}
}

func (p *Processor) emitEvent(ev types.ClientEvent) {
	ev.ID = uuid.NewString()
	ev.Timestamp = p.now()
	ev.SessionID = p.sessionID
	p.emit(ev)
}

func terminalTool(status string) bool {
	return status == agent.ToolCompleted || status == agent.ToolError
}

func isAbortError(name, msg string) bool {
	switch name {
	case "MessageAbortedError", "AbortError":
		return true
	}
	m := strings.ToLower(msg)
	return strings.Contains(m, "operation was aborted") || strings.Contains(m, "request was aborted")
}
