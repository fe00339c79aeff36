package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sandgate/sandgate/internal/store"
	"github.com/sandgate/sandgate/pkg/types"
)

// streamEvents is the read-only observer stream: server-sent events, no
// client registration, so watching a session never keeps it alive.
func (a *App) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.sessions.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "stream unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.broker.Subscribe(id, a.cfg.Events.Buffer)
	defer a.broker.Unsubscribe(id, ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			_, _ = w.Write([]byte("data: "))
			if err := enc.Encode(ev); err != nil {
				return
			}
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 1 << 20
)

// attachWS upgrades to a WebSocket and registers the caller as an
// interactive client. Outbound frames are the session's client events;
// inbound frames are commands.
func (a *App) attachWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "websocket upgrade required"})
		return
	}
	id := chi.URLParam(r, "id")
	hub, err := a.hubs.GetOrCreate(r.Context(), id)
	if err != nil {
		a.writeHubError(w, err)
		return
	}

	up := websocket.Upgrader{
		// Auth middleware already ran; agent harnesses connect from
		// anywhere, so origin is not restricted.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ch, err := hub.Attach(a.cfg.Events.Buffer)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, mustJSON(types.ClientEvent{
			Type:      types.EventError,
			SessionID: id,
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
		}))
		return
	}
	defer hub.Detach(ch)

	errs := make(chan string, 8)
	done := make(chan struct{})
	defer close(done)

	// Writer owns the connection's write side: hub events, command
	// errors, and keepalive pings.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, mustJSON(ev)); err != nil {
					return
				}
			case msg := <-errs:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				frame := mustJSON(types.ClientEvent{
					Type:      types.EventError,
					SessionID: id,
					Message:   msg,
					Timestamp: time.Now().UTC(),
				})
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
				return
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var cmd types.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			sendErr(errs, "invalid command json")
			continue
		}
		// Commands run async so a cancel can overtake a prompt blocked
		// on provisioning. The background context keeps an in-flight
		// turn alive when this client drops.
		go func() {
			if err := hub.HandleCommand(context.Background(), cmd); err != nil {
				sendErr(errs, err.Error())
			}
		}()
	}
}

func sendErr(errs chan string, msg string) {
	select {
	case errs <- msg:
	default:
	}
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
