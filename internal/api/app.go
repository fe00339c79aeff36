// Package api exposes the gateway's HTTP surface: session CRUD and
// lifecycle verbs, the persisted event history, a server-sent-event
// observer stream, and the WebSocket attach endpoint clients hold a
// conversation over.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sandgate/sandgate/internal/billing"
	"github.com/sandgate/sandgate/internal/config"
	"github.com/sandgate/sandgate/internal/events"
	"github.com/sandgate/sandgate/internal/metrics"
	"github.com/sandgate/sandgate/internal/prebuild"
	"github.com/sandgate/sandgate/internal/session"
	"github.com/sandgate/sandgate/internal/store"
	"github.com/sandgate/sandgate/pkg/types"
)

type App struct {
	cfg       *config.Config
	hubs      *session.HubManager
	sessions  store.SessionStore
	events    store.EventStore
	broker    *events.Broker
	gate      billing.Gate
	metrics   *metrics.Collector
	prebuilds *prebuild.Registry
	logger    *slog.Logger
}

func NewApp(cfg *config.Config, hubs *session.HubManager, sessions store.SessionStore, eventStore store.EventStore, broker *events.Broker, gate billing.Gate, collector *metrics.Collector, prebuilds *prebuild.Registry, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:       cfg,
		hubs:      hubs,
		sessions:  sessions,
		events:    eventStore,
		broker:    broker,
		gate:      gate,
		metrics:   collector,
		prebuilds: prebuilds,
		logger:    logger.With("component", "api"),
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })

	opts := metrics.HandlerOptions{
		SessionCount:  a.hubs.Count,
		DroppedEvents: func() uint64 { return uint64(a.broker.DroppedCount()) },
	}
	if a.prebuilds != nil {
		opts.PrebuildReloads = a.prebuilds.Stats
	}
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler(opts))

	r.Group(func(r chi.Router) {
		r.Use(a.authMiddleware)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/sessions", a.createSession)
			r.Get("/sessions", a.listSessions)
			r.Get("/sessions/{id}", a.getSession)
			r.Delete("/sessions/{id}", a.deleteSession)

			r.Post("/sessions/{id}/pause", a.pauseSession)
			r.Post("/sessions/{id}/resume", a.resumeSession)
			r.Post("/sessions/{id}/snapshot", a.snapshotSession)
			r.Post("/sessions/{id}/terminate", a.terminateSession)

			r.Get("/sessions/{id}/history", a.sessionHistory)
			r.Get("/sessions/{id}/events", a.streamEvents)
			r.Get("/sessions/{id}/ws", a.attachWS)

			r.Post("/owners/{owner}/terminate", a.terminateOwner)
		})
	})

	return r
}

// authMiddleware enforces the configured bearer token. An empty token
// disables the check; /healthz and /metrics sit outside this group so
// probes and scrapers work either way.
func (a *App) authMiddleware(next http.Handler) http.Handler {
	token := a.cfg.Server.AuthToken
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionView is a session row decorated with live hub state when the
// gateway currently holds a hub for it.
type sessionView struct {
	types.Session
	Runtime types.RuntimeStatus `json:"runtime,omitempty"`
	Clients int                 `json:"clients,omitempty"`
}

func (a *App) viewOf(row *types.Session) sessionView {
	v := sessionView{Session: *row}
	if hub, ok := a.hubs.Get(row.ID); ok {
		v.Runtime = hub.Status()
		v.Clients = hub.Clients()
	}
	return v
}

func (a *App) createSession(w http.ResponseWriter, r *http.Request) {
	var req types.CreateSessionRequest
	if !decodeJSON(w, r, &req, "") {
		return
	}

	if err := a.gate.Admit(r.Context(), req.Owner); err != nil {
		if errors.Is(err, billing.ErrDenied) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{"error": "owner denied by billing"})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": fmt.Sprintf("billing check: %v", err)})
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = "sess-" + uuid.NewString()
	} else if _, err := a.sessions.GetSession(r.Context(), id); err == nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "session already exists"})
		return
	}

	now := time.Now().UTC()
	row := &types.Session{
		ID:         id,
		Owner:      req.Owner,
		Title:      req.Title,
		Status:     types.SessionStarting,
		RepoURL:    req.RepoURL,
		Branch:     req.Branch,
		PrebuildID: req.PrebuildID,
		Automation: req.Automation,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.sessions.CreateSession(r.Context(), row); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	// Interactive sessions provision lazily on first attach. Automation
	// sessions have no attach to wait for, so start them now.
	if req.Automation {
		if hub, err := a.hubs.GetOrCreate(r.Context(), row.ID); err == nil {
			go func() {
				if err := hub.EnsureRuntimeReady(context.Background()); err != nil {
					a.logger.Warn("automation session provision failed", "session_id", row.ID, "error", err)
				}
			}()
		}
	}

	writeJSON(w, http.StatusCreated, a.viewOf(row))
}

func (a *App) listSessions(w http.ResponseWriter, r *http.Request) {
	q := types.SessionQuery{Owner: r.URL.Query().Get("owner")}
	if s := r.URL.Query().Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			q.Statuses = append(q.Statuses, types.SessionStatus(strings.TrimSpace(part)))
		}
	}
	rows, err := a.sessions.ListSessions(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	out := make([]sessionView, 0, len(rows))
	for _, row := range rows {
		out = append(out, a.viewOf(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := a.sessions.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.viewOf(row))
}

func (a *App) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hub, err := a.hubs.GetOrCreate(r.Context(), id)
	if err != nil {
		a.writeHubError(w, err)
		return
	}
	if err := hub.Terminate(r.Context(), types.ReasonManual); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.hubs.Remove(id)
	if err := a.sessions.DeleteSession(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) pauseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hub, err := a.hubs.GetOrCreate(r.Context(), id)
	if err != nil {
		a.writeHubError(w, err)
		return
	}
	if err := hub.Pause(r.Context()); err != nil {
		if errors.Is(err, session.ErrNoSandbox) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.writeSessionView(w, r, id)
}

// resumeSession provisions synchronously: the response arrives once the
// sandbox is live again, which can take as long as a cold restore.
func (a *App) resumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hub, err := a.hubs.GetOrCreate(r.Context(), id)
	if err != nil {
		a.writeHubError(w, err)
		return
	}
	if err := hub.EnsureRuntimeReady(r.Context()); err != nil {
		if errors.Is(err, session.ErrSuspended) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.writeSessionView(w, r, id)
}

func (a *App) snapshotSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hub, err := a.hubs.GetOrCreate(r.Context(), id)
	if err != nil {
		a.writeHubError(w, err)
		return
	}
	snapID, err := hub.SaveSnapshot(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrSuspended) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "snapshot_id": snapID})
}

func (a *App) terminateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hub, err := a.hubs.GetOrCreate(r.Context(), id)
	if err != nil {
		a.writeHubError(w, err)
		return
	}
	if err := hub.Terminate(r.Context(), types.ReasonManual); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.writeSessionView(w, r, id)
}

func (a *App) terminateOwner(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	n, err := a.hubs.TerminateOwner(r.Context(), owner)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "terminated": n})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "terminated": n})
}

func (a *App) sessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.sessions.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	q, err := parseEventQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	q.SessionID = id
	evs, err := a.events.QueryEvents(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if evs == nil {
		evs = []types.ClientEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (a *App) writeSessionView(w http.ResponseWriter, r *http.Request, id string) {
	row, err := a.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.viewOf(row))
}

func (a *App) writeHubError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
	case errors.Is(err, session.ErrHubClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "gateway shutting down"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func parseEventQuery(r *http.Request) (types.EventQuery, error) {
	v := r.URL.Query()
	var q types.EventQuery
	if t := v.Get("type"); t != "" {
		q.Types = strings.Split(t, ",")
	}
	q.Limit, _ = strconv.Atoi(v.Get("limit"))
	q.Offset, _ = strconv.Atoi(v.Get("offset"))
	q.Asc = v.Get("order") == "asc"

	if since := v.Get("since"); since != "" {
		t, err := parseTimeOrAgo(since)
		if err != nil {
			return q, fmt.Errorf("since: %w", err)
		}
		q.Since = &t
	}
	if until := v.Get("until"); until != "" {
		t, err := parseTimeOrAgo(until)
		if err != nil {
			return q, fmt.Errorf("until: %w", err)
		}
		q.Until = &t
	}
	return q, nil
}

// parseTimeOrAgo accepts either an RFC3339 timestamp or a duration like
// "30m" meaning that long ago.
func parseTimeOrAgo(s string) (time.Time, error) {
	if strings.ContainsAny(s, "smhdw") && !strings.Contains(s, "T") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
