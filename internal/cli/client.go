package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandgate/sandgate/pkg/types"
)

// Client talks to a running gateway over its HTTP API.
type Client struct {
	baseURL string
	token   string

	httpClient *http.Client
	// streamClient has no timeout: SSE tails stay open until closed.
	streamClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL:      baseURL,
		token:        token,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
	}
}

// SessionView is a session row plus live hub state when the gateway
// currently holds a hub for it.
type SessionView struct {
	types.Session
	Runtime types.RuntimeStatus `json:"runtime,omitempty"`
	Clients int                 `json:"clients,omitempty"`
}

type SnapshotResult struct {
	SessionID  string `json:"session_id"`
	SnapshotID string `json:"snapshot_id"`
}

type OwnerTerminateResult struct {
	Owner      string `json:"owner"`
	Terminated int    `json:"terminated"`
}

func (c *Client) CreateSession(ctx context.Context, req types.CreateSessionRequest) (SessionView, error) {
	var out SessionView
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", nil, req, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context, owner, statusCSV string) ([]SessionView, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	if statusCSV != "" {
		q.Set("status", statusCSV)
	}
	var out []SessionView
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (SessionView, error) {
	var out SessionView
	err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// DestroySession terminates the session and deletes its row.
func (c *Client) DestroySession(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) PauseSession(ctx context.Context, id string) (SessionView, error) {
	return c.lifecycle(ctx, id, "pause")
}

func (c *Client) ResumeSession(ctx context.Context, id string) (SessionView, error) {
	return c.lifecycle(ctx, id, "resume")
}

func (c *Client) TerminateSession(ctx context.Context, id string) (SessionView, error) {
	return c.lifecycle(ctx, id, "terminate")
}

func (c *Client) lifecycle(ctx context.Context, id, verb string) (SessionView, error) {
	var out SessionView
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/"+verb, nil, nil, &out)
	return out, err
}

func (c *Client) SnapshotSession(ctx context.Context, id string) (SnapshotResult, error) {
	var out SnapshotResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/snapshot", nil, nil, &out)
	return out, err
}

func (c *Client) TerminateOwner(ctx context.Context, owner string) (OwnerTerminateResult, error) {
	var out OwnerTerminateResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/owners/"+url.PathEscape(owner)+"/terminate", nil, nil, &out)
	return out, err
}

func (c *Client) SessionHistory(ctx context.Context, id string, q url.Values) ([]types.ClientEvent, error) {
	var out []types.ClientEvent
	path := "/v1/sessions/" + url.PathEscape(id) + "/history"
	if err := c.doJSON(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StreamSessionEvents(ctx context.Context, id string) (io.ReadCloser, error) {
	u := c.baseURL + "/v1/sessions/" + url.PathEscape(id) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return nil, fmt.Errorf("stream events: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return resp.Body, nil
}

// DialSession opens the session's WebSocket and registers the caller as
// an interactive client. Frames out are commands, frames in are client
// events.
func (c *Client) DialSession(ctx context.Context, id string) (*websocket.Conn, error) {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	u := wsBase + "/v1/sessions/" + url.PathEscape(id) + "/ws"

	var hdr http.Header
	if c.token != "" {
		hdr = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, hdr)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			return nil, fmt.Errorf("attach %s: %s: %s", id, resp.Status, strings.TrimSpace(string(b)))
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	c.addAuth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) addAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
