// Package agent talks to the coding agent running inside a sandbox: a small
// HTTP API for session and prompt control, and a server-sent-event stream
// for everything the agent produces.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoSession is returned when the agent does not know the session, which
// happens after a sandbox is rebuilt from a snapshot taken before the
// agent's own state directory existed.
var ErrNoSession = errors.New("agent session not found")

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL reports the agent endpoint this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// EventsURL is the SSE endpoint consumed by SSEClient.
func (c *Client) EventsURL() string { return c.baseURL + "/event" }

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// CreateSessionOpts carries the context re-resolved on every provisioning
// pass so the agent session always starts from current settings.
type CreateSessionOpts struct {
	ID           string `json:"id,omitempty"`
	Title        string `json:"title,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Model        string `json:"model,omitempty"`
}

type sessionInfo struct {
	ID string `json:"id"`
}

// CreateSession registers a session with the agent and returns its id.
func (c *Client) CreateSession(ctx context.Context, opts CreateSessionOpts) (string, error) {
	var out sessionInfo
	if err := c.doJSON(ctx, http.MethodPost, "/session", opts, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("agent returned empty session id")
	}
	return out.ID, nil
}

// VerifySession checks that the agent still knows the given session.
// Missing sessions report ErrNoSession so callers can recreate.
func (c *Client) VerifySession(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodGet, "/session/"+url.PathEscape(id), nil, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return ErrNoSession
		}
		return err
	}
	return nil
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Prompt dispatches a user turn. The agent acknowledges immediately and
// streams the resulting events over SSE.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) error {
	body := map[string]any{
		"parts": []promptPart{{Type: "text", Text: text}},
	}
	return c.doJSON(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt", body, nil)
}

// Cancel aborts the in-flight turn. The agent answers with an
// abort-classified session.error on the stream, which the event processor
// drops.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil, nil)
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return e.msg }

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
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
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return &statusError{
			code: resp.StatusCode,
			msg:  fmt.Sprintf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b))),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
