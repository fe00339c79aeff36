// Package billing gates session admission on the owner's credit standing and
// supports the mass-terminate path fired when an owner runs out.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sandgate/sandgate/internal/config"
	"github.com/sandgate/sandgate/internal/store"
	"github.com/sandgate/sandgate/pkg/types"
)

// ErrDenied means the owner may not start new sessions. Any other Admit
// error is a backend failure, not a decision.
var ErrDenied = errors.New("owner denied by billing")

type Gate interface {
	Admit(ctx context.Context, owner string) error
}

// New builds the gate selected by billing.mode.
func New(cfg config.BillingConfig) (Gate, error) {
	switch cfg.Mode {
	case "", "allow":
		return AllowAll{}, nil
	case "deny":
		return DenyAll{}, nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("billing.url is required for billing.mode http")
		}
		return NewHTTPGate(cfg.URL, config.Duration(cfg.Timeout, 5*time.Second)), nil
	default:
		return nil, fmt.Errorf("unknown billing.mode %q", cfg.Mode)
	}
}

// AllowAll admits everyone. The default for development.
type AllowAll struct{}

func (AllowAll) Admit(context.Context, string) error { return nil }

// DenyAll rejects everyone.
type DenyAll struct{}

func (DenyAll) Admit(context.Context, string) error { return ErrDenied }

// HTTPGate asks an external billing service. A 2xx admits; 402 or 403
// denies; anything else is a backend failure.
type HTTPGate struct {
	url        string
	httpClient *http.Client
}

func NewHTTPGate(url string, timeout time.Duration) *HTTPGate {
	return &HTTPGate{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type admitRequest struct {
	Owner string `json:"owner"`
}

func (g *HTTPGate) Admit(ctx context.Context, owner string) error {
	body, err := json.Marshal(admitRequest{Owner: owner})
	if err != nil {
		return fmt.Errorf("marshal admit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create admit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusForbidden:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if len(snippet) > 0 {
			return fmt.Errorf("%w: %s", ErrDenied, snippet)
		}
		return ErrDenied
	default:
		return fmt.Errorf("billing service returned %d", resp.StatusCode)
	}
}

// ActiveSessions lists an owner's sessions that hold, or may still revive, a
// sandbox. The mass-terminate handler walks this list.
func ActiveSessions(ctx context.Context, st store.SessionStore, owner string) ([]*types.Session, error) {
	return st.ListSessions(ctx, types.SessionQuery{
		Owner: owner,
		Statuses: []types.SessionStatus{
			types.SessionStarting,
			types.SessionRunning,
			types.SessionPaused,
		},
	})
}
