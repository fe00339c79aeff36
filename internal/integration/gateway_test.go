//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/sandgate/sandgate/internal/config"
	"github.com/sandgate/sandgate/internal/server"
)

func gatewayConfig(t *testing.T, dsn string) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`
server:
  addr: "127.0.0.1:0"
store:
  driver: postgres
  postgres:
    dsn: %q
prebuilds:
  dir: %q
`, dsn, t.TempDir())
	cfg, err := config.LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func startGateway(t *testing.T, cfg *config.Config) *server.Server {
	t.Helper()
	s, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
		s.Close()
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + s.Addr() + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return s
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("gateway never became healthy")
	return nil
}

// Sessions are rows, not process state: a gateway restart must not lose
// them.
func TestGatewayRestartKeepsSessions(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t, ctx)

	first := startGateway(t, gatewayConfig(t, dsn))

	body, _ := json.Marshal(map[string]any{"owner": "o-1", "title": "migrate the billing job"})
	resp, err := http.Post("http://"+first.Addr()+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.ID == "" {
		t.Fatalf("create status %d, id %q", resp.StatusCode, created.ID)
	}

	// Second instance, fresh process state, same database.
	second := startGateway(t, gatewayConfig(t, dsn))

	resp, err = http.Get("http://" + second.Addr() + "/v1/sessions/" + created.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}
	var got struct {
		ID    string `json:"id"`
		Owner string `json:"owner"`
		Title string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if got.Owner != "o-1" || got.Title != "migrate the billing job" {
		t.Fatalf("row did not survive the restart: %+v", got)
	}
}
