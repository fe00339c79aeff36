package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ParsesGatewayFields(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(cfgPath, []byte(`
server:
  addr: "127.0.0.1:9090"
  auth_token: "secret-token"
provider:
  type: docker
  docker:
    image: "example.com/sandbox:dev"
    agent_port: 9000
    pause_capable: true
    lifetime: 30m
sessions:
  expiry_grace: 4m
  lock_ttl: 90s
store:
  driver: sqlite
  sqlite:
    path: "`+filepath.Join(dir, "gw.db")+`"
events:
  buffer: 64
  otel:
    enabled: true
    endpoint: "collector:4317"
    protocol: grpc
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "127.0.0.1:9090" {
		t.Fatalf("server.addr: got %q", cfg.Server.Addr)
	}
	if cfg.Server.AuthToken != "secret-token" {
		t.Fatalf("server.auth_token: got %q", cfg.Server.AuthToken)
	}
	if cfg.Provider.Docker.Image != "example.com/sandbox:dev" {
		t.Fatalf("provider.docker.image: got %q", cfg.Provider.Docker.Image)
	}
	if cfg.Provider.Docker.AgentPort != 9000 {
		t.Fatalf("provider.docker.agent_port: got %d", cfg.Provider.Docker.AgentPort)
	}
	if !cfg.Provider.Docker.PauseCapable {
		t.Fatalf("provider.docker.pause_capable: expected true")
	}
	if cfg.Sessions.ExpiryGrace != "4m" {
		t.Fatalf("sessions.expiry_grace: got %q", cfg.Sessions.ExpiryGrace)
	}
	if cfg.Sessions.LockTTL != "90s" {
		t.Fatalf("sessions.lock_ttl: got %q", cfg.Sessions.LockTTL)
	}
	if cfg.Events.Buffer != 64 {
		t.Fatalf("events.buffer: got %d", cfg.Events.Buffer)
	}
	if !cfg.Events.OTel.Enabled || cfg.Events.OTel.Endpoint != "collector:4317" {
		t.Fatalf("events.otel: got %+v", cfg.Events.OTel)
	}
}

func TestLoadFromBytes_AppliesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "0.0.0.0:8080" {
		t.Fatalf("default server.addr: got %q", cfg.Server.Addr)
	}
	if cfg.Provider.Type != "docker" {
		t.Fatalf("default provider.type: got %q", cfg.Provider.Type)
	}
	if cfg.Sessions.ExpiryGrace != "5m" {
		t.Fatalf("default sessions.expiry_grace: got %q", cfg.Sessions.ExpiryGrace)
	}
	if cfg.Sessions.DrainTimeout != "30s" {
		t.Fatalf("default sessions.drain_timeout: got %q", cfg.Sessions.DrainTimeout)
	}
	if cfg.Sessions.LockTTL != "60s" {
		t.Fatalf("default sessions.lock_ttl: got %q", cfg.Sessions.LockTTL)
	}
	if cfg.Sessions.ToolHeartbeat != "15s" {
		t.Fatalf("default sessions.tool_heartbeat: got %q", cfg.Sessions.ToolHeartbeat)
	}
	if cfg.Agent.TunnelWait != "30s" {
		t.Fatalf("default agent.tunnel_wait: got %q", cfg.Agent.TunnelWait)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("default store.driver: got %q", cfg.Store.Driver)
	}
	if cfg.Billing.Mode != "allow" {
		t.Fatalf("default billing.mode: got %q", cfg.Billing.Mode)
	}
	if cfg.Secrets.Backend != "none" {
		t.Fatalf("default secrets.backend: got %q", cfg.Secrets.Backend)
	}
}

func TestLoadFromBytes_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad provider", "provider:\n  type: firecracker\n"},
		{"postgres without dsn", "store:\n  driver: postgres\n"},
		{"billing http without url", "billing:\n  mode: http\n"},
		{"vault without address", "secrets:\n  backend: vault\n"},
		{"bad otel protocol", "events:\n  otel:\n    protocol: udp\n"},
		{"bad log format", "logging:\n  format: xml\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFromBytes([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestDuration_FallsBack(t *testing.T) {
	if d := Duration("", 5*time.Second); d != 5*time.Second {
		t.Fatalf("empty: got %v", d)
	}
	if d := Duration("nonsense", 5*time.Second); d != 5*time.Second {
		t.Fatalf("malformed: got %v", d)
	}
	if d := Duration("-10s", 5*time.Second); d != 5*time.Second {
		t.Fatalf("negative: got %v", d)
	}
	if d := Duration("90s", 5*time.Second); d != 90*time.Second {
		t.Fatalf("parsed: got %v", d)
	}
}
