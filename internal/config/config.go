package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Provider  ProviderConfig  `yaml:"provider"`
	Agent     AgentConfig     `yaml:"agent"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	Billing   BillingConfig   `yaml:"billing"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Prebuilds PrebuildsConfig `yaml:"prebuilds"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`

	// AuthToken, when set, is required as a bearer token on every API call.
	AuthToken string `yaml:"auth_token"`

	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

type ProviderConfig struct {
	Type   string       `yaml:"type"` // docker
	Docker DockerConfig `yaml:"docker"`
}

type DockerConfig struct {
	// Host overrides the daemon endpoint; empty uses the environment.
	Host string `yaml:"host"`

	Image       string `yaml:"image"`
	Network     string `yaml:"network"`
	AgentPort   int    `yaml:"agent_port"`
	PreviewPort int    `yaml:"preview_port"`

	// PauseCapable advertises native pause/unpause to the runtime.
	PauseCapable bool `yaml:"pause_capable"`
	AutoPause    bool `yaml:"auto_pause"`

	// Lifetime is how long a sandbox may live before the gateway treats it
	// as expiring (duration string).
	Lifetime string `yaml:"lifetime"`

	// SnapshotRepo is the image repository committed snapshots are tagged
	// into.
	SnapshotRepo string `yaml:"snapshot_repo"`

	Labels map[string]string `yaml:"labels"`
}

type AgentConfig struct {
	HeartbeatTimeout string `yaml:"heartbeat_timeout"`
	TunnelWait       string `yaml:"tunnel_wait"`
	ExecTimeout      string `yaml:"exec_timeout"`
	HealthInterval   string `yaml:"health_interval"`
}

type SessionsConfig struct {
	ExpiryGrace   string `yaml:"expiry_grace"`
	DrainTimeout  string `yaml:"drain_timeout"`
	LockTTL       string `yaml:"lock_ttl"`
	ToolHeartbeat string `yaml:"tool_heartbeat"`
}

type StoreConfig struct {
	Driver   string         `yaml:"driver"` // sqlite, postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type EventsConfig struct {
	// Buffer is the per-subscriber channel depth before events are dropped.
	Buffer int `yaml:"buffer"`

	Webhook EventsWebhookConfig `yaml:"webhook"`
	OTel    EventsOTelConfig    `yaml:"otel"`
}

type EventsWebhookConfig struct {
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
}

type EventsOTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc, http

	// IncludeTypes/ExcludeTypes narrow which event types are exported
	// (path.Match patterns). Empty include means everything.
	IncludeTypes []string `yaml:"include_types"`
	ExcludeTypes []string `yaml:"exclude_types"`

	TLSEnabled  bool   `yaml:"tls_enabled"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSInsecure bool   `yaml:"tls_insecure"`

	Headers map[string]string `yaml:"headers"`

	Timeout      string `yaml:"timeout"`
	BatchTimeout string `yaml:"batch_timeout"`
	BatchMaxSize int    `yaml:"batch_max_size"`
}

type BillingConfig struct {
	Mode    string `yaml:"mode"` // allow, deny, http
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

type SecretsConfig struct {
	Backend   string            `yaml:"backend"` // none, env, static, vault
	EnvPrefix string            `yaml:"env_prefix"`
	Static    map[string]string `yaml:"static"`
	Vault     VaultConfig       `yaml:"vault"`
}

type VaultConfig struct {
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // token, kubernetes, approle
	TokenFile  string `yaml:"token_file"`
	K8sRole    string `yaml:"k8s_role"`
	AppRoleID  string `yaml:"approle_id"`
	SecretID   string `yaml:"secret_id"`
	Mount      string `yaml:"mount"`
	PathPrefix string `yaml:"path_prefix"`
}

type PrebuildsConfig struct {
	Dir       string `yaml:"dir"`
	HotReload bool   `yaml:"hot_reload"`
}

type ReconcileConfig struct {
	// Schedule is a cron expression (robfig syntax, @every allowed).
	// Empty disables the reconciler.
	Schedule string `yaml:"schedule"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "0.0.0.0:8080"
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "30s"
	}
	if cfg.Server.WriteTimeout == "" {
		cfg.Server.WriteTimeout = "5m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Provider.Type == "" {
		cfg.Provider.Type = "docker"
	}
	if cfg.Provider.Docker.Image == "" {
		cfg.Provider.Docker.Image = "ghcr.io/sandgate/agent-sandbox:latest"
	}
	if cfg.Provider.Docker.AgentPort == 0 {
		cfg.Provider.Docker.AgentPort = 8777
	}
	if cfg.Provider.Docker.PreviewPort == 0 {
		cfg.Provider.Docker.PreviewPort = 3000
	}
	if cfg.Provider.Docker.Lifetime == "" {
		cfg.Provider.Docker.Lifetime = "1h"
	}
	if cfg.Provider.Docker.SnapshotRepo == "" {
		cfg.Provider.Docker.SnapshotRepo = "sandgate/snapshots"
	}

	if cfg.Agent.HeartbeatTimeout == "" {
		cfg.Agent.HeartbeatTimeout = "45s"
	}
	if cfg.Agent.TunnelWait == "" {
		cfg.Agent.TunnelWait = "30s"
	}
	if cfg.Agent.ExecTimeout == "" {
		cfg.Agent.ExecTimeout = "30s"
	}
	if cfg.Agent.HealthInterval == "" {
		cfg.Agent.HealthInterval = "1s"
	}

	if cfg.Sessions.ExpiryGrace == "" {
		cfg.Sessions.ExpiryGrace = "5m"
	}
	if cfg.Sessions.DrainTimeout == "" {
		cfg.Sessions.DrainTimeout = "30s"
	}
	if cfg.Sessions.LockTTL == "" {
		cfg.Sessions.LockTTL = "60s"
	}
	if cfg.Sessions.ToolHeartbeat == "" {
		cfg.Sessions.ToolHeartbeat = "15s"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = "/var/lib/sandgate/sandgate.db"
	}

	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = 256
	}
	if cfg.Events.Webhook.BatchSize == 0 {
		cfg.Events.Webhook.BatchSize = 100
	}
	if cfg.Events.Webhook.FlushInterval == "" {
		cfg.Events.Webhook.FlushInterval = "10s"
	}
	if cfg.Events.Webhook.Timeout == "" {
		cfg.Events.Webhook.Timeout = "5s"
	}
	if cfg.Events.OTel.Protocol == "" {
		cfg.Events.OTel.Protocol = "grpc"
	}
	if cfg.Events.OTel.Timeout == "" {
		cfg.Events.OTel.Timeout = "10s"
	}
	if cfg.Events.OTel.BatchTimeout == "" {
		cfg.Events.OTel.BatchTimeout = "5s"
	}
	if cfg.Events.OTel.BatchMaxSize == 0 {
		cfg.Events.OTel.BatchMaxSize = 512
	}

	if cfg.Billing.Mode == "" {
		cfg.Billing.Mode = "allow"
	}
	if cfg.Billing.Timeout == "" {
		cfg.Billing.Timeout = "5s"
	}

	if cfg.Secrets.Backend == "" {
		cfg.Secrets.Backend = "none"
	}
	if cfg.Secrets.Vault.AuthMethod == "" {
		cfg.Secrets.Vault.AuthMethod = "token"
	}
	if cfg.Secrets.Vault.Mount == "" {
		cfg.Secrets.Vault.Mount = "secret"
	}

	if cfg.Prebuilds.Dir == "" {
		cfg.Prebuilds.Dir = "/etc/sandgate/prebuilds"
	}

	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = "@every 1m"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANDGATE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SANDGATE_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("SANDGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SANDGATE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SANDGATE_POSTGRES_DSN"); v != "" {
		cfg.Store.Postgres.DSN = v
	}
	if v := os.Getenv("SANDGATE_DOCKER_HOST"); v != "" {
		cfg.Provider.Docker.Host = v
	}
	if v := os.Getenv("SANDGATE_SANDBOX_IMAGE"); v != "" {
		cfg.Provider.Docker.Image = v
	}
	if v := os.Getenv("SANDGATE_VAULT_ADDR"); v != "" {
		cfg.Secrets.Vault.Address = v
	}
	if v := os.Getenv("SANDGATE_DATA_DIR"); v != "" {
		cfg.Store.SQLite.Path = filepath.Join(v, "sandgate.db")
		cfg.Prebuilds.Dir = filepath.Join(v, "prebuilds")
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Provider.Type {
	case "docker":
	default:
		return fmt.Errorf("invalid provider.type %q", cfg.Provider.Type)
	}
	switch cfg.Store.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid store.driver %q", cfg.Store.Driver)
	}
	switch cfg.Billing.Mode {
	case "allow", "deny":
	case "http":
		if cfg.Billing.URL == "" {
			return fmt.Errorf("billing.url is required for billing.mode http")
		}
	default:
		return fmt.Errorf("invalid billing.mode %q", cfg.Billing.Mode)
	}
	switch cfg.Secrets.Backend {
	case "none", "env", "static":
	case "vault":
		if cfg.Secrets.Vault.Address == "" {
			return fmt.Errorf("secrets.vault.address is required for the vault backend")
		}
	default:
		return fmt.Errorf("invalid secrets.backend %q", cfg.Secrets.Backend)
	}
	switch cfg.Events.OTel.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid events.otel.protocol %q", cfg.Events.OTel.Protocol)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

// Duration parses a duration string from config, falling back when the value
// is empty or malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
