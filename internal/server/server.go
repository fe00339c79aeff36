// Package server wires configuration into a running gateway: storage,
// sandbox provider, session hubs, the HTTP API and the background
// reconciler, with lifecycle management around all of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sandgate/sandgate/internal/api"
	"github.com/sandgate/sandgate/internal/billing"
	"github.com/sandgate/sandgate/internal/config"
	"github.com/sandgate/sandgate/internal/events"
	"github.com/sandgate/sandgate/internal/jobs"
	"github.com/sandgate/sandgate/internal/lock"
	lockpg "github.com/sandgate/sandgate/internal/lock/postgres"
	"github.com/sandgate/sandgate/internal/metrics"
	"github.com/sandgate/sandgate/internal/prebuild"
	"github.com/sandgate/sandgate/internal/sandbox"
	"github.com/sandgate/sandgate/internal/sandbox/docker"
	"github.com/sandgate/sandgate/internal/secrets"
	"github.com/sandgate/sandgate/internal/session"
	storepkg "github.com/sandgate/sandgate/internal/store"
	"github.com/sandgate/sandgate/internal/store/composite"
	otelstore "github.com/sandgate/sandgate/internal/store/otel"
	"github.com/sandgate/sandgate/internal/store/postgres"
	"github.com/sandgate/sandgate/internal/store/sqlite"
	"github.com/sandgate/sandgate/internal/store/webhook"
	"github.com/sandgate/sandgate/pkg/observability"
)

// maxRequestBody bounds API request bodies. WS and SSE traffic is not
// affected; only buffered JSON bodies are.
const maxRequestBody = 10 << 20

type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	httpServer *http.Server
	httpLn     net.Listener

	cron *cron.Cron

	hubs     *session.HubManager
	broker   *events.Broker
	sched    *jobs.Scheduler
	registry *prebuild.Registry
	provider sandbox.Provider

	sessions storepkg.SessionStore
	events   storepkg.EventStore
}

func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	logger := observability.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	collector := metrics.New()

	registry := prebuild.NewRegistry(cfg.Prebuilds.Dir, logger)
	if err := registry.Load(); err != nil {
		return nil, fmt.Errorf("load prebuilds: %w", err)
	}

	var provider sandbox.Provider
	switch cfg.Provider.Type {
	case "docker":
		p, err := docker.New(cfg.Provider.Docker, cfg.Agent, registry, logger)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, fmt.Errorf("unknown provider.type %q", cfg.Provider.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var (
		sessions storepkg.SessionStore
		primary  storepkg.EventStore
		locker   lock.Locker = lock.NewLocal()
	)
	switch cfg.Store.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, err
		}
		sessions, primary = db, db
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		sessions, primary = db, db
		// The lease table rides the same pool, so multiple gateways
		// sharing one database get single-winner migrations.
		locker = lockpg.New(db.Pool())
	default:
		return nil, fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}

	var tees []storepkg.EventStore
	if cfg.Events.Webhook.URL != "" {
		wh, err := webhook.New(
			cfg.Events.Webhook.URL,
			cfg.Events.Webhook.BatchSize,
			config.Duration(cfg.Events.Webhook.FlushInterval, 10*time.Second),
			config.Duration(cfg.Events.Webhook.Timeout, 5*time.Second),
			cfg.Events.Webhook.Headers,
		)
		if err != nil {
			_ = sessions.Close()
			return nil, fmt.Errorf("webhook store: %w", err)
		}
		tees = append(tees, wh)
	}
	if cfg.Events.OTel.Enabled {
		ot, err := otelstore.New(ctx, otelstore.Config{
			Endpoint:     cfg.Events.OTel.Endpoint,
			Protocol:     cfg.Events.OTel.Protocol,
			TLSEnabled:   cfg.Events.OTel.TLSEnabled,
			TLSCertFile:  cfg.Events.OTel.TLSCertFile,
			TLSKeyFile:   cfg.Events.OTel.TLSKeyFile,
			TLSInsecure:  cfg.Events.OTel.TLSInsecure,
			Headers:      cfg.Events.OTel.Headers,
			Timeout:      config.Duration(cfg.Events.OTel.Timeout, 10*time.Second),
			BatchTimeout: config.Duration(cfg.Events.OTel.BatchTimeout, 5*time.Second),
			BatchMaxSize: cfg.Events.OTel.BatchMaxSize,
			Filter: otelstore.Filter{
				IncludeTypes: cfg.Events.OTel.IncludeTypes,
				ExcludeTypes: cfg.Events.OTel.ExcludeTypes,
			},
			Resource: otelstore.BuildResource("sandgate", nil),
		})
		if err != nil {
			_ = sessions.Close()
			return nil, fmt.Errorf("otel store: %w", err)
		}
		tees = append(tees, ot)
	}
	// Wrap the primary event store so metrics count each event exactly once.
	eventStore := composite.New(metrics.WrapEventStore(primary, collector), tees...)

	gate, err := billing.New(cfg.Billing)
	if err != nil {
		_ = eventStore.Close()
		return nil, err
	}
	resolver, err := secrets.New(cfg.Secrets)
	if err != nil {
		_ = eventStore.Close()
		return nil, err
	}

	broker := events.NewBroker()
	sched := jobs.NewScheduler(logger)

	hubs := session.NewManager(session.Deps{
		Store:     sessions,
		Events:    eventStore,
		Provider:  provider,
		Secrets:   resolver,
		Prebuilds: registry,
		Broker:    broker,
		Locker:    locker,
		Jobs:      sched,
		Metrics:   collector,
		Logger:    logger,

		HeartbeatTimeout: config.Duration(cfg.Agent.HeartbeatTimeout, 45*time.Second),
		ToolHeartbeat:    config.Duration(cfg.Sessions.ToolHeartbeat, 15*time.Second),
		ExpiryGrace:      config.Duration(cfg.Sessions.ExpiryGrace, 5*time.Minute),
		DrainTimeout:     config.Duration(cfg.Sessions.DrainTimeout, 30*time.Second),
		LockTTL:          config.Duration(cfg.Sessions.LockTTL, time.Minute),
	})

	app := api.NewApp(cfg, hubs, sessions, eventStore, broker, gate, collector, registry, logger)
	handler := withRequestBodyLimit(app.Router(), maxRequestBody)

	srv := &Server{
		cfg:    cfg,
		logger: logger,

		httpServer: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
			ReadTimeout:       config.Duration(cfg.Server.ReadTimeout, 30*time.Second),
			WriteTimeout:      config.Duration(cfg.Server.WriteTimeout, 5*time.Minute),
		},

		hubs:     hubs,
		broker:   broker,
		sched:    sched,
		registry: registry,
		provider: provider,
		sessions: sessions,
		events:   eventStore,
	}

	if cfg.Reconcile.Schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Reconcile.Schedule, srv.reconcileOnce); err != nil {
			_ = eventStore.Close()
			return nil, fmt.Errorf("parse reconcile.schedule: %w", err)
		}
		srv.cron = c
	}

	ln, err := listenHTTP(cfg)
	if err != nil {
		_ = eventStore.Close()
		return nil, err
	}
	srv.httpLn = ln

	return srv, nil
}

func withRequestBodyLimit(next http.Handler, maxBytes int64) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func listenHTTP(cfg *config.Config) (net.Listener, error) {
	addr := cfg.Server.Addr
	if cfg.Server.AuthToken == "" && !isLoopbackListenAddr(addr) {
		return nil, fmt.Errorf("refusing to listen on %q without server.auth_token (use 127.0.0.1/localhost or set a token)", addr)
	}
	return net.Listen("tcp", addr)
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" {
		return false
	}
	// ":8080" binds on all interfaces.
	if strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		// If it's missing a port, treat as a hostname/IP.
		host = a
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	// Conservative: unknown hostnames could resolve non-loopback.
	return false
}

// Run serves until ctx is cancelled or a signal arrives, then shuts down
// gracefully. Sandboxes are left running; a restarted gateway picks the
// sessions back up from their rows.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.cron != nil {
		s.cron.Start()
	}
	if s.cfg.Prebuilds.HotReload {
		if err := s.registry.Watch(ctx); err != nil {
			s.logger.Warn("prebuild hot reload unavailable", "error", err)
		}
	}

	s.logger.Info("gateway listening", "addr", s.Addr(), "provider", s.provider.Name())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.shutdownBackground(shutdownCtx)
		return err
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.shutdownBackground(shutdownCtx)
		return fmt.Errorf("server: %w", err)
	}
}

func (s *Server) shutdownBackground(ctx context.Context) {
	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.hubs.Shutdown()
	s.sched.Close()
}

func (s *Server) Close() error {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	if s.registry != nil {
		_ = s.registry.Close()
	}
	if c, ok := s.provider.(io.Closer); ok {
		_ = c.Close()
	}
	if s.events != nil {
		// The composite close cascades to the wrapped session store.
		_ = s.events.Close()
	}
	return nil
}

// Addr reports the bound listen address, useful with ":0" configs.
func (s *Server) Addr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// reconcileOnce runs one sweep of the stored-state-versus-provider
// comparison. Failures are logged and retried on the next tick.
func (s *Server) reconcileOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := s.hubs.ReconcileSandboxes(ctx)
	if err != nil {
		s.logger.Error("reconcile sweep failed", "error", err)
		return
	}
	if res.Repaired > 0 || res.Rearmed > 0 {
		s.logger.Info("reconcile sweep",
			"probed", res.Probed, "repaired", res.Repaired, "rearmed", res.Rearmed)
	}
}
