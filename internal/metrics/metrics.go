package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	eventsTotal atomic.Uint64
	byType      sync.Map // string -> *atomic.Uint64

	migrations        atomic.Uint64
	migrationFailures atomic.Uint64
	sseReconnects     atomic.Uint64
	sseGiveUps        atomic.Uint64

	appends        atomic.Uint64
	appendFailures atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(1)
	if eventType == "" {
		eventType = "unknown"
	}
	ptr, _ := c.byType.LoadOrStore(eventType, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncMigration() {
	if c == nil {
		return
	}
	c.migrations.Add(1)
}

func (c *Collector) IncMigrationFailure() {
	if c == nil {
		return
	}
	c.migrationFailures.Add(1)
}

func (c *Collector) IncSSEReconnect() {
	if c == nil {
		return
	}
	c.sseReconnects.Add(1)
}

func (c *Collector) IncSSEGiveUp() {
	if c == nil {
		return
	}
	c.sseGiveUps.Add(1)
}

func (c *Collector) IncAppend() {
	if c == nil {
		return
	}
	c.appends.Add(1)
}

func (c *Collector) IncAppendFailure() {
	if c == nil {
		return
	}
	c.appendFailures.Add(1)
}

type HandlerOptions struct {
	SessionCount    func() int
	DroppedEvents   func() uint64
	PrebuildReloads func() (reloads, failed int64)
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP sandgate_up Whether the sandgate server is running.\n")
		fmt.Fprint(w, "# TYPE sandgate_up gauge\n")
		fmt.Fprint(w, "sandgate_up 1\n")

		fmt.Fprint(w, "# HELP sandgate_events_total Total number of client events recorded.\n")
		fmt.Fprint(w, "# TYPE sandgate_events_total counter\n")
		fmt.Fprintf(w, "sandgate_events_total %d\n", c.eventsTotal.Load())

		fmt.Fprint(w, "# HELP sandgate_migrations_total Sandbox migrations completed.\n")
		fmt.Fprint(w, "# TYPE sandgate_migrations_total counter\n")
		fmt.Fprintf(w, "sandgate_migrations_total %d\n", c.migrations.Load())

		fmt.Fprint(w, "# HELP sandgate_migration_failures_total Sandbox migrations aborted.\n")
		fmt.Fprint(w, "# TYPE sandgate_migration_failures_total counter\n")
		fmt.Fprintf(w, "sandgate_migration_failures_total %d\n", c.migrationFailures.Load())

		fmt.Fprint(w, "# HELP sandgate_sse_reconnects_total Agent stream reconnect attempts.\n")
		fmt.Fprint(w, "# TYPE sandgate_sse_reconnects_total counter\n")
		fmt.Fprintf(w, "sandgate_sse_reconnects_total %d\n", c.sseReconnects.Load())

		fmt.Fprint(w, "# HELP sandgate_sse_giveups_total Agent streams abandoned after the backoff sequence.\n")
		fmt.Fprint(w, "# TYPE sandgate_sse_giveups_total counter\n")
		fmt.Fprintf(w, "sandgate_sse_giveups_total %d\n", c.sseGiveUps.Load())

		fmt.Fprint(w, "# HELP sandgate_event_appends_total Client events written to the history pipeline.\n")
		fmt.Fprint(w, "# TYPE sandgate_event_appends_total counter\n")
		fmt.Fprintf(w, "sandgate_event_appends_total %d\n", c.appends.Load())

		fmt.Fprint(w, "# HELP sandgate_event_append_failures_total History pipeline writes that failed.\n")
		fmt.Fprint(w, "# TYPE sandgate_event_append_failures_total counter\n")
		fmt.Fprintf(w, "sandgate_event_append_failures_total %d\n", c.appendFailures.Load())

		types := snapshotKeys(&c.byType)
		if len(types) > 0 {
			fmt.Fprint(w, "# HELP sandgate_events_by_type_total Client events recorded by type.\n")
			fmt.Fprint(w, "# TYPE sandgate_events_by_type_total counter\n")
			for _, t := range types {
				ptr, _ := c.byType.Load(t)
				n := uint64(0)
				if ptr != nil {
					n = ptr.(*atomic.Uint64).Load()
				}
				fmt.Fprintf(w, "sandgate_events_by_type_total{type=\"%s\"} %d\n", escapeLabelValue(t), n)
			}
		}

		if opts.SessionCount != nil {
			fmt.Fprint(w, "# HELP sandgate_sessions_active Sessions with a live hub.\n")
			fmt.Fprint(w, "# TYPE sandgate_sessions_active gauge\n")
			fmt.Fprintf(w, "sandgate_sessions_active %d\n", opts.SessionCount())
		}

		if opts.DroppedEvents != nil {
			fmt.Fprint(w, "# HELP sandgate_broadcast_dropped_total Client events dropped on slow subscribers.\n")
			fmt.Fprint(w, "# TYPE sandgate_broadcast_dropped_total counter\n")
			fmt.Fprintf(w, "sandgate_broadcast_dropped_total %d\n", opts.DroppedEvents())
		}

		if opts.PrebuildReloads != nil {
			reloads, failed := opts.PrebuildReloads()
			fmt.Fprint(w, "# HELP sandgate_prebuild_reloads_total Prebuild template reloads triggered.\n")
			fmt.Fprint(w, "# TYPE sandgate_prebuild_reloads_total counter\n")
			fmt.Fprintf(w, "sandgate_prebuild_reloads_total %d\n", reloads)

			fmt.Fprint(w, "# HELP sandgate_prebuild_reload_failures_total Prebuild template reloads that failed.\n")
			fmt.Fprint(w, "# TYPE sandgate_prebuild_reload_failures_total counter\n")
			fmt.Fprintf(w, "sandgate_prebuild_reload_failures_total %d\n", failed)
		}
	})
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
