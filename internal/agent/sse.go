package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const sseMaxLineSize = 1 << 20

// SSEClient consumes the agent's event stream. It is pure transport: frames
// are decoded and handed to OnEvent in arrival order, and a watchdog fires
// OnDisconnect if the stream goes silent past the heartbeat timeout. It
// never reconnects; that policy belongs to the caller.
//
// Stream close, remote errors and heartbeat timeout all funnel into the
// same OnDisconnect, which fires at most once. Close tears the stream down
// without firing it.
type SSEClient struct {
	url              string
	heartbeatTimeout time.Duration
	onEvent          func(Event)
	onDisconnect     func(reason string)
	logger           *slog.Logger

	cancel       context.CancelFunc
	lastFrame    atomic.Int64
	disconnected atomic.Bool
	done         chan struct{}
}

type SSEConfig struct {
	URL              string
	HeartbeatTimeout time.Duration
	OnEvent          func(Event)
	OnDisconnect     func(reason string)
	Logger           *slog.Logger
}

// ConnectSSE opens the stream and starts the reader and watchdog. ctx
// ending tears the stream down and reports it through OnDisconnect; only
// Close suppresses the callback.
func ConnectSSE(ctx context.Context, cfg SSEConfig) (*SSEClient, error) {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 45 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// No client-level timeout: this request is expected to stay open.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	c := &SSEClient{
		url:              cfg.URL,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		onEvent:          cfg.OnEvent,
		onDisconnect:     cfg.OnDisconnect,
		logger:           cfg.Logger,
		cancel:           cancel,
		done:             make(chan struct{}),
	}
	c.lastFrame.Store(time.Now().UnixNano())

	go c.readLoop(streamCtx, resp.Body)
	go c.watchdog(streamCtx)
	return c, nil
}

// Close tears down the stream without invoking OnDisconnect. Safe to call
// more than once.
func (c *SSEClient) Close() {
	c.disconnected.Store(true)
	c.cancel()
	<-c.done
}

func (c *SSEClient) readLoop(ctx context.Context, body io.ReadCloser) {
	defer close(c.done)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, sseMaxLineSize), sseMaxLineSize)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		c.lastFrame.Store(time.Now().UnixNano())

		switch {
		case line == "":
			if data.Len() > 0 {
				c.dispatch(data.Bytes())
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// Comment line; servers send these as keepalives.
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/retry: fields. The envelope's type field is
			// authoritative, so these carry nothing we need.
		}
	}
	if data.Len() > 0 {
		c.dispatch(data.Bytes())
	}

	reason := "stream closed"
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		reason = "stream error: " + err.Error()
	}
	c.fireDisconnect(reason)
}

func (c *SSEClient) dispatch(raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.logger.Debug("dropping unparseable stream frame", "url", c.url, "error", err)
		return
	}
	if ev.Type == "" {
		return
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *SSEClient) watchdog(ctx context.Context) {
	interval := c.heartbeatTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silent := time.Duration(time.Now().UnixNano() - c.lastFrame.Load())
			if silent > c.heartbeatTimeout {
				c.fireDisconnect("heartbeat timeout")
				return
			}
		}
	}
}

func (c *SSEClient) fireDisconnect(reason string) {
	if !c.disconnected.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	c.logger.Debug("agent stream disconnected", "url", c.url, "reason", reason)
	if c.onDisconnect != nil {
		c.onDisconnect(reason)
	}
}
