// Package webhook forwards client events to an external collector in
// batches. Append-only; queries belong to the primary store.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sandgate/sandgate/pkg/types"
)

type Store struct {
	url           string
	batchSize     int
	flushInterval time.Duration
	timeout       time.Duration
	headers       map[string]string

	client *http.Client

	mu        sync.Mutex
	buf       []types.ClientEvent
	lastFlush time.Time
	sendErr   error
	closed    bool

	inflight sync.WaitGroup
}

func New(url string, batchSize int, flushInterval time.Duration, timeout time.Duration, headers map[string]string) (*Store, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hcopy := map[string]string{}
	for k, v := range headers {
		hcopy[k] = v
	}
	return &Store{
		url:           url,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		timeout:       timeout,
		headers:       hcopy,
		client:        &http.Client{Timeout: timeout},
		lastFlush:     time.Now().UTC(),
	}, nil
}

// AppendEvent buffers the event and kicks off delivery when the batch is
// full or the flush interval has elapsed. Delivery runs in the background
// so a slow collector never stalls the event pipeline; a delivery failure
// is reported by the next AppendEvent or by Close.
func (s *Store) AppendEvent(_ context.Context, ev types.ClientEvent) error {
	var toFlush []types.ClientEvent

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("webhook store closed")
	}
	err := s.sendErr
	s.sendErr = nil
	s.buf = append(s.buf, ev)
	now := time.Now().UTC()
	shouldFlush := len(s.buf) >= s.batchSize || now.Sub(s.lastFlush) >= s.flushInterval
	if shouldFlush {
		toFlush = append([]types.ClientEvent(nil), s.buf...)
		s.buf = nil
		s.lastFlush = now
		s.inflight.Add(1)
	}
	s.mu.Unlock()

	if toFlush != nil {
		go func() {
			defer s.inflight.Done()
			if ferr := s.flush(context.Background(), toFlush); ferr != nil {
				s.mu.Lock()
				s.sendErr = ferr
				s.mu.Unlock()
			}
		}()
	}
	return err
}

func (s *Store) QueryEvents(_ context.Context, _ types.EventQuery) ([]types.ClientEvent, error) {
	return nil, fmt.Errorf("webhook store does not support queries")
}

// Close waits for in-flight deliveries and flushes whatever is still
// buffered.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()

	s.mu.Lock()
	toFlush := s.buf
	s.buf = nil
	err := s.sendErr
	s.sendErr = nil
	s.mu.Unlock()

	if len(toFlush) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if ferr := s.flush(ctx, toFlush); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

func (s *Store) flush(ctx context.Context, batch []types.ClientEvent) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}
