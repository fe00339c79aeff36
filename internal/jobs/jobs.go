// Package jobs runs delayed one-shot callbacks keyed by session id. It backs
// the expiry trigger: scheduling a key again replaces whatever was pending,
// so a session only ever has one upcoming expiry job.
package jobs

import (
	"log/slog"
	"sync"
	"time"
)

type Scheduler struct {
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arranges for fn to run at the given time, replacing any pending
// job for the same key. A deadline in the past fires immediately. fn runs on
// the timer goroutine and may call Schedule again for its own key.
func (s *Scheduler) Schedule(key string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if old, ok := s.timers[key]; ok {
		old.Stop()
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// A replacement or cancel can slip in between the timer firing and
		// this lock; the handle check makes the stale run a no-op.
		if s.closed || s.timers[key] != tm {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = tm

	s.logger.Debug("job scheduled", "key", key, "at", at)
}

// Cancel drops any pending job for the key.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tm, ok := s.timers[key]; ok {
		tm.Stop()
		delete(s.timers, key)
	}
}

// Pending reports whether a job is scheduled for the key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Close cancels all pending jobs. Jobs whose callback is already running are
// not interrupted.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for key, tm := range s.timers {
		tm.Stop()
		delete(s.timers, key)
	}
}
