package sandbox

import (
	"errors"
	"fmt"
)

// ErrSandboxNotFound reports a sandbox id the backend no longer knows.
var ErrSandboxNotFound = errors.New("sandbox not found")

// Error is the typed failure returned by provider operations. Retryable
// marks transient conditions (daemon hiccups, timeouts) that a later
// EnsureRuntimeReady attempt may clear.
type Error struct {
	Op        string
	Provider  string
	SandboxID string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.SandboxID != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, e.SandboxID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a provider error marked retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
