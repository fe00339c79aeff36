package types

// ExecResult reports a finished command. A non-zero exit code is a normal
// result, not an error.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`

	StdoutTruncated bool `json:"stdout_truncated,omitempty"`
	StderrTruncated bool `json:"stderr_truncated,omitempty"`

	DurationMs int64 `json:"duration_ms"`
}
