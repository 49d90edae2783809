// Package agent defines the engine's view of the agent runtime: an opaque
// run function over opaque session ids, with errors tagged retryable or
// terminal. The runtime itself (prompt assembly, model calls, session
// history) lives behind the Runner interface.
package agent

import (
	"context"
	"errors"
	"time"
)

// RunRequest is one agent turn.
type RunRequest struct {
	SessionID string
	Prompt    string

	// Overrides; zero values mean "runtime default".
	Model    string
	Thinking string
	Timeout  time.Duration
}

// Usage is the runtime's token accounting for a run.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// RunResult carries the agent's final output.
type RunResult struct {
	Text  string
	Usage *Usage
}

// Runner executes agent turns. Implementations own the session state behind
// SessionID; the engine never inspects it.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// Error is a runtime failure tagged with retryability. The executor retries
// a run exactly once when the runtime marks the failure transient.
type Error struct {
	Message   string
	Timeout   bool
	Retryable bool
}

func (e *Error) Error() string { return e.Message }

// NewTerminal builds a non-retryable runtime error.
func NewTerminal(msg string) *Error {
	return &Error{Message: msg}
}

// NewTransient builds a retryable runtime error.
func NewTransient(msg string) *Error {
	return &Error{Message: msg, Retryable: true}
}

// NewTimeout builds a timeout error; transient controls whether a single
// retry is allowed.
func NewTimeout(msg string, transient bool) *Error {
	return &Error{Message: msg, Timeout: true, Retryable: transient}
}

// IsRetryable reports whether the runtime tagged err transient.
func IsRetryable(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Retryable
}

// IsTimeout reports whether err is a runtime timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ae *Error
	return errors.As(err, &ae) && ae.Timeout
}
