package scheduler

import "errors"

var (
	// ErrLaneQueueFull is returned when a session's pending queue is at
	// capacity; the caller decides whether to retry or surface the reject.
	ErrLaneQueueFull = errors.New("lane queue is full")

	// ErrStopped is returned when work is submitted after shutdown.
	ErrStopped = errors.New("dispatcher stopped")
)
