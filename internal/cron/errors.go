package cron

import "errors"

var (
	// ErrNotFound is returned for lookups of jobs that do not exist.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidSchedule is returned when a schedule variant is malformed:
	// unknown kind, non-positive interval, unparsable expression or timezone.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrInvalidPayload is returned when a payload variant is malformed.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrConflictingTargetAndPayload is returned when sessionTarget and
	// payload.kind disagree (main requires systemEvent, isolated agentTurn).
	ErrConflictingTargetAndPayload = errors.New("session target conflicts with payload kind")

	// ErrStorageUnavailable is returned once the catalog can no longer flush
	// to disk; the engine degrades and rejects new writes until resolved.
	ErrStorageUnavailable = errors.New("job storage unavailable")

	// ErrStaleAdvance is returned when an advance loses the CAS race: another
	// actor already committed the recurrence step.
	ErrStaleAdvance = errors.New("job already advanced")
)

// ErrorKind maps an engine error to its wire taxonomy kind.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSchedule):
		return ErrKindInvalidSchedule
	case errors.Is(err, ErrInvalidPayload):
		return ErrKindInvalidPayload
	case errors.Is(err, ErrConflictingTargetAndPayload):
		return ErrKindConflictingTarget
	case errors.Is(err, ErrNotFound):
		return ErrKindNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return ErrKindStorage
	default:
		return ErrKindInternal
	}
}
