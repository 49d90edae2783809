package protocol

// Error codes carried in ErrorShape.Code.
const (
	ErrInvalidRequest     = "INVALID_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrAlreadyExists      = "ALREADY_EXISTS"
	ErrResourceExhausted  = "RESOURCE_EXHAUSTED"
	ErrFailedPrecondition = "FAILED_PRECONDITION"
	ErrUnavailable        = "UNAVAILABLE"
	ErrAgentTimeout       = "AGENT_TIMEOUT"
	ErrInternal           = "INTERNAL"
)

// CodeForErrorKind maps the engine's error kinds (as recorded in run records
// and returned from the cron surface) onto wire codes.
func CodeForErrorKind(kind string) string {
	switch kind {
	case "invalid_schedule", "invalid_payload", "conflicting_target_and_payload":
		return ErrInvalidRequest
	case "not_found":
		return ErrNotFound
	case "lane_queue_full":
		return ErrResourceExhausted
	case "storage_unavailable":
		return ErrUnavailable
	case "agent_timeout":
		return ErrAgentTimeout
	case "cancelled":
		return ErrFailedPrecondition
	default:
		return ErrInternal
	}
}
