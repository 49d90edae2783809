package protocol

import "testing"

func TestCodeForErrorKind(t *testing.T) {
	cases := []struct {
		kind string
		want string
	}{
		{"invalid_schedule", ErrInvalidRequest},
		{"invalid_payload", ErrInvalidRequest},
		{"conflicting_target_and_payload", ErrInvalidRequest},
		{"not_found", ErrNotFound},
		{"lane_queue_full", ErrResourceExhausted},
		{"storage_unavailable", ErrUnavailable},
		{"agent_timeout", ErrAgentTimeout},
		{"cancelled", ErrFailedPrecondition},
		{"agent_error", ErrInternal},
		{"", ErrInternal},
	}
	for _, tc := range cases {
		if got := CodeForErrorKind(tc.kind); got != tc.want {
			t.Errorf("CodeForErrorKind(%q) = %q, want %q", tc.kind, got, tc.want)
		}
	}
}
