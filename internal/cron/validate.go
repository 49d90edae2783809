package cron

import (
	"fmt"
	"strings"

	"github.com/adjutant-ai/adjutant/internal/clock"
)

// Limits enforced at ingest.
type Limits struct {
	// MinIntervalMS is the smallest accepted "every" interval.
	MinIntervalMS int64
}

// DefaultLimits matches the engine's default tick floor: intervals shorter
// than one tick would just alias to it.
func DefaultLimits() Limits {
	return Limits{MinIntervalMS: 5_000}
}

// Normalize fills defaults in place before validation: wake mode, isolation
// defaults, trimmed name.
func Normalize(j *Job) {
	j.Name = strings.TrimSpace(j.Name)
	if j.SessionTarget == "" {
		j.SessionTarget = SessionTargetMain
	}
	if j.WakeMode == "" {
		j.WakeMode = WakeModeNextHeartbeat
	}
}

// Validate checks the §3 invariants on a fully merged job. Returned errors
// wrap the package sentinels so callers can map them to wire codes.
func Validate(j *Job, lim Limits) error {
	if j.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPayload)
	}

	if err := ValidateSchedule(&j.Schedule, lim); err != nil {
		return err
	}

	switch j.SessionTarget {
	case SessionTargetMain:
		if j.Payload.Kind != PayloadKindSystemEvent {
			return fmt.Errorf("%w: main session requires a systemEvent payload, got %q",
				ErrConflictingTargetAndPayload, j.Payload.Kind)
		}
		if j.Isolation != nil {
			return fmt.Errorf("%w: isolation options are only valid for isolated jobs",
				ErrConflictingTargetAndPayload)
		}
	case SessionTargetIsolated:
		if j.Payload.Kind != PayloadKindAgentTurn {
			return fmt.Errorf("%w: isolated session requires an agentTurn payload, got %q",
				ErrConflictingTargetAndPayload, j.Payload.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown session target %q", ErrInvalidPayload, j.SessionTarget)
	}

	switch j.Payload.Kind {
	case PayloadKindSystemEvent:
		if strings.TrimSpace(j.Payload.Text) == "" {
			return fmt.Errorf("%w: systemEvent requires non-empty text", ErrInvalidPayload)
		}
	case PayloadKindAgentTurn:
		if strings.TrimSpace(j.Payload.Message) == "" {
			return fmt.Errorf("%w: agentTurn requires non-empty message", ErrInvalidPayload)
		}
		if j.Payload.TimeoutSeconds < 0 {
			return fmt.Errorf("%w: timeoutSeconds must be >= 0", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown payload kind %q", ErrInvalidPayload, j.Payload.Kind)
	}

	switch j.WakeMode {
	case WakeModeNow, WakeModeNextHeartbeat:
	default:
		return fmt.Errorf("%w: unknown wake mode %q", ErrInvalidPayload, j.WakeMode)
	}

	if iso := j.Isolation; iso != nil {
		switch iso.PostToMainMode {
		case "", "summary", "full":
		default:
			return fmt.Errorf("%w: postToMainMode must be \"summary\" or \"full\"", ErrInvalidPayload)
		}
		if iso.PostToMainMaxChars < 0 {
			return fmt.Errorf("%w: postToMainMaxChars must be >= 0", ErrInvalidPayload)
		}
	}

	return nil
}

// ValidateSchedule checks a single schedule variant.
func ValidateSchedule(s *Schedule, lim Limits) error {
	switch s.Kind {
	case ScheduleKindAt:
		if s.AtMS == nil || *s.AtMS <= 0 {
			return fmt.Errorf("%w: \"at\" requires atMs", ErrInvalidSchedule)
		}
	case ScheduleKindEvery:
		if s.EveryMS == nil || *s.EveryMS <= 0 {
			return fmt.Errorf("%w: \"every\" requires a positive everyMs", ErrInvalidSchedule)
		}
		if lim.MinIntervalMS > 0 && *s.EveryMS < lim.MinIntervalMS {
			return fmt.Errorf("%w: everyMs %d is below the minimum interval %dms",
				ErrInvalidSchedule, *s.EveryMS, lim.MinIntervalMS)
		}
	case ScheduleKindCron:
		if s.Expr == "" {
			return fmt.Errorf("%w: \"cron\" requires expr", ErrInvalidSchedule)
		}
		if !clock.ValidCronExpr(s.Expr) {
			return fmt.Errorf("%w: unparsable cron expression %q", ErrInvalidSchedule, s.Expr)
		}
		if s.TZ != "" {
			if _, err := clock.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidSchedule, s.Kind)
	}
	return nil
}

// ApplyPatch merges a patch into a copy of the job and returns it; the caller
// re-validates and commits. AgentID supports explicit-null clearing.
func ApplyPatch(j *Job, patch JobPatch) *Job {
	merged := j.Clone()

	if patch.Name != nil {
		merged.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		merged.Description = *patch.Description
	}
	if patch.AgentID != nil && patch.AgentID.Set {
		merged.AgentID = patch.AgentID.Value
	}
	if patch.Enabled != nil {
		merged.Enabled = *patch.Enabled
	}
	if patch.Schedule != nil {
		merged.Schedule = *patch.Schedule
	}
	if patch.WakeMode != nil {
		merged.WakeMode = *patch.WakeMode
	}
	if patch.Payload != nil {
		merged.Payload = *patch.Payload
	}
	if patch.Isolation != nil {
		iso := *patch.Isolation
		merged.Isolation = &iso
	}
	if patch.DeleteAfterRun != nil {
		merged.DeleteAfterRun = *patch.DeleteAfterRun
	}

	return merged
}
