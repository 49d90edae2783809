package cron

import (
	"time"

	"github.com/adjutant-ai/adjutant/internal/clock"
)

// NextDue computes when a schedule is next due, given the previous due
// instant (nil if the job never fired) and the current instant. A nil result
// with nil error means the schedule is done and will never fire again.
//
// The evaluator is pure: two processes with the same stored state and the
// same clock compute identical due times.
func NextDue(s *Schedule, createdAtMS int64, lastDueMS *int64, now time.Time) (*int64, error) {
	nowMS := now.UnixMilli()

	switch s.Kind {
	case ScheduleKindAt:
		// Fires once, even if the process slept past the timestamp.
		if lastDueMS != nil {
			return nil, nil
		}
		v := *s.AtMS
		return &v, nil

	case ScheduleKindEvery:
		every := *s.EveryMS
		if lastDueMS == nil {
			v := createdAtMS + every
			return &v, nil
		}
		candidate := *lastDueMS + every
		if candidate >= nowMS {
			return &candidate, nil
		}
		// The process slept through one or more intervals. The missed window
		// already fired once (the claim that led here); resynchronise onto
		// the creation-time grid instead of drifting.
		elapsed := nowMS - createdAtMS
		v := createdAtMS + (elapsed/every+1)*every
		return &v, nil

	case ScheduleKindCron:
		after := now
		if lastDueMS != nil {
			if last := time.UnixMilli(*lastDueMS); last.After(after) {
				after = last
			}
		}
		next, err := clock.NextCronTick(s.Expr, s.TZ, after)
		if err != nil {
			return nil, err
		}
		v := next.UnixMilli()
		return &v, nil

	default:
		return nil, ErrInvalidSchedule
	}
}

// InitialDue computes the first due instant for a newly created or re-enabled
// job. For "at" schedules that is the stored timestamp even when it is in the
// past (the job fires late rather than never).
func InitialDue(s *Schedule, createdAtMS int64, now time.Time) (*int64, error) {
	return NextDue(s, createdAtMS, nil, now)
}
