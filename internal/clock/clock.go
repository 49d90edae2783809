// Package clock is the single source of time for the scheduling engine.
// Components never read the wall clock directly; they hold a Clock so tests
// can substitute a deterministic fake.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Clock yields the current instant and resolves calendar expressions in
// named timezones to absolute instants.
type Clock interface {
	// Now returns the current instant. Never decreases within a process.
	Now() time.Time

	// NowMS returns the current instant as unix milliseconds.
	NowMS() int64

	// NextCron returns the earliest instant strictly after `after` matching
	// the 5-field cron expression in the given IANA timezone. An empty tz
	// means host local time.
	NextCron(expr, tz string, after time.Time) (time.Time, error)
}

// System is the production clock backed by the OS wall clock.
type System struct {
	mu   sync.Mutex
	last time.Time
}

// NewSystem creates a production clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the wall-clock time, clamped so it never moves backwards
// (NTP step-backs would otherwise break "next due" math).
func (c *System) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}

func (c *System) NowMS() int64 {
	return c.Now().UnixMilli()
}

func (c *System) NextCron(expr, tz string, after time.Time) (time.Time, error) {
	return NextCronTick(expr, tz, after)
}

// tz lookups are cached; time.LoadLocation hits the filesystem otherwise.
var (
	tzMu    sync.Mutex
	tzCache = map[string]*time.Location{}
)

// LoadLocation resolves an IANA timezone name with caching.
// An empty name resolves to the host local timezone.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}

	tzMu.Lock()
	defer tzMu.Unlock()

	if loc, ok := tzCache[tz]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	tzCache[tz] = loc
	return loc, nil
}

// NextCronTick computes the next cron fire strictly after `after` in tz.
// gronx evaluates the expression against the wall time of the instant we
// hand it, so converting into the job's location gives correct local-time
// semantics across DST transitions: skipped hours are skipped and doubled
// hours fire once, at the earlier occurrence.
func NextCronTick(expr, tz string, after time.Time) (time.Time, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	next, err := gronx.NextTickAfter(expr, after.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron expression %q: %w", expr, err)
	}

	// During the fall-back transition the wall clock repeats an hour and
	// gronx resolves the ambiguous match to its first occurrence, which can
	// be an instant at or before `after`. Re-query from past the repeated
	// window; the doubled hour fires only at that first occurrence.
	guard := after
	for tries := 0; !next.After(after); tries++ {
		if tries == 3 {
			return time.Time{}, fmt.Errorf("cron expression %q: no tick after %v", expr, after)
		}
		guard = guard.Add(time.Hour)
		next, err = gronx.NextTickAfter(expr, guard.In(loc), false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron expression %q: %w", expr, err)
		}
	}
	return next, nil
}

// ValidCronExpr reports whether expr parses as a 5-field cron expression.
func ValidCronExpr(expr string) bool {
	return gronx.New().IsValid(expr)
}
