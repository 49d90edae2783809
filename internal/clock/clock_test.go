package clock

import (
	"testing"
	"time"
)

func TestSystem_Monotonic(t *testing.T) {
	c := NewSystem()

	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		if now.Before(prev) {
			t.Fatalf("clock moved backwards: %v -> %v", prev, now)
		}
		prev = now
	}
}

func TestFake_AdvanceAndSet(t *testing.T) {
	start := time.Date(2025, 1, 30, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	c.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if got := c.Now(); !got.Equal(want) {
		t.Errorf("after Advance, Now() = %v, want %v", got, want)
	}
	if got := c.NowMS(); got != want.UnixMilli() {
		t.Errorf("NowMS() = %d, want %d", got, want.UnixMilli())
	}

	defer func() {
		if recover() == nil {
			t.Error("Set() into the past should panic")
		}
	}()
	c.Set(start)
}

func TestNextCronTick_Basic(t *testing.T) {
	after := time.Date(2025, 6, 2, 6, 30, 0, 0, time.UTC)

	next, err := NextCronTick("0 7 * * *", "UTC", after)
	if err != nil {
		t.Fatalf("NextCronTick: %v", err)
	}
	want := time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextCronTick_StrictlyAfter(t *testing.T) {
	// A reference instant exactly on the fire time must resolve to the
	// following occurrence, not itself.
	at := time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)

	next, err := NextCronTick("0 7 * * *", "UTC", at)
	if err != nil {
		t.Fatalf("NextCronTick: %v", err)
	}
	want := time.Date(2025, 6, 3, 7, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextCronTick_Timezone(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 2025-03-09 is the US spring-forward date. 07:00 local exists on both
	// sides of the transition; the job must fire exactly once per local day.
	after := time.Date(2025, 3, 8, 8, 0, 0, 0, la)

	next, err := NextCronTick("0 7 * * *", "America/Los_Angeles", after)
	if err != nil {
		t.Fatalf("NextCronTick: %v", err)
	}
	if got := next.In(la); got.Hour() != 7 || got.Day() != 9 {
		t.Errorf("next = %v, want 07:00 local on Mar 9", got)
	}

	following, err := NextCronTick("0 7 * * *", "America/Los_Angeles", next)
	if err != nil {
		t.Fatalf("NextCronTick: %v", err)
	}
	if got := following.In(la); got.Hour() != 7 || got.Day() != 10 {
		t.Errorf("following = %v, want 07:00 local on Mar 10", got)
	}
	// Spring-forward day is 23 hours long.
	if d := following.Sub(next); d != 23*time.Hour && d != 24*time.Hour && d != 25*time.Hour {
		t.Errorf("gap between fires = %v, want a whole local day", d)
	}
}

func TestNextCronTick_FallBackStaysStrictlyAfter(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 2025-11-02 is the US fall-back date: 01:00-02:00 local occurs twice.
	// A reference instant inside the repeated hour must never resolve to a
	// tick at or before itself.
	refs := []time.Time{
		// Seconds after the first 01:30 (PDT, UTC-7).
		time.Date(2025, 11, 2, 8, 30, 5, 0, time.UTC),
		// Mid repeated hour, second pass (PST, UTC-8).
		time.Date(2025, 11, 2, 9, 45, 0, 0, time.UTC),
	}
	for _, after := range refs {
		next, err := NextCronTick("30 1 * * *", "America/Los_Angeles", after)
		if err != nil {
			t.Fatalf("NextCronTick(%v): %v", after, err)
		}
		if !next.After(after) {
			t.Errorf("next = %v, not after %v", next, after)
		}
		if got := next.In(la); got.Day() != 3 || got.Hour() != 1 || got.Minute() != 30 {
			t.Errorf("next = %v, want 01:30 local on Nov 3", got)
		}
	}
}

func TestNextCronTick_FallBackDoubledHourFiresOnce(t *testing.T) {
	if _, err := time.LoadLocation("America/Los_Angeles"); err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	after := time.Date(2025, 11, 1, 19, 0, 0, 0, time.UTC) // Nov 1, noon local
	first, err := NextCronTick("30 1 * * *", "America/Los_Angeles", after)
	if err != nil {
		t.Fatalf("NextCronTick: %v", err)
	}
	following, err := NextCronTick("30 1 * * *", "America/Los_Angeles", first)
	if err != nil {
		t.Fatalf("NextCronTick: %v", err)
	}
	// Fall-back day is 25 hours long; the second pass through 01:30 must
	// not produce an extra fire.
	if d := following.Sub(first); d < 24*time.Hour {
		t.Errorf("gap between fires = %v, want at least a full day", d)
	}
}

func TestNextCronTick_DayOfWeekAlias(t *testing.T) {
	// Monday 2025-06-02.
	after := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	next, err := NextCronTick("30 9 * * FRI", "UTC", after)
	if err != nil {
		t.Fatalf("NextCronTick: %v", err)
	}
	want := time.Date(2025, 6, 6, 9, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestValidCronExpr(t *testing.T) {
	valid := []string{"* * * * *", "0 7 * * *", "*/5 2-4 1,15 * MON-FRI"}
	for _, expr := range valid {
		if !ValidCronExpr(expr) {
			t.Errorf("ValidCronExpr(%q) = false, want true", expr)
		}
	}

	invalid := []string{"", "not a cron", "61 * * * *", "* * * *"}
	for _, expr := range invalid {
		if ValidCronExpr(expr) {
			t.Errorf("ValidCronExpr(%q) = true, want false", expr)
		}
	}
}

func TestLoadLocation_Unknown(t *testing.T) {
	if _, err := LoadLocation("Mars/Olympus_Mons"); err == nil {
		t.Error("LoadLocation should fail for unknown zone")
	}
}
