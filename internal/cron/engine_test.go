package cron

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adjutant-ai/adjutant/internal/clock"
)

// dispatchRecorder captures dispatched (job, record) pairs.
type dispatchRecorder struct {
	mu   sync.Mutex
	jobs []*Job
	recs []*RunRecord
}

func (d *dispatchRecorder) dispatch(job *Job, rec *RunRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	d.recs = append(d.recs, rec)
}

func (d *dispatchRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func newTestEngine(t *testing.T, clk clock.Clock, opts EngineOptions) (*Engine, *FileStore, *dispatchRecorder) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileStore(FileStoreOptions{
		Path:    filepath.Join(dir, "jobs.json"),
		RunsDir: filepath.Join(dir, "runs"),
	}, clk)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	rec := &dispatchRecorder{}
	return NewEngine(store, clk, rec.dispatch, opts), store, rec
}

func TestEngineTickClaimsAdvancesDispatches(t *testing.T) {
	clk := clock.NewFakeMS(1_000_000)
	e, store, rec := newTestEngine(t, clk, EngineOptions{})

	added, err := store.Add(mainJob("every-minute"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	firstDue := *added.State.NextRunAtMS

	// Not yet due: nothing happens.
	e.tick()
	if rec.count() != 0 {
		t.Fatalf("dispatched %d before due", rec.count())
	}

	clk.Set(time.UnixMilli(firstDue))
	e.tick()
	if rec.count() != 1 {
		t.Fatalf("dispatched %d, want 1", rec.count())
	}
	if rec.recs[0].TriggeredAtMS != firstDue {
		t.Fatalf("triggeredAt = %d, want %d", rec.recs[0].TriggeredAtMS, firstDue)
	}
	if rec.recs[0].RunID == "" {
		t.Fatal("run record has no id")
	}

	// The recurrence step was committed: the job is not due again this tick.
	e.tick()
	if rec.count() != 1 {
		t.Fatalf("re-dispatched a claimed job, count = %d", rec.count())
	}

	got, _ := store.Get(added.ID)
	if got.State.NextRunAtMS == nil || *got.State.NextRunAtMS != firstDue+60_000 {
		t.Fatalf("nextRunAt = %v, want %d", got.State.NextRunAtMS, firstDue+60_000)
	}

	// Next interval fires again.
	clk.Set(time.UnixMilli(firstDue + 60_000))
	e.tick()
	if rec.count() != 2 {
		t.Fatalf("dispatched %d after second interval, want 2", rec.count())
	}
}

func TestEngineOneShotDispatchedOnceThenDone(t *testing.T) {
	clk := clock.NewFakeMS(0)
	e, store, rec := newTestEngine(t, clk, EngineOptions{})

	j := mainJob("once")
	j.Schedule = Schedule{Kind: ScheduleKindAt, AtMS: ms(5_000)}
	added, err := store.Add(j)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	clk.Set(time.UnixMilli(10_000))
	e.tick()
	if rec.count() != 1 {
		t.Fatalf("dispatched %d, want 1", rec.count())
	}

	got, _ := store.Get(added.ID)
	if got.Enabled {
		t.Fatal("one-shot still enabled after firing")
	}

	clk.Set(time.UnixMilli(20_000))
	e.tick()
	if rec.count() != 1 {
		t.Fatalf("one-shot fired again, count = %d", rec.count())
	}
}

func TestEngineKillSwitchSkipsTick(t *testing.T) {
	clk := clock.NewFakeMS(0)
	disabled := true
	e, store, rec := newTestEngine(t, clk, EngineOptions{
		Disabled: func() bool { return disabled },
	})

	j := mainJob("held")
	j.Schedule = Schedule{Kind: ScheduleKindAt, AtMS: ms(1_000)}
	if _, err := store.Add(j); err != nil {
		t.Fatalf("Add: %v", err)
	}

	clk.Set(time.UnixMilli(5_000))
	e.tick()
	if rec.count() != 0 {
		t.Fatalf("kill switch on but dispatched %d", rec.count())
	}

	// Flipping the switch off lets the next tick fire; the job was held, not
	// lost.
	disabled = false
	e.tick()
	if rec.count() != 1 {
		t.Fatalf("dispatched %d after kill switch off, want 1", rec.count())
	}
}

func TestEngineRunNowForce(t *testing.T) {
	clk := clock.NewFakeMS(0)
	e, store, rec := newTestEngine(t, clk, EngineOptions{})

	j := mainJob("manual")
	j.Enabled = false
	added, err := store.Add(j)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Non-forced run of a disabled job: refused with a reason.
	ran, reason, err := e.RunNow(added.ID, false)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if ran || reason != "disabled" {
		t.Fatalf("ran=%v reason=%q, want false/disabled", ran, reason)
	}

	// Forced run ignores schedule and enablement.
	ran, _, err = e.RunNow(added.ID, true)
	if err != nil {
		t.Fatalf("forced RunNow: %v", err)
	}
	if !ran || rec.count() != 1 {
		t.Fatalf("ran=%v count=%d, want true/1", ran, rec.count())
	}

	// Schedule state untouched by a forced run.
	got, _ := store.Get(added.ID)
	if got.Enabled {
		t.Fatal("forced run re-enabled the job")
	}
}

func TestEngineRunNowDueCommitsStep(t *testing.T) {
	clk := clock.NewFakeMS(1_000_000)
	e, store, rec := newTestEngine(t, clk, EngineOptions{})

	added, err := store.Add(mainJob("due-now"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	firstDue := *added.State.NextRunAtMS

	ran, reason, err := e.RunNow(added.ID, false)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if ran || reason != "not-due" {
		t.Fatalf("ran=%v reason=%q, want false/not-due", ran, reason)
	}

	clk.Set(time.UnixMilli(firstDue))
	ran, _, err = e.RunNow(added.ID, false)
	if err != nil {
		t.Fatalf("due RunNow: %v", err)
	}
	if !ran || rec.count() != 1 {
		t.Fatalf("ran=%v count=%d, want true/1", ran, rec.count())
	}

	// The step committed: an immediate tick does not double-fire.
	e.tick()
	if rec.count() != 1 {
		t.Fatalf("tick double-fired after manual run, count = %d", rec.count())
	}
}

func TestEngineRunNowUnknownJob(t *testing.T) {
	clk := clock.NewFakeMS(0)
	e, _, _ := newTestEngine(t, clk, EngineOptions{})
	if _, _, err := e.RunNow("missing", true); err == nil {
		t.Fatal("expected ErrNotFound for unknown job")
	}
}

func TestEngineHealthTransitions(t *testing.T) {
	clk := clock.NewFakeMS(0)
	e, _, _ := newTestEngine(t, clk, EngineOptions{TickFloor: 30 * time.Second})

	if got := e.Health(); got != HealthHalted {
		t.Fatalf("health before start = %q, want halted", got)
	}

	e.Start(context.Background())
	defer e.Stop()
	if got := e.Health(); got != HealthOK {
		t.Fatalf("health after start = %q, want ok", got)
	}

	// No tick recorded within 2x the floor: halted. The loop's real timers
	// have not fired because the fake clock moved, not the wall clock.
	clk.Advance(2 * time.Minute)
	if got := e.Health(); got != HealthHalted {
		t.Fatalf("health with stale tick = %q, want halted", got)
	}
}

func TestEngineStartStopWake(t *testing.T) {
	clk := clock.NewFakeMS(0)
	e, store, rec := newTestEngine(t, clk, EngineOptions{TickFloor: time.Hour})

	j := mainJob("woken")
	j.Schedule = Schedule{Kind: ScheduleKindAt, AtMS: ms(1)}
	if _, err := store.Add(j); err != nil {
		t.Fatalf("Add: %v", err)
	}
	clk.Set(time.UnixMilli(10))

	e.Start(context.Background())
	e.Wake()

	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("wake did not trigger a dispatch")
		case <-time.After(5 * time.Millisecond):
		}
	}

	e.Stop()
	// Stop is idempotent.
	e.Stop()
}

func TestEngineStatus(t *testing.T) {
	clk := clock.NewFakeMS(0)
	e, store, _ := newTestEngine(t, clk, EngineOptions{})

	j := mainJob("on")
	j.Schedule = Schedule{Kind: ScheduleKindAt, AtMS: ms(7_000)}
	if _, err := store.Add(j); err != nil {
		t.Fatalf("Add: %v", err)
	}
	off := mainJob("off")
	off.Enabled = false
	if _, err := store.Add(off); err != nil {
		t.Fatalf("Add: %v", err)
	}

	st := e.Status()
	if st["jobs"] != 2 || st["enabled"] != 1 {
		t.Fatalf("status = %v, want jobs=2 enabled=1", st)
	}
	if st["health"] != HealthHalted {
		t.Fatalf("health = %v, want halted (not started)", st["health"])
	}
	if st["nextWakeAtMs"] != int64(7_000) {
		t.Fatalf("nextWakeAtMs = %v, want 7000", st["nextWakeAtMs"])
	}
}
