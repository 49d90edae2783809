package cron

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/adjutant-ai/adjutant/internal/clock"
)

// Health states reported by the engine.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthHalted   = "halted"
)

// DefaultTickFloor is the minimum scheduler cadence: the loop never sleeps
// longer than this, so kill-switch flips and external catalog edits are
// noticed promptly.
const DefaultTickFloor = 5 * time.Second

// jobsFileDebounce lets rapid external writes to jobs.json settle before the
// catalog is reloaded.
const jobsFileDebounce = 150 * time.Millisecond

// Dispatch hands a claimed job and its freshly minted run record to the
// execution side. The store has already advanced the job before dispatch.
type Dispatch func(job *Job, rec *RunRecord)

// EngineOptions configures the scheduler loop.
type EngineOptions struct {
	TickFloor time.Duration
	MaxBatch  int

	// Disabled is the global kill-switch, consulted on every tick rather
	// than cached at startup.
	Disabled func() bool

	// WatchJobsFile enables an fsnotify watch on the catalog file so edits
	// made while the daemon runs (explicitly unsupported, but common) at
	// least trigger a reload instead of being silently clobbered.
	WatchJobsFile string
}

// Engine is the single-threaded cooperative scheduling loop: claim due jobs,
// commit their recurrence step, hand them to the dispatcher, sleep until the
// next due instant or a wake event.
type Engine struct {
	store    Store
	clk      clock.Clock
	dispatch Dispatch
	opts     EngineOptions

	wakeCh     chan struct{}
	stopCh     chan struct{}
	doneCh     chan struct{}
	mu         sync.Mutex
	running    bool
	lastTickMS atomic.Int64
}

// NewEngine creates a scheduler over the given store and dispatcher.
func NewEngine(store Store, clk clock.Clock, dispatch Dispatch, opts EngineOptions) *Engine {
	if opts.TickFloor <= 0 {
		opts.TickFloor = DefaultTickFloor
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 16
	}
	if opts.Disabled == nil {
		opts.Disabled = func() bool { return false }
	}
	return &Engine{
		store:    store,
		clk:      clk,
		dispatch: dispatch,
		opts:     opts,
		wakeCh:   make(chan struct{}, 1),
	}
}

// Start launches the loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.lastTickMS.Store(e.clk.NowMS())

	go e.loop(ctx)
	slog.Info("cron: scheduler started", "tickFloor", e.opts.TickFloor)
}

// Stop halts the loop and waits for it to exit. In-flight runs are the
// dispatcher's concern.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	done := e.doneCh
	e.mu.Unlock()

	<-done
	slog.Info("cron: scheduler stopped")
}

// Wake preempts the current sleep; used by job creation with wakeMode=now,
// manual runs and inbound triggers.
func (e *Engine) Wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Health reports ok / degraded / halted per the store's availability and the
// loop's tick recency.
func (e *Engine) Health() string {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	if !running {
		return HealthHalted
	}
	if since := e.clk.NowMS() - e.lastTickMS.Load(); since > 2*e.opts.TickFloor.Milliseconds() {
		return HealthHalted
	}
	if !e.store.Healthy() {
		return HealthDegraded
	}
	return HealthOK
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.doneCh)

	var watchEvents <-chan fsnotify.Event
	var watchErrors <-chan error
	if path := e.opts.WatchJobsFile; path != "" {
		if w, err := fsnotify.NewWatcher(); err != nil {
			slog.Warn("cron: jobs file watcher unavailable", "error", err)
		} else if err := w.Add(filepath.Dir(path)); err != nil {
			slog.Warn("cron: cannot watch jobs directory", "error", err)
			w.Close()
		} else {
			defer w.Close()
			watchEvents = w.Events
			watchErrors = w.Errors
		}
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	var reloadTimer *time.Timer
	var reloadC <-chan time.Time

	for {
		timer.Reset(e.sleepFor())

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return

		case <-e.wakeCh:
			stopTimer(timer)
			e.tick()

		case <-timer.C:
			e.tick()

		case ev := <-watchEvents:
			stopTimer(timer)
			if filepath.Base(ev.Name) != filepath.Base(e.opts.WatchJobsFile) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(jobsFileDebounce)
				reloadC = reloadTimer.C
			} else {
				reloadTimer.Reset(jobsFileDebounce)
			}

		case <-reloadC:
			reloadTimer = nil
			reloadC = nil
			if r, ok := e.store.(interface{ Reload() error }); ok {
				if err := r.Reload(); err != nil {
					slog.Error("cron: catalog reload failed", "error", err)
				} else {
					slog.Info("cron: catalog reloaded after external edit")
				}
			}

		case err := <-watchErrors:
			slog.Warn("cron: jobs file watcher error", "error", err)
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// sleepFor returns the time until the next due job, clamped to the tick
// floor so the kill switch and health heartbeat stay responsive.
func (e *Engine) sleepFor() time.Duration {
	floor := e.opts.TickFloor
	next := e.store.NextWakeMS()
	if next == nil {
		return floor
	}
	wait := time.Duration(*next-e.clk.NowMS()) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	if wait > floor {
		wait = floor
	}
	return wait
}

// tick claims due jobs, commits their recurrence step and dispatches them.
func (e *Engine) tick() {
	now := e.clk.Now()
	e.lastTickMS.Store(now.UnixMilli())

	if e.opts.Disabled() {
		return
	}

	claimed, err := e.store.ClaimDue(now.UnixMilli(), e.opts.MaxBatch)
	if err != nil {
		slog.Error("cron: claim failed, halting new work this tick", "error", err)
		return
	}

	for _, job := range claimed {
		due := *job.State.NextRunAtMS

		newDue, err := NextDue(&job.Schedule, job.CreatedAtMS, &due, now)
		if err != nil {
			slog.Error("cron: trigger evaluation failed, disabling job",
				"id", job.ID, "name", job.Name, "error", err)
			newDue = nil
		}

		if err := e.store.Advance(job.ID, due, newDue); err != nil {
			if IsStale(err) {
				// Another actor already advanced this job; drop the claim.
				slog.Debug("cron: advance lost CAS, dropping claim", "id", job.ID)
				continue
			}
			slog.Error("cron: advance failed", "id", job.ID, "error", err)
			continue
		}

		rec := &RunRecord{
			RunID:         NewRunID(),
			JobID:         job.ID,
			TriggeredAtMS: due,
		}
		slog.Info("cron: job due", "id", job.ID, "name", job.Name, "run", rec.RunID)
		e.dispatch(job, rec)
	}
}

// RunNow triggers a job outside its schedule. With force the due time and
// enabled flag are ignored; otherwise the job only runs when due, in which
// case the recurrence step is committed exactly as a tick would.
func (e *Engine) RunNow(jobID string, force bool) (ran bool, reason string, err error) {
	job, err := e.store.Get(jobID)
	if err != nil {
		return false, "", err
	}

	now := e.clk.Now()
	rec := &RunRecord{
		RunID:         NewRunID(),
		JobID:         job.ID,
		TriggeredAtMS: now.UnixMilli(),
	}

	if !force {
		if !job.Enabled {
			return false, "disabled", nil
		}
		if job.State.NextRunAtMS == nil || *job.State.NextRunAtMS > now.UnixMilli() {
			return false, "not-due", nil
		}
		due := *job.State.NextRunAtMS
		newDue, evalErr := NextDue(&job.Schedule, job.CreatedAtMS, &due, now)
		if evalErr != nil {
			return false, "", evalErr
		}
		if err := e.store.Advance(job.ID, due, newDue); err != nil {
			if IsStale(err) {
				return false, "already-claimed", nil
			}
			return false, "", err
		}
		rec.TriggeredAtMS = due
	}

	slog.Info("cron: manual run", "id", job.ID, "name", job.Name, "force", force)
	e.dispatch(job, rec)
	return true, "", nil
}

// Status summarises the engine for the status method and CLI.
func (e *Engine) Status() map[string]any {
	jobs := e.store.List()
	enabled := 0
	for _, j := range jobs {
		if j.Enabled {
			enabled++
		}
	}
	st := map[string]any{
		"health":  e.Health(),
		"jobs":    len(jobs),
		"enabled": enabled,
	}
	if next := e.store.NextWakeMS(); next != nil {
		st["nextWakeAtMs"] = *next
	}
	if e.opts.Disabled() {
		st["disabled"] = true
	}
	return st
}
