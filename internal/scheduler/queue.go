package scheduler

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one unit of work bound to a session key. The context is cancelled
// when the run is cancelled externally or the dispatcher stops; tasks check
// it cooperatively at their suspension points.
type Task func(ctx context.Context)

// DefaultQueueCap bounds pending work per session key.
const DefaultQueueCap = 10

// sessionQueue serialises tasks for one session key: at most one executes at
// a time, the rest wait FIFO up to the cap.
type sessionQueue struct {
	key   string
	lane  string
	cap   int
	lanes *LaneManager

	mu     sync.Mutex
	queue  []Task
	active bool
	cancel context.CancelFunc
}

func newSessionQueue(key, lane string, cap int, lanes *LaneManager) *sessionQueue {
	return &sessionQueue{key: key, lane: lane, cap: cap, lanes: lanes}
}

// enqueue admits a task or rejects with ErrLaneQueueFull. Admission counts
// only waiting tasks; the active one has already left the queue.
func (sq *sessionQueue) enqueue(task Task) error {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	if len(sq.queue) >= sq.cap {
		return ErrLaneQueueFull
	}
	sq.queue = append(sq.queue, task)
	sq.startNextLocked()
	return nil
}

// startNextLocked pops the head of the queue, marks it active and hands it
// off. Caller holds sq.mu. The lane submit happens on a fresh goroutine: it
// can block while the lane buffer is full, and must do so without holding
// the session lock or parking a lane worker.
func (sq *sessionQueue) startNextLocked() {
	if sq.active || len(sq.queue) == 0 {
		return
	}

	task := sq.queue[0]
	sq.queue = sq.queue[1:]
	sq.active = true

	runCtx, cancel := context.WithCancel(context.Background())
	sq.cancel = cancel

	go sq.dispatch(runCtx, cancel, task)
}

func (sq *sessionQueue) dispatch(runCtx context.Context, cancel context.CancelFunc, task Task) {
	lane := sq.lanes.Get(sq.lane)
	err := lane.Submit(context.Background(), func() {
		sq.run(runCtx, task)
	})
	if err == nil {
		return
	}

	slog.Warn("dispatch: lane rejected task", "lane", sq.lane, "session", sq.key, "error", err)
	cancel()
	sq.mu.Lock()
	sq.active = false
	sq.cancel = nil
	sq.mu.Unlock()
}

func (sq *sessionQueue) run(ctx context.Context, task Task) {
	task(ctx)

	sq.mu.Lock()
	sq.active = false
	if sq.cancel != nil {
		sq.cancel()
		sq.cancel = nil
	}
	sq.startNextLocked()
	sq.mu.Unlock()
}

// cancelActive cancels the in-flight task's context, if any. Queued tasks
// are untouched; they run in order once the lane frees up.
func (sq *sessionQueue) cancelActive() bool {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.active && sq.cancel != nil {
		sq.cancel()
		return true
	}
	return false
}

func (sq *sessionQueue) pending() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.queue)
}

// Dispatcher is the shared coordination point between the cron engine, the
// inbound channel plumbing and the executor workers: per-session-key
// serialisation over lane-bounded global parallelism.
type Dispatcher struct {
	lanes    *LaneManager
	queueCap int

	mu       sync.RWMutex
	sessions map[string]*sessionQueue
	stopped  bool
}

// NewDispatcher builds lanes from config and an empty session table.
func NewDispatcher(laneConfigs []LaneConfig, queueCap int) *Dispatcher {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	return &Dispatcher{
		lanes:    NewLaneManager(laneConfigs),
		queueCap: queueCap,
		sessions: make(map[string]*sessionQueue),
	}
}

// Submit admits a task for the given session key on the given lane.
// Guarantees: FIFO within the key, at most one concurrent task per key,
// ErrLaneQueueFull when the per-key queue is at capacity.
func (d *Dispatcher) Submit(lane, sessionKey string, task Task) error {
	d.mu.RLock()
	stopped := d.stopped
	sq, ok := d.sessions[sessionKey]
	d.mu.RUnlock()

	if stopped {
		return ErrStopped
	}
	if !ok {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return ErrStopped
		}
		if sq, ok = d.sessions[sessionKey]; !ok {
			sq = newSessionQueue(sessionKey, lane, d.queueCap, d.lanes)
			d.sessions[sessionKey] = sq
			slog.Debug("dispatch: session queue created", "session", sessionKey, "lane", lane)
		}
		d.mu.Unlock()
	}

	return sq.enqueue(task)
}

// Cancel requests cooperative cancellation of the session's active task.
// Returns false when nothing is running for the key.
func (d *Dispatcher) Cancel(sessionKey string) bool {
	d.mu.RLock()
	sq, ok := d.sessions[sessionKey]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	return sq.cancelActive()
}

// Pending returns the number of queued (not active) tasks for a key.
func (d *Dispatcher) Pending(sessionKey string) int {
	d.mu.RLock()
	sq, ok := d.sessions[sessionKey]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	return sq.pending()
}

// LaneStats snapshots lane utilisation for the status surface.
func (d *Dispatcher) LaneStats() []LaneStats {
	return d.lanes.AllStats()
}

// Lanes exposes the underlying manager.
func (d *Dispatcher) Lanes() *LaneManager {
	return d.lanes
}

// Stop rejects further submissions and stops all lanes.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.lanes.StopAll()
}
