// Package scheduler is the keyed concurrency gate between the cron engine,
// inbound channels and the executor: at most one active execution per session
// key, FIFO within a key, bounded queueing, and a global parallelism cap per
// lane.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
)

// Well-known lane names.
const (
	LaneMain = "main" // shared main-session turns
	LaneCron = "cron" // isolated scheduled jobs
)

// laneBuffer is the submit buffer per lane. Submissions beyond it block
// until a worker drains; per-session admission control rejects long before
// this fills.
const laneBuffer = 256

// LaneConfig sizes one lane.
type LaneConfig struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
}

// DefaultLanes matches the reference configuration: everything serialises.
func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{Name: LaneMain, Concurrency: 1},
		{Name: LaneCron, Concurrency: 1},
	}
}

// LaneStats is a utilisation snapshot.
type LaneStats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Active      int    `json:"active"`
	Queued      int    `json:"queued"`
}

// Lane is a FIFO worker pool bounding global parallelism for one class of
// work. Fairness across session keys follows from FIFO service: a submitted
// task waits behind at most the tasks enqueued before it.
type Lane struct {
	name        string
	concurrency int
	tasks       chan func()
	active      atomic.Int32
	stopOnce    sync.Once
	stopped     chan struct{}
	wg          sync.WaitGroup
}

// NewLane creates a lane with the given worker count (min 1).
func NewLane(name string, concurrency int) *Lane {
	if concurrency < 1 {
		concurrency = 1
	}
	l := &Lane{
		name:        name,
		concurrency: concurrency,
		tasks:       make(chan func(), laneBuffer),
		stopped:     make(chan struct{}),
	}
	for i := 0; i < concurrency; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

func (l *Lane) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopped:
			return
		case task, ok := <-l.tasks:
			if !ok {
				return
			}
			l.active.Add(1)
			task()
			l.active.Add(-1)
		}
	}
}

// Submit enqueues a task, blocking while the lane buffer is full. Returns an
// error only when the lane is stopped or ctx is cancelled before admission.
func (l *Lane) Submit(ctx context.Context, task func()) error {
	select {
	case <-l.stopped:
		return ErrStopped
	default:
	}

	select {
	case l.tasks <- task:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a point-in-time utilisation snapshot.
func (l *Lane) Stats() LaneStats {
	return LaneStats{
		Name:        l.name,
		Concurrency: l.concurrency,
		Active:      int(l.active.Load()),
		Queued:      len(l.tasks),
	}
}

// Stop drains no further work; queued tasks are abandoned. Safe to call
// multiple times.
func (l *Lane) Stop() {
	l.stopOnce.Do(func() { close(l.stopped) })
}

// LaneManager owns the named lanes.
type LaneManager struct {
	mu    sync.RWMutex
	lanes map[string]*Lane
}

// NewLaneManager builds the configured lanes; an absent "main" lane is added
// since it is the universal fallback.
func NewLaneManager(configs []LaneConfig) *LaneManager {
	if len(configs) == 0 {
		configs = DefaultLanes()
	}
	m := &LaneManager{lanes: make(map[string]*Lane, len(configs))}
	for _, c := range configs {
		m.lanes[c.Name] = NewLane(c.Name, c.Concurrency)
	}
	if _, ok := m.lanes[LaneMain]; !ok {
		m.lanes[LaneMain] = NewLane(LaneMain, 1)
	}
	return m
}

// Get returns the named lane, falling back to main for unknown names.
func (m *LaneManager) Get(name string) *Lane {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.lanes[name]; ok {
		return l
	}
	return m.lanes[LaneMain]
}

// GetOrCreate returns the named lane, creating it with the given concurrency
// when absent. An existing lane's sizing is not changed.
func (m *LaneManager) GetOrCreate(name string, concurrency int) *Lane {
	m.mu.RLock()
	l, ok := m.lanes[name]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[name]; ok {
		return l
	}
	l = NewLane(name, concurrency)
	m.lanes[name] = l
	return l
}

// AllStats snapshots every lane.
func (m *LaneManager) AllStats() []LaneStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LaneStats, 0, len(m.lanes))
	for _, l := range m.lanes {
		out = append(out, l.Stats())
	}
	return out
}

// StopAll stops every lane.
func (m *LaneManager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.lanes {
		l.Stop()
	}
}
