package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/adjutant-ai/adjutant/internal/clock"
)

// SystemEvent is one synthetic event queued into a main session: a scheduled
// job's text, or an isolated run's post-to-main summary. The next heartbeat
// drains the session's events into its prompt.
type SystemEvent struct {
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
	JobID      string `json:"jobId,omitempty"`
	RunID      string `json:"runId,omitempty"`
	QueuedAtMS int64  `json:"queuedAtMs"`
}

// SystemEventQueue is the durable per-session event queue. A main-session
// job's run counts as ok once its event survives a restart, so every mutation
// flushes before returning.
type SystemEventQueue struct {
	path string
	clk  clock.Clock

	mu     sync.Mutex
	events map[string][]SystemEvent // session key -> pending, oldest first
}

// NewSystemEventQueue loads pending events from disk, starting empty when the
// file is absent.
func NewSystemEventQueue(path string, clk clock.Clock) (*SystemEventQueue, error) {
	q := &SystemEventQueue{
		path:   path,
		clk:    clk,
		events: make(map[string][]SystemEvent),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("read event queue: %w", err)
	}
	if err := json.Unmarshal(data, &q.events); err != nil {
		slog.Warn("bus: event queue unreadable, starting empty", "path", path, "error", err)
		q.events = make(map[string][]SystemEvent)
	}
	return q, nil
}

// Enqueue appends an event to its session's queue and flushes.
func (q *SystemEventQueue) Enqueue(ev SystemEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev.QueuedAtMS = q.clk.NowMS()
	q.events[ev.SessionKey] = append(q.events[ev.SessionKey], ev)
	if err := q.flushLocked(); err != nil {
		evs := q.events[ev.SessionKey]
		q.events[ev.SessionKey] = evs[:len(evs)-1]
		return err
	}

	slog.Debug("bus: system event queued", "session", ev.SessionKey, "job", ev.JobID)
	return nil
}

// Drain removes and returns all pending events for a session, oldest first.
func (q *SystemEventQueue) Drain(sessionKey string) ([]SystemEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	evs := q.events[sessionKey]
	if len(evs) == 0 {
		return nil, nil
	}
	delete(q.events, sessionKey)
	if err := q.flushLocked(); err != nil {
		q.events[sessionKey] = evs
		return nil, err
	}
	return evs, nil
}

// Pending returns the number of queued events for a session.
func (q *SystemEventQueue) Pending(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events[sessionKey])
}

func (q *SystemEventQueue) flushLocked() error {
	data, err := json.MarshalIndent(q.events, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("write event queue: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write event queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write event queue: %w", err)
	}
	return nil
}
