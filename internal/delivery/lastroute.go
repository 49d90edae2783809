package delivery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/adjutant-ai/adjutant/internal/clock"
)

// Route is the last surface on which the agent successfully replied in a
// session, kept as the delivery fallback when a job says deliver without a
// target.
type Route struct {
	Channel     string `json:"channel"`
	Target      string `json:"target"`
	UpdatedAtMS int64  `json:"updatedAtMs"`
}

// LastRoutes is the durable session -> route table. Writes flush through the
// same temp-file + rename discipline as the job catalog.
type LastRoutes struct {
	path string
	clk  clock.Clock

	mu     sync.Mutex
	routes map[string]Route
}

// NewLastRoutes loads the table from disk, starting empty when absent.
func NewLastRoutes(path string, clk clock.Clock) (*LastRoutes, error) {
	lr := &LastRoutes{
		path:   path,
		clk:    clk,
		routes: make(map[string]Route),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lr, nil
		}
		return nil, fmt.Errorf("read last routes: %w", err)
	}
	if err := json.Unmarshal(data, &lr.routes); err != nil {
		// A torn file loses the fallback, not the engine.
		slog.Warn("delivery: last-route table unreadable, starting empty", "path", path, "error", err)
		lr.routes = make(map[string]Route)
	}
	return lr, nil
}

// Get returns the stored route for a session key.
func (lr *LastRoutes) Get(sessionKey string) (Route, bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	r, ok := lr.routes[sessionKey]
	return r, ok
}

// Set records a successful outbound send for the session and flushes.
func (lr *LastRoutes) Set(sessionKey, channel, target string) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	lr.routes[sessionKey] = Route{
		Channel:     channel,
		Target:      target,
		UpdatedAtMS: lr.clk.NowMS(),
	}
	return lr.flushLocked()
}

func (lr *LastRoutes) flushLocked() error {
	data, err := json.MarshalIndent(lr.routes, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal last routes: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lr.path), 0o755); err != nil {
		return fmt.Errorf("write last routes: %w", err)
	}
	tmp := lr.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write last routes: %w", err)
	}
	if err := os.Rename(tmp, lr.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write last routes: %w", err)
	}
	return nil
}
