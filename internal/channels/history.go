// Package channels holds the chat-surface drivers and their shared helpers.
// Each driver implements delivery.Driver for outbound sends and publishes
// inbound messages onto the bus.
package channels

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// maxHistoryKeys caps the number of distinct groups/topics tracked.
const maxHistoryKeys = 1000

// DefaultGroupHistoryLimit is the pending-message cap per group.
const DefaultGroupHistoryLimit = 50

// HistoryEntry is one tracked group message.
type HistoryEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
	MessageID string
}

// PendingHistory tracks group messages sent while the bot was not addressed.
// When the bot is finally mentioned, the accumulated context is prepended to
// the triggering message so the agent sees the conversation, not just the
// mention. Safe for concurrent use from message handlers.
type PendingHistory struct {
	mu      sync.Mutex
	entries map[string][]HistoryEntry
	order   []string // insertion order for eviction
}

func NewPendingHistory() *PendingHistory {
	return &PendingHistory{entries: make(map[string][]HistoryEntry)}
}

// Record adds a message to a group's pending history. limit <= 0 disables
// recording.
func (ph *PendingHistory) Record(historyKey string, entry HistoryEntry, limit int) {
	if limit <= 0 || historyKey == "" {
		return
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	existing := append(ph.entries[historyKey], entry)
	if len(existing) > limit {
		existing = existing[len(existing)-limit:]
	}
	ph.entries[historyKey] = existing

	ph.removeFromOrder(historyKey)
	ph.order = append(ph.order, historyKey)
	ph.evictOldKeys()
}

// BuildContext prepends a group's pending history to the current message.
func (ph *PendingHistory) BuildContext(historyKey, currentMessage string, limit int) string {
	if limit <= 0 || historyKey == "" {
		return currentMessage
	}

	ph.mu.Lock()
	entries := make([]HistoryEntry, len(ph.entries[historyKey]))
	copy(entries, ph.entries[historyKey])
	ph.mu.Unlock()

	if len(entries) == 0 {
		return currentMessage
	}

	var lines []string
	for _, e := range entries {
		ts := ""
		if !e.Timestamp.IsZero() {
			ts = fmt.Sprintf(" [%s]", e.Timestamp.Format("15:04"))
		}
		lines = append(lines, fmt.Sprintf("  %s%s: %s", e.Sender, ts, e.Body))
	}

	return fmt.Sprintf("[Chat messages since your last reply - for context]\n%s\n\n[Your current message]\n%s",
		strings.Join(lines, "\n"), currentMessage)
}

// Clear drops a group's pending history, typically after the bot replies.
func (ph *PendingHistory) Clear(historyKey string) {
	if historyKey == "" {
		return
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	delete(ph.entries, historyKey)
	ph.removeFromOrder(historyKey)
}

func (ph *PendingHistory) removeFromOrder(key string) {
	for i, k := range ph.order {
		if k == key {
			ph.order = append(ph.order[:i], ph.order[i+1:]...)
			return
		}
	}
}

func (ph *PendingHistory) evictOldKeys() {
	for len(ph.order) > maxHistoryKeys {
		oldest := ph.order[0]
		ph.order = ph.order[1:]
		delete(ph.entries, oldest)
	}
}
