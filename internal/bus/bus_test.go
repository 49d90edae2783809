package bus

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adjutant-ai/adjutant/internal/clock"
)

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(time.Minute, 100)

	if d.IsDuplicate("telegram:msg-1") {
		t.Fatal("first sighting flagged as duplicate")
	}
	if !d.IsDuplicate("telegram:msg-1") {
		t.Fatal("second sighting not flagged")
	}
	if d.IsDuplicate("telegram:msg-2") {
		t.Fatal("distinct key flagged as duplicate")
	}
}

func TestDedupeCacheTTL(t *testing.T) {
	d := NewDedupeCache(50*time.Millisecond, 100)
	d.IsDuplicate("k")
	time.Sleep(120 * time.Millisecond)
	if d.IsDuplicate("k") {
		t.Fatal("expired key still flagged as duplicate")
	}
}

func TestInboundDebouncerMerges(t *testing.T) {
	var mu sync.Mutex
	var flushed []InboundMessage
	d := NewInboundDebouncer(50*time.Millisecond, func(m InboundMessage) {
		mu.Lock()
		flushed = append(flushed, m)
		mu.Unlock()
	})

	base := InboundMessage{Channel: "telegram", ChatID: "555", SenderID: "u1"}
	for _, text := range []string{"hey", "are you there", "ping"} {
		m := base
		m.Content = text
		d.Push(m)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(flushed)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("debouncer never flushed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("flushed %d messages, want 1 merged", len(flushed))
	}
	if flushed[0].Content != "hey\nare you there\nping" {
		t.Fatalf("merged content = %q", flushed[0].Content)
	}
}

func TestInboundDebouncerDisabled(t *testing.T) {
	var flushed int
	d := NewInboundDebouncer(0, func(m InboundMessage) { flushed++ })
	d.Push(InboundMessage{Content: "a"})
	d.Push(InboundMessage{Content: "b"})
	if flushed != 2 {
		t.Fatalf("flushed %d, want 2 (pass-through)", flushed)
	}
}

func TestInboundDebouncerMediaBypasses(t *testing.T) {
	var mu sync.Mutex
	var flushed []InboundMessage
	d := NewInboundDebouncer(time.Hour, func(m InboundMessage) {
		mu.Lock()
		flushed = append(flushed, m)
		mu.Unlock()
	})

	d.Push(InboundMessage{Channel: "t", ChatID: "c", SenderID: "s", Content: "caption incoming"})
	d.Push(InboundMessage{Channel: "t", ChatID: "c", SenderID: "s", Media: []string{"/tmp/p.jpg"}})

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 2 {
		t.Fatalf("flushed %d, want 2 (text then media)", len(flushed))
	}
	if flushed[0].Content != "caption incoming" || len(flushed[1].Media) != 1 {
		t.Fatalf("flush order wrong: %+v", flushed)
	}
}

func TestSystemEventQueueDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	clk := clock.NewFakeMS(9_000)

	q, err := NewSystemEventQueue(path, clk)
	if err != nil {
		t.Fatalf("NewSystemEventQueue: %v", err)
	}
	if err := q.Enqueue(SystemEvent{SessionKey: "agent:default:main", Text: "reminder", JobID: "j1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(SystemEvent{SessionKey: "agent:default:main", Text: "second", JobID: "j2"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Restart: events survive.
	q2, err := NewSystemEventQueue(path, clk)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := q2.Pending("agent:default:main"); got != 2 {
		t.Fatalf("pending after restart = %d, want 2", got)
	}

	evs, err := q2.Drain("agent:default:main")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(evs) != 2 || evs[0].Text != "reminder" || evs[1].Text != "second" {
		t.Fatalf("drained = %+v", evs)
	}
	if evs[0].QueuedAtMS != 9_000 {
		t.Fatalf("queuedAt = %d, want 9000", evs[0].QueuedAtMS)
	}

	// Drain is destructive and flushed.
	q3, err := NewSystemEventQueue(path, clk)
	if err != nil {
		t.Fatalf("reopen after drain: %v", err)
	}
	if got := q3.Pending("agent:default:main"); got != 0 {
		t.Fatalf("pending after drain+restart = %d, want 0", got)
	}
}

func TestMessageBusHandlersAndBroadcast(t *testing.T) {
	mb := New()
	defer mb.Close()

	mb.RegisterHandler("telegram", func(m InboundMessage) {})
	if _, ok := mb.GetHandler("telegram"); !ok {
		t.Fatal("registered handler not found")
	}
	if _, ok := mb.GetHandler("slack"); ok {
		t.Fatal("unregistered handler found")
	}

	var mu sync.Mutex
	got := map[string]int{}
	mb.Subscribe("a", func(e Event) { mu.Lock(); got["a"]++; mu.Unlock() })
	mb.Subscribe("b", func(e Event) { mu.Lock(); got["b"]++; mu.Unlock() })
	mb.Broadcast(Event{Type: "cron.run.finished"})

	mb.Unsubscribe("b")
	mb.Broadcast(Event{Type: "cron.run.finished"})

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 2 || got["b"] != 1 {
		t.Fatalf("broadcast counts = %v, want a=2 b=1", got)
	}
}
