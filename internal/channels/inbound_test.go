package channels

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adjutant-ai/adjutant/internal/agent"
	"github.com/adjutant-ai/adjutant/internal/bus"
	"github.com/adjutant-ai/adjutant/internal/clock"
	"github.com/adjutant-ai/adjutant/internal/delivery"
	"github.com/adjutant-ai/adjutant/internal/scheduler"
)

type echoRunner struct {
	mu    sync.Mutex
	calls []agent.RunRequest
	err   error
}

func (r *echoRunner) Run(_ context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.err != nil {
		return nil, r.err
	}
	return &agent.RunResult{Text: "re: " + req.Prompt}, nil
}

type sendRecord struct {
	target delivery.Target
	text   string
}

type fakeDriver struct {
	name  string
	mu    sync.Mutex
	sends []sendRecord
	done  chan struct{}
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Send(_ context.Context, target delivery.Target, text string, _ delivery.Metadata) error {
	d.mu.Lock()
	d.sends = append(d.sends, sendRecord{target: target, text: text})
	d.mu.Unlock()
	select {
	case d.done <- struct{}{}:
	default:
	}
	return nil
}

func newInboundFixture(t *testing.T, runner agent.Runner) (*InboundRouter, *bus.MessageBus, *fakeDriver, *delivery.LastRoutes) {
	t.Helper()

	b := bus.New()
	disp := scheduler.NewDispatcher(scheduler.DefaultLanes(), 8)
	t.Cleanup(disp.Stop)

	routes, err := delivery.NewLastRoutes(filepath.Join(t.TempDir(), "last_route.json"), clock.NewFakeMS(1_000))
	if err != nil {
		t.Fatal(err)
	}
	registry := delivery.NewRegistry()
	driver := &fakeDriver{name: delivery.ChannelTelegram, done: make(chan struct{}, 4)}
	registry.Register(driver)

	ir := NewInboundRouter(b, disp, runner, delivery.NewRouter(registry, routes),
		InboundOptions{AgentID: "default"})
	ir.Start()
	t.Cleanup(ir.Stop)

	return ir, b, driver, routes
}

func TestInboundMessageGetsReply(t *testing.T) {
	runner := &echoRunner{}
	_, b, driver, routes := newInboundFixture(t, runner)

	b.PublishInbound(bus.InboundMessage{
		Channel: delivery.ChannelTelegram,
		ChatID:  "555:topic:9",
		Content: "what time is it",
	})

	select {
	case <-driver.done:
	case <-time.After(3 * time.Second):
		t.Fatal("no reply sent")
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.sends) != 1 {
		t.Fatalf("sends = %d", len(driver.sends))
	}
	if driver.sends[0].text != "re: what time is it" {
		t.Fatalf("reply = %q", driver.sends[0].text)
	}
	if got := driver.sends[0].target.String(); got != "555:topic:9" {
		t.Fatalf("target = %q", got)
	}

	// The reply surface becomes the session's delivery fallback.
	route, ok := routes.Get(agent.MainSessionKey("default"))
	if !ok {
		t.Fatal("last route not recorded")
	}
	if route.Channel != delivery.ChannelTelegram || route.Target != "555:topic:9" {
		t.Fatalf("route = %+v", route)
	}
}

func TestInboundAgentFailureSendsNothing(t *testing.T) {
	runner := &echoRunner{err: agent.NewTerminal("model rejected request")}
	_, b, driver, routes := newInboundFixture(t, runner)

	b.PublishInbound(bus.InboundMessage{
		Channel: delivery.ChannelTelegram,
		ChatID:  "555",
		Content: "hi",
	})

	// Wait for the turn to run and fail.
	deadline := time.After(2 * time.Second)
	for {
		runner.mu.Lock()
		n := len(runner.calls)
		runner.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("runner never invoked")
		case <-time.After(10 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.sends) != 0 {
		t.Fatalf("unexpected send: %+v", driver.sends)
	}
	if _, ok := routes.Get(agent.MainSessionKey("default")); ok {
		t.Fatal("failed turn must not record a route")
	}
}

func TestInboundTurnsUseMainSessionKey(t *testing.T) {
	runner := &echoRunner{}
	_, b, driver, _ := newInboundFixture(t, runner)

	b.PublishInbound(bus.InboundMessage{
		Channel: delivery.ChannelTelegram,
		ChatID:  "7",
		Content: "first",
	})
	select {
	case <-driver.done:
	case <-time.After(3 * time.Second):
		t.Fatal("no reply")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if got := runner.calls[0].SessionID; got != agent.MainSessionKey("default") {
		t.Fatalf("session = %q", got)
	}
}
