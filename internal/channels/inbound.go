package channels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/adjutant-ai/adjutant/internal/agent"
	"github.com/adjutant-ai/adjutant/internal/bus"
	"github.com/adjutant-ai/adjutant/internal/delivery"
	"github.com/adjutant-ai/adjutant/internal/scheduler"
)

const defaultReplyTimeout = 10 * time.Minute

// InboundOptions configures the inbound pipeline.
type InboundOptions struct {
	AgentID      string
	ReplyTimeout time.Duration
}

// InboundRouter drains the message bus and turns each inbound chat message
// into a main-session agent turn. Turns are admitted through the lane
// dispatcher under the main session key, so chat and main-session cron jobs
// serialise against each other instead of interleaving transcripts.
type InboundRouter struct {
	bus    *bus.MessageBus
	disp   *scheduler.Dispatcher
	runner agent.Runner
	router *delivery.Router
	opts   InboundOptions

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewInboundRouter(b *bus.MessageBus, disp *scheduler.Dispatcher,
	runner agent.Runner, router *delivery.Router, opts InboundOptions) *InboundRouter {

	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	return &InboundRouter{
		bus:    b,
		disp:   disp,
		runner: runner,
		router: router,
		opts:   opts,
	}
}

// Start begins draining inbound messages until Stop.
func (ir *InboundRouter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	ir.cancel = cancel

	ir.wg.Add(1)
	go func() {
		defer ir.wg.Done()
		for {
			msg, ok := ir.bus.ConsumeInbound(ctx)
			if !ok {
				return
			}
			ir.handle(msg)
		}
	}()
	slog.Info("channels: inbound router started", "agent", ir.opts.AgentID)
}

// Stop halts the drain loop. In-flight turns finish on their own.
func (ir *InboundRouter) Stop() {
	if ir.cancel != nil {
		ir.cancel()
	}
	ir.wg.Wait()
}

func (ir *InboundRouter) handle(msg bus.InboundMessage) {
	sessionKey := agent.MainSessionKey(ir.opts.AgentID)

	err := ir.disp.Submit(scheduler.LaneMain, sessionKey, func(ctx context.Context) {
		ir.runTurn(ctx, sessionKey, msg)
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrLaneQueueFull) {
			slog.Warn("channels: main lane saturated, dropping inbound message",
				"channel", msg.Channel, "chat", msg.ChatID)
			return
		}
		slog.Error("channels: inbound submit failed",
			"channel", msg.Channel, "chat", msg.ChatID, "error", err)
	}
}

func (ir *InboundRouter) runTurn(ctx context.Context, sessionKey string, msg bus.InboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, ir.opts.ReplyTimeout)
	defer cancel()

	res, err := ir.runner.Run(ctx, agent.RunRequest{
		SessionID: sessionKey,
		Prompt:    msg.Content,
	})
	if err != nil {
		slog.Error("channels: agent turn failed",
			"channel", msg.Channel, "chat", msg.ChatID, "error", err)
		return
	}
	if res.Text == "" {
		return
	}

	// Sending through the router records this surface as the session's last
	// route, which is what deliver-only cron jobs fall back to.
	result := ir.router.Send(ctx, &delivery.Request{
		SessionKey: sessionKey,
		Channel:    msg.Channel,
		To:         msg.ChatID,
		Text:       res.Text,
	})
	if result.Err != nil {
		slog.Error("channels: reply send failed",
			"channel", result.Channel, "target", result.Target, "error", result.Err)
	}
}
