// Package slack is the Slack chat driver. Inbound runs over Socket Mode so
// no public webhook is needed; outbound posts through the Web API for the
// delivery router.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/adjutant-ai/adjutant/internal/bus"
	"github.com/adjutant-ai/adjutant/internal/delivery"
)

// Slack truncates around 40000; 3900 keeps messages scannable in a thread.
const maxMessageLen = 3900

const defaultDebounce = 800 * time.Millisecond

// Options configure the channel.
type Options struct {
	BotToken string // xoxb-
	AppToken string // xapp-, required for Socket Mode
	Debounce time.Duration
}

// Channel connects one Slack workspace to the message bus.
type Channel struct {
	opts     Options
	api      *slack.Client
	socket   *socketmode.Client
	bus      *bus.MessageBus
	dedupe   *bus.DedupeCache
	debounce *bus.InboundDebouncer

	botUserID string
	cancel    context.CancelFunc
}

func New(opts Options, b *bus.MessageBus) (*Channel, error) {
	if opts.BotToken == "" || opts.AppToken == "" {
		return nil, fmt.Errorf("slack: bot and app tokens are both required")
	}
	if opts.Debounce == 0 {
		opts.Debounce = defaultDebounce
	}

	api := slack.New(opts.BotToken, slack.OptionAppLevelToken(opts.AppToken))
	c := &Channel{
		opts:   opts,
		api:    api,
		socket: socketmode.New(api),
		bus:    b,
		dedupe: bus.NewDedupeCache(0, 0),
	}
	c.debounce = bus.NewInboundDebouncer(opts.Debounce, b.PublishInbound)
	return c, nil
}

func (c *Channel) Name() string { return delivery.ChannelSlack }

// Start opens the Socket Mode connection and begins consuming events.
func (c *Channel) Start(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.eventLoop(runCtx)
	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack: socket mode exited", "error", err)
		}
	}()

	slog.Info("slack: started", "bot", auth.User)
	return nil
}

// Stop closes the connection and flushes buffered inbound messages.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.debounce.Stop()
}

func (c *Channel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			c.socket.Ack(*evt.Request)
			c.handleEvent(apiEvent)
		}
	}
}

func (c *Channel) handleEvent(evt slackevents.EventsAPIEvent) {
	if evt.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := evt.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}

	// Skip our own messages, edits and other subtyped noise.
	if ev.User == "" || ev.User == c.botUserID || ev.SubType != "" || ev.BotID != "" {
		return
	}
	if ev.Text == "" {
		return
	}
	if c.dedupe.IsDuplicate("slack:" + ev.Channel + ":" + ev.TimeStamp) {
		return
	}

	c.debounce.Push(bus.InboundMessage{
		Channel:     delivery.ChannelSlack,
		ChatID:      ev.Channel,
		SenderID:    ev.User,
		Content:     ev.Text,
		ReplyTo:     ev.ThreadTimeStamp,
		TimestampMS: slackTSToMillis(ev.TimeStamp),
	})
}

// Send implements delivery.Driver. Channel and user targets both post
// through chat.postMessage; Slack resolves user ids to DMs.
func (c *Channel) Send(ctx context.Context, target delivery.Target, text string, meta delivery.Metadata) error {
	for _, chunk := range splitMessage(text, maxMessageLen) {
		_, _, err := c.api.PostMessageContext(ctx, target.ID,
			slack.MsgOptionText(chunk, false))
		if err != nil {
			return fmt.Errorf("slack: post to %s: %w", target.ID, err)
		}
	}
	return nil
}

// slackTSToMillis converts a Slack "1714000000.000200" timestamp.
func slackTSToMillis(ts string) int64 {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return 0
	}
	return n * 1000
}

func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut < limit/2 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
