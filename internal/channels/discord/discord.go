// Package discord is the Discord chat driver over the gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/adjutant-ai/adjutant/internal/bus"
	"github.com/adjutant-ai/adjutant/internal/delivery"
)

// Discord's message limit.
const maxMessageLen = 2000

const defaultDebounce = 800 * time.Millisecond

// Options configure the channel.
type Options struct {
	BotToken string
	Debounce time.Duration
}

// Channel connects one bot account to the message bus.
type Channel struct {
	opts     Options
	session  *discordgo.Session
	bus      *bus.MessageBus
	dedupe   *bus.DedupeCache
	debounce *bus.InboundDebouncer
}

func New(opts Options, b *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + opts.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	if opts.Debounce == 0 {
		opts.Debounce = defaultDebounce
	}

	c := &Channel{
		opts:    opts,
		session: session,
		bus:     b,
		dedupe:  bus.NewDedupeCache(0, 0),
	}
	c.debounce = bus.NewInboundDebouncer(opts.Debounce, b.PublishInbound)
	session.AddHandler(c.onMessageCreate)
	return c, nil
}

func (c *Channel) Name() string { return delivery.ChannelDiscord }

// Start opens the gateway connection.
func (c *Channel) Start(ctx context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open: %w", err)
	}
	slog.Info("discord: started", "bot", c.session.State.User.Username)
	return nil
}

// Stop closes the connection and flushes buffered inbound messages.
func (c *Channel) Stop() {
	c.session.Close()
	c.debounce.Stop()
}

func (c *Channel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	if c.dedupe.IsDuplicate("discord:" + m.ChannelID + ":" + m.ID) {
		return
	}

	c.debounce.Push(bus.InboundMessage{
		Channel:     delivery.ChannelDiscord,
		ChatID:      m.ChannelID,
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
		Content:     m.Content,
		TimestampMS: m.Timestamp.UnixMilli(),
	})
}

// Send implements delivery.Driver. User targets get a DM channel opened
// first; channel targets post directly.
func (c *Channel) Send(ctx context.Context, target delivery.Target, text string, meta delivery.Metadata) error {
	channelID := target.ID
	if target.Kind == delivery.KindUser {
		dm, err := c.session.UserChannelCreate(target.ID)
		if err != nil {
			return fmt.Errorf("discord: open dm with %s: %w", target.ID, err)
		}
		channelID = dm.ID
	}

	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("discord: send to %s: %w", channelID, err)
		}
	}
	return nil
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
