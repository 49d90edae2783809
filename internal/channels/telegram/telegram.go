// Package telegram is the Telegram chat driver: long-polling inbound with
// dedupe, debounce and forum-topic awareness, and chunked outbound sends for
// the delivery router.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/adjutant-ai/adjutant/internal/bus"
	"github.com/adjutant-ai/adjutant/internal/channels"
	"github.com/adjutant-ai/adjutant/internal/delivery"
)

const (
	// Telegram's hard limit is 4096; 4000 leaves headroom for entity
	// expansion.
	maxMessageLen = 4000

	// The General topic of a forum has thread id 1 and must be addressed
	// without a MessageThreadID.
	generalTopicID = 1

	defaultDebounce = 800 * time.Millisecond
)

// Options configure the channel.
type Options struct {
	Token          string
	Debounce       time.Duration
	RequireMention bool // in groups, only react when the bot is @mentioned
	HistoryLimit   int  // pending group-context cap; 0 takes the default
}

// Channel connects one bot account to the message bus.
type Channel struct {
	opts     Options
	bot      *telego.Bot
	bus      *bus.MessageBus
	dedupe   *bus.DedupeCache
	debounce *bus.InboundDebouncer
	history  *channels.PendingHistory

	username string
	cancel   context.CancelFunc
}

// New creates the channel; the bot token is validated on Start, not here.
func New(opts Options, b *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(opts.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	if opts.Debounce == 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = channels.DefaultGroupHistoryLimit
	}

	c := &Channel{
		opts:    opts,
		bot:     bot,
		bus:     b,
		dedupe:  bus.NewDedupeCache(0, 0),
		history: channels.NewPendingHistory(),
	}
	c.debounce = bus.NewInboundDebouncer(opts.Debounce, b.PublishInbound)
	return c, nil
}

func (c *Channel) Name() string { return delivery.ChannelTelegram }

// Start begins long polling. It returns after the update loop is running.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: getMe: %w", err)
	}
	c.username = strings.ToLower(me.Username)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	updates, err := c.bot.UpdatesViaLongPolling(runCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: long polling: %w", err)
	}

	go func() {
		for update := range updates {
			c.handleUpdate(runCtx, update)
		}
	}()

	slog.Info("telegram: started", "bot", me.Username)
	return nil
}

// Stop halts polling and flushes buffered inbound messages.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.debounce.Stop()
}

func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	if c.dedupe.IsDuplicate(fmt.Sprintf("telegram:%d:%d", msg.Chat.ID, msg.MessageID)) {
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	localKey := localChatKey(msg)
	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup
	sender := buildSenderName(msg.From)

	if isGroup && c.opts.RequireMention {
		if !c.mentioned(content) {
			c.history.Record(localKey, channels.HistoryEntry{
				Sender:    sender,
				Body:      content,
				Timestamp: time.Unix(msg.Date, 0),
				MessageID: strconv.Itoa(msg.MessageID),
			}, c.opts.HistoryLimit)
			return
		}
		content = c.stripMention(content)
		content = c.history.BuildContext(localKey, content, c.opts.HistoryLimit)
		c.history.Clear(localKey)
	}

	inbound := bus.InboundMessage{
		Channel:     delivery.ChannelTelegram,
		ChatID:      localKey,
		SenderID:    strconv.FormatInt(msg.From.ID, 10),
		SenderName:  sender,
		Content:     content,
		TimestampMS: msg.Date * 1000,
	}
	if msg.ReplyToMessage != nil {
		inbound.ReplyTo = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	c.debounce.Push(inbound)
}

// Send implements delivery.Driver. The target id is a numeric chat id; a
// forum topic rides along as TopicID and becomes the message thread.
func (c *Channel) Send(ctx context.Context, target delivery.Target, text string, meta delivery.Metadata) error {
	chatID, err := strconv.ParseInt(target.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", target.ID, err)
	}
	topicID, err := topicThreadID(target.TopicID)
	if err != nil {
		return err
	}

	for _, chunk := range splitMessage(text, maxMessageLen) {
		params := &telego.SendMessageParams{
			ChatID: tu.ID(chatID),
			Text:   chunk,
		}
		if topicID > generalTopicID {
			params.MessageThreadID = topicID
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram: send to %d: %w", chatID, err)
		}
	}
	return nil
}

// topicThreadID parses the target's forum topic into a numeric thread id.
// Empty means no topic.
func topicThreadID(topicID string) (int, error) {
	if topicID == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(topicID)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid topic id %q: %w", topicID, err)
	}
	return n, nil
}

// localChatKey matches the canonical target string the delivery router
// records, so the last-route table round-trips through inbound traffic.
func localChatKey(msg *telego.Message) string {
	id := strconv.FormatInt(msg.Chat.ID, 10)
	if msg.Chat.IsForum && msg.MessageThreadID > generalTopicID {
		return id + ":topic:" + strconv.Itoa(msg.MessageThreadID)
	}
	return id
}

func (c *Channel) mentioned(content string) bool {
	return c.username != "" && strings.Contains(strings.ToLower(content), "@"+c.username)
}

func (c *Channel) stripMention(content string) string {
	if c.username == "" {
		return content
	}
	mention := "@" + c.username
	lower := strings.ToLower(content)
	for {
		idx := strings.Index(lower, mention)
		if idx < 0 {
			break
		}
		content = content[:idx] + content[idx+len(mention):]
		lower = lower[:idx] + lower[idx+len(mention):]
	}
	return strings.TrimSpace(content)
}

func buildSenderName(user *telego.User) string {
	if user == nil {
		return "unknown"
	}
	name := user.FirstName
	if user.LastName != "" {
		name += " " + user.LastName
	}
	return name
}

// splitMessage breaks text into chunks, preferring newline boundaries.
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
