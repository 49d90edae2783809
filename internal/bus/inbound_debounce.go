package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// InboundDebouncer buffers rapid consecutive messages from the same sender
// and merges them into a single InboundMessage before processing, so a burst
// of short messages triggers one agent run instead of several.
type InboundDebouncer struct {
	window  time.Duration
	mu      sync.Mutex
	buffers map[string]*debounceBuffer
	flushFn func(InboundMessage)
}

type debounceBuffer struct {
	messages []InboundMessage
	timer    *time.Timer
}

// NewInboundDebouncer creates a debouncer with the given window and flush
// callback. A non-positive window disables debouncing entirely.
func NewInboundDebouncer(window time.Duration, flushFn func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		buffers: make(map[string]*debounceBuffer),
		flushFn: flushFn,
	}
}

// Push adds a message to the debounce buffer for its sender.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	if d.window <= 0 {
		d.flushFn(msg)
		return
	}

	key := debounceKey(msg)

	// Media bypasses the debounce: flush any buffered text first so ordering
	// is preserved, then process the media message on its own.
	if len(msg.Media) > 0 {
		d.flushKey(key)
		d.flushFn(msg)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	buf, exists := d.buffers[key]
	if !exists {
		buf = &debounceBuffer{}
		d.buffers[key] = buf
	}

	buf.messages = append(buf.messages, msg)

	// The timer fires after a full window of silence.
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(d.window, func() {
		d.flushKey(key)
	})

	slog.Debug("bus: inbound buffered", "key", key, "buffered", len(buf.messages))
}

// Stop flushes all pending buffers immediately.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.buffers))
	for k := range d.buffers {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.flushKey(key)
	}
}

func (d *InboundDebouncer) flushKey(key string) {
	d.mu.Lock()
	buf, exists := d.buffers[key]
	if !exists || len(buf.messages) == 0 {
		d.mu.Unlock()
		return
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}
	msgs := buf.messages
	delete(d.buffers, key)
	d.mu.Unlock()

	merged := mergeInbound(msgs)
	if len(msgs) > 1 {
		slog.Info("bus: inbound merged", "key", key, "count", len(msgs))
	}
	d.flushFn(merged)
}

// debounceKey is channel:chat:sender, the unit of "same conversation, same
// person".
func debounceKey(msg InboundMessage) string {
	return msg.Channel + ":" + msg.ChatID + ":" + msg.SenderID
}

// mergeInbound joins content with newlines, concatenates media, and takes
// everything else from the last message.
func mergeInbound(msgs []InboundMessage) InboundMessage {
	if len(msgs) == 1 {
		return msgs[0]
	}

	last := msgs[len(msgs)-1]
	parts := make([]string, 0, len(msgs))
	var media []string
	for _, m := range msgs {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
		media = append(media, m.Media...)
	}
	last.Content = strings.Join(parts, "\n")
	last.Media = media
	return last
}
