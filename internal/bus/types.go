// Package bus is the in-process plumbing between channel drivers, the agent
// runtime and the gateway: inbound message fan-in with dedupe and debounce,
// event broadcast to WebSocket subscribers, and the durable system-event
// queue that main-session jobs post into.
package bus

// InboundMessage is one message received from a chat surface.
type InboundMessage struct {
	Channel     string            `json:"channel"`
	ChatID      string            `json:"chatId"`
	SenderID    string            `json:"senderId"`
	SenderName  string            `json:"senderName,omitempty"`
	Content     string            `json:"content"`
	Media       []string          `json:"media,omitempty"` // local paths to downloaded attachments
	ReplyTo     string            `json:"replyTo,omitempty"`
	TimestampMS int64             `json:"timestampMs"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is agent output headed for a channel driver.
type OutboundMessage struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Content string `json:"content"`
}

// MessageHandler consumes inbound messages for one channel.
type MessageHandler func(msg InboundMessage)

// Event is a broadcast notification for gateway subscribers.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler receives broadcast events. Handlers must not block.
type EventHandler func(event Event)
