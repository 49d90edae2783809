// Package delivery resolves where an agent's output goes and sends it there:
// channel-specific target parsing, a durable per-session last-route fallback,
// and the router that applies the deliver/to decision exactly once.
package delivery

import (
	"errors"
	"fmt"
	"strings"
)

// Channel names with parsing rules the router knows about.
const (
	ChannelTelegram   = "telegram"
	ChannelSlack      = "slack"
	ChannelDiscord    = "discord"
	ChannelMattermost = "mattermost"
)

// Target kinds for prefixed channels.
const (
	KindChannel = "channel"
	KindUser    = "user"
)

// ErrInvalidTarget is wrapped by every parse failure.
var ErrInvalidTarget = errors.New("invalid delivery target")

// Target is the normalised form of a raw `to` string for one channel.
type Target struct {
	Channel string

	// ID is the chat, channel or user identifier.
	ID string

	// Kind is "channel" or "user" for prefixed channels, empty for Telegram.
	Kind string

	// TopicID is the Telegram forum topic thread, empty when absent.
	TopicID string
}

// String renders the canonical wire form. Parsing the result yields an equal
// Target, and shorthand inputs canonicalise: "-100123:45" round-trips as
// "-100123:topic:45".
func (t Target) String() string {
	switch t.Channel {
	case ChannelTelegram:
		if t.TopicID != "" {
			return t.ID + ":topic:" + t.TopicID
		}
		return t.ID
	default:
		if t.Kind != "" {
			return t.Kind + ":" + t.ID
		}
		return t.ID
	}
}

// ParseTarget normalises a raw target for the given channel.
//
// Telegram accepts `<chat>`, `<chat>:topic:<id>`, the numeric shorthand
// `<chat>:<id>`, and the prefixed `telegram:group:<chat>:topic:<id>`. Other
// channels accept `channel:<id>` and `user:<id>`; a bare value is treated as
// a channel name, except bare numerics which are rejected as ambiguous.
func ParseTarget(channel, raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}

	switch channel {
	case ChannelTelegram:
		return parseTelegramTarget(raw)
	case ChannelSlack, ChannelDiscord, ChannelMattermost:
		return parsePrefixedTarget(channel, raw)
	default:
		// Unknown channels get the raw value untouched; the driver decides.
		return Target{Channel: channel, ID: raw}, nil
	}
}

func parseTelegramTarget(raw string) (Target, error) {
	// Strip the optional "telegram:group:" / "telegram:" prefix.
	if rest, ok := strings.CutPrefix(raw, "telegram:group:"); ok {
		raw = rest
	} else if rest, ok := strings.CutPrefix(raw, "telegram:"); ok {
		raw = rest
	}

	t := Target{Channel: ChannelTelegram}

	if chat, topic, ok := strings.Cut(raw, ":topic:"); ok {
		if !isNumericID(chat) || !isNumericID(topic) {
			return Target{}, fmt.Errorf("%w: telegram target %q", ErrInvalidTarget, raw)
		}
		t.ID, t.TopicID = chat, topic
		return t, nil
	}

	// Shorthand: "<chat>:<id>" where both parts are numeric. The chat id may
	// itself start with "-100", so split on the last colon.
	if i := strings.LastIndexByte(raw, ':'); i > 0 {
		chat, topic := raw[:i], raw[i+1:]
		if isNumericID(chat) && isNumericID(topic) {
			t.ID, t.TopicID = chat, topic
			return t, nil
		}
		return Target{}, fmt.Errorf("%w: telegram target %q", ErrInvalidTarget, raw)
	}

	if !isNumericID(raw) && !strings.HasPrefix(raw, "@") {
		return Target{}, fmt.Errorf("%w: telegram target %q", ErrInvalidTarget, raw)
	}
	t.ID = raw
	return t, nil
}

func parsePrefixedTarget(channel, raw string) (Target, error) {
	if kind, id, ok := strings.Cut(raw, ":"); ok {
		switch kind {
		case KindChannel, KindUser:
			if id == "" {
				return Target{}, fmt.Errorf("%w: %s target %q has no id", ErrInvalidTarget, channel, raw)
			}
			return Target{Channel: channel, Kind: kind, ID: id}, nil
		default:
			return Target{}, fmt.Errorf("%w: %s target %q: prefix must be %q or %q",
				ErrInvalidTarget, channel, raw, KindChannel, KindUser)
		}
	}

	// Bare numeric ids are ambiguous between channels and users.
	if isNumericID(raw) {
		return Target{}, fmt.Errorf("%w: bare numeric %s target %q needs a channel: or user: prefix",
			ErrInvalidTarget, channel, raw)
	}
	return Target{Channel: channel, Kind: KindChannel, ID: raw}, nil
}

// isNumericID accepts an optional leading minus followed by digits.
func isNumericID(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
		if s == "" {
			return false
		}
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
