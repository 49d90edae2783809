// Package protocol defines the wire format for the Adjutant gateway
// WebSocket protocol. It is importable by external clients.
package protocol

import "encoding/json"

// ProtocolVersion is negotiated during the connect handshake.
const ProtocolVersion = 1

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is sent by clients to invoke an RPC method.
type RequestFrame struct {
	Type   string          `json:"type"`   // always "req"
	ID     string          `json:"id"`     // unique request id, client-generated
	Method string          `json:"method"` // RPC method name
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers one request.
type ResponseFrame struct {
	Type    string      `json:"type"` // always "res"
	ID      string      `json:"id"`   // matches the request id
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"` // when ok
	Error   *ErrorShape `json:"error,omitempty"`   // when not ok
}

// ErrorShape describes a protocol error.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

// EventFrame is pushed from server to client without a preceding request.
type EventFrame struct {
	Type    string `json:"type"`  // always "event"
	Event   string `json:"event"` // event name
	Payload any    `json:"payload,omitempty"`
	Seq     int64  `json:"seq,omitempty"` // per-connection ordering
}

// NewOKResponse creates a success response frame.
func NewOKResponse(id string, payload any) *ResponseFrame {
	return &ResponseFrame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      true,
		Payload: payload,
	}
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type: FrameTypeResponse,
		ID:   id,
		OK:   false,
		Error: &ErrorShape{
			Code:    code,
			Message: message,
		},
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any) *EventFrame {
	return &EventFrame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: payload,
	}
}

// ParseFrameType extracts the frame type from raw JSON bytes.
func ParseFrameType(data []byte) (string, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	return raw.Type, nil
}
