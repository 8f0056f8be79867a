package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped whenever a frame or payload shape changes
// incompatibly. Clients should refuse to talk to a newer major version.
const ProtocolVersion = 1

// Frame type discriminators (the "type" field of every frame).
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client→server RPC call over the WebSocket.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame, matched by ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// EventFrame is a server→client push with no reply expected. SessionID
// scopes the event to one session; empty means server-wide.
type EventFrame struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	SessionID string      `json:"sessionId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// ErrorInfo carries a machine code plus a human message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ResponseFrame.Error.Code.
const (
	ErrInvalidRequest = "invalid_request"
	ErrUnknownMethod  = "unknown_method"
	ErrUnauthorized   = "unauthorized"
	ErrRateLimited    = "rate_limited"
	ErrBusy           = "busy"
	ErrConflict       = "conflict"
	ErrNotFound       = "not_found"
	ErrInternal       = "internal"
)

// NewEvent builds an event frame for the given event name.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload}
}

// NewResponse builds a success response for the given request id.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failure response for the given request id.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorInfo{Code: code, Message: message},
	}
}

// ParseFrameType peeks at a raw frame and returns its type discriminator
// without decoding the full payload.
func ParseFrameType(raw []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("parse frame: missing type field")
	}
	return probe.Type, nil
}
