package models

import (
	"encoding/json"
	"fmt"

	"github.com/turtacn/arena-realtime/pkg/constants"
)

// InboundMessage is a decoded client frame. Payload keeps the original bytes
// so routers can decode type-specific fields themselves.
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// DecodeInbound parses a client text frame. A frame must be a JSON object
// with a non-empty string "type".
func DecodeInbound(data []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("frame is not a JSON object: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("frame is missing required field 'type'")
	}
	msg.Payload = append(json.RawMessage(nil), data...)
	return &msg, nil
}

// ErrorFrame is sent to the client when a message is rejected.
type ErrorFrame struct {
	Type    string               `json:"type"`
	Code    constants.ReasonCode `json:"code"`
	Message string               `json:"message"`
	Details map[string]any       `json:"details,omitempty"`
}

// NewErrorFrame builds the error frame for a deny decision.
func NewErrorFrame(d Decision) *ErrorFrame {
	return &ErrorFrame{
		Type:    constants.FrameTypeError,
		Code:    d.Reason,
		Message: ReasonMessage(d.Reason),
		Details: d.Details,
	}
}

// EstablishedFrame greets an admitted client.
type EstablishedFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Room         string `json:"room"`
	Role         Role   `json:"role"`
}

// ControlFrame is a bare typed frame such as an application-level pong.
type ControlFrame struct {
	Type string `json:"type"`
}

// ReasonMessage returns the human-readable message for a reason code.
func ReasonMessage(r constants.ReasonCode) string {
	switch r {
	case constants.ReasonUserLimit:
		return "Too many connections for this user"
	case constants.ReasonIPLimit:
		return "Too many connections from this address"
	case constants.ReasonRoomFull:
		return "Room is at capacity"
	case constants.ReasonPayloadTooLarge:
		return "Message exceeds the maximum payload size"
	case constants.ReasonRateExceeded:
		return "Message rate limit exceeded"
	case constants.ReasonStoreUnavailable:
		return "Service temporarily unavailable"
	case constants.ReasonInvalidMessage:
		return "Malformed message"
	case constants.ReasonCapabilityDenied:
		return "Not permitted for this role"
	default:
		return "Request rejected"
	}
}
