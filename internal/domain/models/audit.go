package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/arena-realtime/pkg/constants"
)

// AuditEventType classifies an audit event.
type AuditEventType string

const (
	AuditEventConnectionRejected AuditEventType = "connection.rejected"
	AuditEventMessageRejected    AuditEventType = "message.rejected"
	AuditEventConnectionClosed   AuditEventType = "connection.closed_by_policy"
	AuditEventHeartbeatTimeout   AuditEventType = "heartbeat.timeout"
	AuditEventStoreDegraded      AuditEventType = "store.degraded"
)

// AuditEvent records a policy decision worth keeping beyond the log stream.
type AuditEvent struct {
	EventID      string               `json:"event_id"`
	EventType    AuditEventType       `json:"event_type"`
	Reason       constants.ReasonCode `json:"reason"`
	CloseCode    int                  `json:"close_code,omitempty"`
	ConnectionID string               `json:"connection_id,omitempty"`
	UserID       string               `json:"user_id,omitempty"`
	RemoteIP     string               `json:"remote_ip"`
	RoomID       string               `json:"room_id,omitempty"`
	Details      map[string]any       `json:"details,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

// NewAuditEvent creates a new audit event stamped with an id and the current time.
func NewAuditEvent(eventType AuditEventType, reason constants.ReasonCode) *AuditEvent {
	return &AuditEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// WithConnection copies the connection identifiers onto the event.
func (e *AuditEvent) WithConnection(rec *ConnectionRecord) *AuditEvent {
	if rec == nil {
		return e
	}
	e.ConnectionID = rec.ID
	e.UserID = rec.UserID
	e.RemoteIP = rec.RemoteIP
	e.RoomID = rec.RoomID
	return e
}

// WithCloseCode sets the close code the client received.
func (e *AuditEvent) WithCloseCode(code constants.CloseCode) *AuditEvent {
	e.CloseCode = code.Int()
	return e
}

// WithDetails attaches decision details.
func (e *AuditEvent) WithDetails(details map[string]any) *AuditEvent {
	e.Details = details
	return e
}
