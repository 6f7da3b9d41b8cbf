// Package constants defines system-wide constants for the arena realtime gateway.
// This package provides type-safe constant definitions used across all modules.
package constants

import "time"

// ================================================================================
// WebSocket Close Codes
// ================================================================================

// CloseCode is a WebSocket close status sent to the client when a connection ends.
type CloseCode int

const (
	// CloseNormal is the standard normal closure
	CloseNormal CloseCode = 1000

	// CloseGoingAway is sent when the server shuts down
	CloseGoingAway CloseCode = 1001

	// CloseInternalError is the generic server-error code for internal faults
	CloseInternalError CloseCode = 1011

	// CloseTryAgainLater is sent when the counter store is unreachable under fail-closed
	CloseTryAgainLater CloseCode = 1013

	// CloseMissingIdentifier is sent when the tournament id is absent
	CloseMissingIdentifier CloseCode = 4000

	// CloseUnauthenticated is sent when authentication is required but missing or invalid
	CloseUnauthenticated CloseCode = 4001

	// CloseProtocolViolation is sent for malformed frames
	CloseProtocolViolation CloseCode = 4002

	// CloseOriginDenied is sent when the Origin header is not allowed
	CloseOriginDenied CloseCode = 4003

	// CloseHeartbeatTimeout is sent when no pong arrived in time
	CloseHeartbeatTimeout CloseCode = 4004

	// CloseCapabilityDenied is sent when the caller's role may not join the room
	CloseCapabilityDenied CloseCode = 4005

	// CloseLimitExceeded is sent for connection or message limit violations
	CloseLimitExceeded CloseCode = 4008

	// CloseRoomFull is sent when the room is at capacity
	CloseRoomFull CloseCode = 4010
)

// Int returns the close code as a plain int, the form gorilla/websocket expects.
func (c CloseCode) Int() int {
	return int(c)
}

// ================================================================================
// Reason Codes
// ================================================================================

// ReasonCode names the cause of a deny decision. It appears in error frames,
// audit events and metric labels.
type ReasonCode string

const (
	ReasonNone              ReasonCode = ""
	ReasonUserLimit         ReasonCode = "USER_LIMIT"
	ReasonIPLimit           ReasonCode = "IP_LIMIT"
	ReasonRoomFull          ReasonCode = "ROOM_FULL"
	ReasonPayloadTooLarge   ReasonCode = "PAYLOAD_TOO_LARGE"
	ReasonRateExceeded      ReasonCode = "RATE_EXCEEDED"
	ReasonStoreUnavailable  ReasonCode = "STORE_UNAVAILABLE"
	ReasonUnauthenticated   ReasonCode = "UNAUTHENTICATED"
	ReasonOriginDenied      ReasonCode = "ORIGIN_DENIED"
	ReasonMissingIdentifier ReasonCode = "MISSING_IDENTIFIER"
	ReasonCapabilityDenied  ReasonCode = "CAPABILITY_DENIED"
	ReasonInvalidMessage    ReasonCode = "INVALID_MESSAGE"
	ReasonHeartbeatTimeout  ReasonCode = "HEARTBEAT_TIMEOUT"
	ReasonInternalError     ReasonCode = "INTERNAL_ERROR"
)

// CloseCode maps a reason onto the close code used when the reason ends a connection.
func (r ReasonCode) CloseCode() CloseCode {
	switch r {
	case ReasonUserLimit, ReasonIPLimit, ReasonRateExceeded, ReasonPayloadTooLarge:
		return CloseLimitExceeded
	case ReasonRoomFull:
		return CloseRoomFull
	case ReasonStoreUnavailable:
		return CloseTryAgainLater
	case ReasonUnauthenticated:
		return CloseUnauthenticated
	case ReasonOriginDenied:
		return CloseOriginDenied
	case ReasonMissingIdentifier:
		return CloseMissingIdentifier
	case ReasonCapabilityDenied:
		return CloseCapabilityDenied
	case ReasonInvalidMessage:
		return CloseProtocolViolation
	case ReasonHeartbeatTimeout:
		return CloseHeartbeatTimeout
	case ReasonNone:
		return CloseNormal
	default:
		return CloseInternalError
	}
}

// ================================================================================
// Counter Store Keys
// ================================================================================

const (
	// DefaultKeyPrefix prefixes every key the gateway writes to Redis
	DefaultKeyPrefix = "rt"

	KeySegmentUserConn = "conn:user"
	KeySegmentIPConn   = "conn:ip"
	KeySegmentRoom     = "room"
	KeySegmentBucket   = "bucket"
)

// BucketScope identifies which actor a message bucket throttles.
type BucketScope string

const (
	BucketScopeUser BucketScope = "user"
	BucketScopeIP   BucketScope = "ip"
)

// ================================================================================
// Fail Policy
// ================================================================================

// FailPolicy decides what happens when the counter store cannot be reached.
type FailPolicy string

const (
	// FailOpen admits traffic without shared counters
	FailOpen FailPolicy = "open"

	// FailClosed rejects traffic until the store recovers
	FailClosed FailPolicy = "closed"
)

// ================================================================================
// Frame Types
// ================================================================================

const (
	FrameTypeError       = "error"
	FrameTypePing        = "ping"
	FrameTypePong        = "pong"
	FrameTypeEstablished = "connection_established"
)

// ================================================================================
// Defaults
// ================================================================================

const (
	DefaultHeartbeatInterval    = 25 * time.Second
	DefaultHeartbeatTimeout     = 50 * time.Second
	DefaultStoreOpTimeout       = 250 * time.Millisecond
	DefaultCounterTTL           = 5 * time.Minute
	DefaultMaxPayloadBytes      = 16 * 1024
	DefaultMaxConnectionsUser   = 5
	DefaultMaxConnectionsIP     = 20
	DefaultRoomCapacity         = 5000
	DefaultMessageRate          = 10.0
	DefaultMessageBurst         = 20
	DefaultCloseAfterViolations = 10
	DefaultReleaseTimeout       = 2 * time.Second
	DefaultWriteWait            = 10 * time.Second
	DefaultSendBuffer           = 64
)

// ================================================================================
// Log Levels
// ================================================================================

// LogLevel represents the severity level of log messages
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey represents keys used in context.Context
type ContextKey string

const (
	// ContextKeyRequestID is the key for request ID in context
	ContextKeyRequestID ContextKey = "request_id"

	// ContextKeyTraceID is the key for distributed trace ID in context
	ContextKeyTraceID ContextKey = "trace_id"

	// ContextKeyConnectionID is the key for the WebSocket connection ID in context
	ContextKeyConnectionID ContextKey = "connection_id"

	// ContextKeyClientIP is the key for client IP address in context
	ContextKeyClientIP ContextKey = "client_ip"
)
