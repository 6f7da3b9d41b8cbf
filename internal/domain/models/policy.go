package models

import (
	"time"

	"github.com/turtacn/arena-realtime/pkg/constants"
)

// Limits are the numeric thresholds of the rate-limit policy. Zero disables
// the corresponding check.
type Limits struct {
	MaxConnectionsPerUser int64
	MaxConnectionsPerIP   int64
	RoomCapacity          int64
	MaxPayloadBytes       int
	HardReadLimit         int64 // frames above this close the connection
	MessageRate           float64 // tokens per second
	MessageBurst          int64
	CloseAfterViolations  int
}

// Policy is an immutable snapshot of everything the guards need to decide.
// A new snapshot replaces the old one on config reload.
type Policy struct {
	Limits             Limits
	EnforceConnections bool
	EnforceMessages    bool
	FailPolicy         constants.FailPolicy
	LocalFallback      bool
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
}

// FailOpen reports whether store outages admit traffic.
func (p *Policy) FailOpen() bool {
	return p.FailPolicy != constants.FailClosed
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  constants.ReasonCode
	Details map[string]any
}

// Allow is the zero-reason allow decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny builds a deny decision.
func Deny(reason constants.ReasonCode, details map[string]any) Decision {
	return Decision{Allowed: false, Reason: reason, Details: details}
}

// CloseCode returns the close code used when this decision ends a connection.
func (d Decision) CloseCode() constants.CloseCode {
	if d.Allowed {
		return constants.CloseNormal
	}
	return d.Reason.CloseCode()
}

// BucketResult is the outcome of one token-bucket consume.
type BucketResult struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}
