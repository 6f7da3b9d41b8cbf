package service

import (
	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/pkg/constants"
)

// ConnectionCounts are the store observations a connection decision is made on.
// User and IP include the connection being evaluated, whether or not the
// store accepted its increment.
type ConnectionCounts struct {
	User int64
	IP   int64

	// RoomRequested is set once a room join was attempted; RoomJoined and
	// RoomSize carry its result.
	RoomRequested bool
	RoomJoined    bool
	RoomSize      int64
}

// EvaluateConnection decides whether a connection may be admitted.
// Checks run in order user, IP, room; the first failing check wins.
func EvaluateConnection(counts ConnectionCounts, limits models.Limits) models.Decision {
	if limits.MaxConnectionsPerUser > 0 && counts.User > limits.MaxConnectionsPerUser {
		return models.Deny(constants.ReasonUserLimit, map[string]any{
			"limit":   limits.MaxConnectionsPerUser,
			"current": counts.User - 1,
		})
	}
	if limits.MaxConnectionsPerIP > 0 && counts.IP > limits.MaxConnectionsPerIP {
		return models.Deny(constants.ReasonIPLimit, map[string]any{
			"limit":   limits.MaxConnectionsPerIP,
			"current": counts.IP - 1,
		})
	}
	if counts.RoomRequested && !counts.RoomJoined {
		return models.Deny(constants.ReasonRoomFull, map[string]any{
			"capacity": limits.RoomCapacity,
			"current":  counts.RoomSize,
		})
	}
	return models.Allow()
}

// BucketOutcome is the result of consuming from one scope's bucket.
type BucketOutcome struct {
	Scope  constants.BucketScope
	Result models.BucketResult
}

// EvaluatePayload rejects payloads above the configured maximum.
func EvaluatePayload(payloadSize int, limits models.Limits) models.Decision {
	if limits.MaxPayloadBytes > 0 && payloadSize > limits.MaxPayloadBytes {
		return models.Deny(constants.ReasonPayloadTooLarge, map[string]any{
			"max_bytes": limits.MaxPayloadBytes,
			"size":      payloadSize,
		})
	}
	return models.Allow()
}

// EvaluateMessage decides whether a message may pass. Payload size is checked
// first, then each bucket in the order given.
func EvaluateMessage(payloadSize int, limits models.Limits, buckets ...BucketOutcome) models.Decision {
	if d := EvaluatePayload(payloadSize, limits); !d.Allowed {
		return d
	}
	for _, b := range buckets {
		if !b.Result.Allowed {
			return models.Deny(constants.ReasonRateExceeded, map[string]any{
				"scope":          string(b.Scope),
				"retry_after_ms": b.Result.RetryAfter.Milliseconds(),
				"rate":           limits.MessageRate,
				"burst":          limits.MessageBurst,
			})
		}
	}
	return models.Allow()
}
