package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/pkg/constants"
)

func testLimits() models.Limits {
	return models.Limits{
		MaxConnectionsPerUser: 2,
		MaxConnectionsPerIP:   3,
		RoomCapacity:          2,
		MaxPayloadBytes:       64,
		MessageRate:           1,
		MessageBurst:          5,
	}
}

func TestEvaluateConnection(t *testing.T) {
	limits := testLimits()

	tests := []struct {
		name    string
		counts  ConnectionCounts
		allowed bool
		reason  constants.ReasonCode
	}{
		{"at user limit", ConnectionCounts{User: 2, IP: 2}, true, constants.ReasonNone},
		{"over user limit", ConnectionCounts{User: 3, IP: 1}, false, constants.ReasonUserLimit},
		{"over ip limit", ConnectionCounts{User: 1, IP: 4}, false, constants.ReasonIPLimit},
		{"user checked before ip", ConnectionCounts{User: 3, IP: 4}, false, constants.ReasonUserLimit},
		{"room joined", ConnectionCounts{User: 1, IP: 1, RoomRequested: true, RoomJoined: true, RoomSize: 2}, true, constants.ReasonNone},
		{"room full", ConnectionCounts{User: 1, IP: 1, RoomRequested: true, RoomSize: 2}, false, constants.ReasonRoomFull},
		{"anonymous has no user count", ConnectionCounts{IP: 1}, true, constants.ReasonNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := EvaluateConnection(tt.counts, limits)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestEvaluateConnection_ZeroLimitsAreUnlimited(t *testing.T) {
	d := EvaluateConnection(ConnectionCounts{User: 1000, IP: 1000}, models.Limits{})
	assert.True(t, d.Allowed)
}

func TestEvaluateConnection_CloseCodes(t *testing.T) {
	limits := testLimits()
	assert.Equal(t, constants.CloseLimitExceeded, EvaluateConnection(ConnectionCounts{User: 3}, limits).CloseCode())
	assert.Equal(t, constants.CloseRoomFull,
		EvaluateConnection(ConnectionCounts{RoomRequested: true}, limits).CloseCode())
}

func TestEvaluateMessage(t *testing.T) {
	limits := testLimits()
	ok := models.BucketResult{Allowed: true, Remaining: 3}
	empty := models.BucketResult{Allowed: false, RetryAfter: 800 * time.Millisecond}

	t.Run("payload too large wins over buckets", func(t *testing.T) {
		d := EvaluateMessage(65, limits, BucketOutcome{Scope: constants.BucketScopeUser, Result: empty})
		assert.False(t, d.Allowed)
		assert.Equal(t, constants.ReasonPayloadTooLarge, d.Reason)
		assert.Equal(t, 64, d.Details["max_bytes"])
	})

	t.Run("payload at limit passes", func(t *testing.T) {
		d := EvaluateMessage(64, limits, BucketOutcome{Scope: constants.BucketScopeUser, Result: ok})
		assert.True(t, d.Allowed)
	})

	t.Run("ip bucket exhausted", func(t *testing.T) {
		d := EvaluateMessage(10, limits,
			BucketOutcome{Scope: constants.BucketScopeUser, Result: ok},
			BucketOutcome{Scope: constants.BucketScopeIP, Result: empty},
		)
		assert.False(t, d.Allowed)
		assert.Equal(t, constants.ReasonRateExceeded, d.Reason)
		assert.Equal(t, "ip", d.Details["scope"])
		assert.Equal(t, int64(800), d.Details["retry_after_ms"])
	})

	t.Run("no buckets", func(t *testing.T) {
		assert.True(t, EvaluateMessage(1, limits).Allowed)
	})
}

func TestResolveCapability(t *testing.T) {
	anon := ResolveCapability(nil, true)
	assert.Equal(t, models.RoleAnonymous, anon.Role())
	assert.True(t, anon.CanJoin("t-1"))
	assert.False(t, anon.CanPublish())

	assert.False(t, ResolveCapability(models.AnonymousIdentity(), false).CanJoin("t-1"))

	owner := ResolveCapability(&models.Identity{UserID: "u1", Role: models.RoleOwner}, false)
	assert.Equal(t, models.RoleOwner, owner.Role())
	assert.True(t, owner.CanPublish())

	mgr := ResolveCapability(&models.Identity{UserID: "u2", Role: models.RoleManager}, false)
	assert.Equal(t, models.RoleManager, mgr.Role())

	p := ResolveCapability(&models.Identity{UserID: "u3", Role: models.ParseRole("coach")}, false)
	assert.Equal(t, models.RoleParticipant, p.Role())
	assert.True(t, p.CanJoin("t-9"))
}

func TestKeyBuilder(t *testing.T) {
	k := NewKeyBuilder("")
	assert.Equal(t, "rt:conn:user:u1", k.UserConnections("u1"))
	assert.Equal(t, "rt:conn:ip:10.0.0.1", k.IPConnections("10.0.0.1"))
	assert.Equal(t, "rt:room:42", k.Room("42"))
	assert.Equal(t, "rt:bucket:user:u1", k.Bucket(constants.BucketScopeUser, "u1"))
}
