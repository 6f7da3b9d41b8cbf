// Package service defines the domain contracts of the realtime gateway and the
// pure policy logic that decides admissions and message acceptance.
package service

import (
	"context"

	"github.com/turtacn/arena-realtime/internal/domain/models"
)

//go:generate mockery --name CounterStore --output mocks --outpkg mocks
// CounterStore is the shared, cross-process state behind every limit.
// Every operation is atomic in the backing store. Implementations return an
// errors.KindStoreUnavailable error when the store cannot answer; that error
// is never a deny decision.
type CounterStore interface {
	// Increment adds one to key, refreshes its TTL and returns the new count.
	Increment(ctx context.Context, key string) (int64, error)

	// IncrementIfBelow adds one to key only while it holds fewer than limit,
	// refreshing its TTL when it does. It returns the resulting count and
	// whether the increment happened. limit <= 0 means unlimited.
	IncrementIfBelow(ctx context.Context, key string, limit int64) (count int64, incremented bool, err error)

	// Decrement subtracts one from key, never below zero. The key is deleted
	// when it reaches zero.
	Decrement(ctx context.Context, key string) (int64, error)

	// Get returns the current count, zero when the key does not exist.
	Get(ctx context.Context, key string) (int64, error)

	// TryJoinRoom adds member to the room set only if the set holds fewer than
	// capacity members. A member already present counts as joined.
	// capacity <= 0 means unlimited.
	TryJoinRoom(ctx context.Context, roomKey, member string, capacity int64) (joined bool, size int64, err error)

	// LeaveRoom removes member and returns the remaining size.
	LeaveRoom(ctx context.Context, roomKey, member string) (int64, error)

	// RoomSize returns the number of members in the room.
	RoomSize(ctx context.Context, roomKey string) (int64, error)

	// RoomMembers lists the members of the room.
	RoomMembers(ctx context.Context, roomKey string) ([]string, error)

	// CheckAndConsume takes cost tokens from the bucket if available.
	CheckAndConsume(ctx context.Context, bucketKey string, cost int64, rate float64, burst int64) (models.BucketResult, error)

	// Touch refreshes the TTL of the given keys.
	Touch(ctx context.Context, keys ...string) error

	// Reset deletes the given keys.
	Reset(ctx context.Context, keys ...string) error

	// Ping checks store reachability.
	Ping(ctx context.Context) error
}

//go:generate mockery --name Authenticator --output mocks --outpkg mocks
// Authenticator verifies handshake credentials. An empty token yields
// (nil, nil) so the caller can decide whether anonymous access is allowed.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.Identity, error)
}

// Sender delivers frames to one connection.
type Sender interface {
	// Send queues a JSON-encodable frame. It never blocks on a slow client.
	Send(v any) error
}

//go:generate mockery --name MessageRouter --output mocks --outpkg mocks
// MessageRouter receives messages that already passed every guard.
type MessageRouter interface {
	// Join registers a connection with its room for fan-out.
	Join(rec *models.ConnectionRecord, sender Sender)

	// Leave removes a connection from its room.
	Leave(rec *models.ConnectionRecord)

	// Route handles one inbound message.
	Route(ctx context.Context, rec *models.ConnectionRecord, msg *models.InboundMessage) error
}

//go:generate mockery --name AuditSink --output mocks --outpkg mocks
// AuditSink persists audit events.
type AuditSink interface {
	Record(ctx context.Context, event *models.AuditEvent) error
	Close() error
}
