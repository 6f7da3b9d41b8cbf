// Package ratelimit provides the Redis-backed counter store behind every
// connection and message limit, plus a process-local fallback.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/internal/domain/service"
	"github.com/turtacn/arena-realtime/pkg/constants"
	"github.com/turtacn/arena-realtime/pkg/errors"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// CounterStoreConfig holds counter store configuration.
type CounterStoreConfig struct {
	// OpTimeout bounds every round trip; exceeding it counts as unavailable
	OpTimeout time.Duration
	// CounterTTL is applied to connection counters and room sets on every write
	CounterTTL time.Duration
}

// DefaultCounterStoreConfig returns the default configuration.
func DefaultCounterStoreConfig() *CounterStoreConfig {
	return &CounterStoreConfig{
		OpTimeout:  constants.DefaultStoreOpTimeout,
		CounterTTL: constants.DefaultCounterTTL,
	}
}

// RedisCounterStore implements service.CounterStore on Redis with Lua scripts.
type RedisCounterStore struct {
	client  redis.UniversalClient
	config  *CounterStoreConfig
	logger  logger.Logger
	metrics service.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option customizes a RedisCounterStore.
type Option func(*RedisCounterStore)

// WithClock overrides the clock used for token bucket refills.
func WithClock(now func() time.Time) Option {
	return func(s *RedisCounterStore) { s.now = now }
}

// WithMetrics records store latency and errors.
func WithMetrics(m service.Metrics) Option {
	return func(s *RedisCounterStore) { s.metrics = m }
}

// WithTracer overrides the tracer used for store spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *RedisCounterStore) { s.tracer = t }
}

// NewRedisCounterStore creates a new Redis-backed counter store.
//
// Parameters:
//   - client: Redis client (standalone, cluster or sentinel)
//   - config: Store configuration, defaults when nil
//   - log: Logger instance
//
// Returns:
//   - *RedisCounterStore: Initialized store
//   - error: Initialization error if any
func NewRedisCounterStore(client redis.UniversalClient, config *CounterStoreConfig, log logger.Logger, opts ...Option) (*RedisCounterStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil {
		config = DefaultCounterStoreConfig()
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = constants.DefaultStoreOpTimeout
	}
	if config.CounterTTL <= 0 {
		config.CounterTTL = constants.DefaultCounterTTL
	}

	s := &RedisCounterStore{
		client:  client,
		config:  config,
		logger:  log.WithComponent("counter_store"),
		metrics: service.NewNoopMetrics(),
		tracer:  otel.Tracer("arena-realtime/ratelimit"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger.Info(context.Background(), "Redis counter store initialized",
		logger.Duration("op_timeout", config.OpTimeout),
		logger.Duration("counter_ttl", config.CounterTTL),
	)
	return s, nil
}

// ================================================================================
// Connection counters
// ================================================================================

// Increment adds one to a counter and refreshes its TTL.
func (s *RedisCounterStore) Increment(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, "increment", key, func(ctx context.Context) error {
		var err error
		n, err = incrementScript.Run(ctx, s.client, []string{key}, s.config.CounterTTL.Milliseconds()).Int64()
		return err
	})
	return n, err
}

// IncrementIfBelow adds one to a counter unless it already holds limit.
func (s *RedisCounterStore) IncrementIfBelow(ctx context.Context, key string, limit int64) (int64, bool, error) {
	var n int64
	var incremented bool
	err := s.do(ctx, "increment_below", key, func(ctx context.Context) error {
		res, err := incrementBelowScript.Run(ctx, s.client, []string{key},
			limit, s.config.CounterTTL.Milliseconds()).Result()
		if err != nil {
			return err
		}
		vals, err := toInt64s(res, 2)
		if err != nil {
			return err
		}
		incremented, n = vals[0] == 1, vals[1]
		return nil
	})
	return n, incremented, err
}

// Decrement subtracts one from a counter, deleting it at zero.
func (s *RedisCounterStore) Decrement(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, "decrement", key, func(ctx context.Context) error {
		var err error
		n, err = decrementScript.Run(ctx, s.client, []string{key}).Int64()
		return err
	})
	return n, err
}

// Get returns a counter's value, zero when absent.
func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, "get", key, func(ctx context.Context) error {
		v, err := s.client.Get(ctx, key).Int64()
		if err == redis.Nil {
			return nil
		}
		n = v
		return err
	})
	return n, err
}

// ================================================================================
// Room membership
// ================================================================================

// TryJoinRoom adds member to the room when below capacity.
func (s *RedisCounterStore) TryJoinRoom(ctx context.Context, roomKey, member string, capacity int64) (bool, int64, error) {
	var joined bool
	var size int64
	err := s.do(ctx, "try_join_room", roomKey, func(ctx context.Context) error {
		res, err := tryJoinRoomScript.Run(ctx, s.client, []string{roomKey},
			member, capacity, s.config.CounterTTL.Milliseconds()).Result()
		if err != nil {
			return err
		}
		vals, err := toInt64s(res, 2)
		if err != nil {
			return err
		}
		joined, size = vals[0] == 1, vals[1]
		return nil
	})
	return joined, size, err
}

// LeaveRoom removes member from the room.
func (s *RedisCounterStore) LeaveRoom(ctx context.Context, roomKey, member string) (int64, error) {
	var size int64
	err := s.do(ctx, "leave_room", roomKey, func(ctx context.Context) error {
		var err error
		size, err = leaveRoomScript.Run(ctx, s.client, []string{roomKey}, member).Int64()
		return err
	})
	return size, err
}

// RoomSize returns the room's member count.
func (s *RedisCounterStore) RoomSize(ctx context.Context, roomKey string) (int64, error) {
	var size int64
	err := s.do(ctx, "room_size", roomKey, func(ctx context.Context) error {
		var err error
		size, err = s.client.SCard(ctx, roomKey).Result()
		return err
	})
	return size, err
}

// RoomMembers lists the room's members.
func (s *RedisCounterStore) RoomMembers(ctx context.Context, roomKey string) ([]string, error) {
	var members []string
	err := s.do(ctx, "room_members", roomKey, func(ctx context.Context) error {
		var err error
		members, err = s.client.SMembers(ctx, roomKey).Result()
		return err
	})
	return members, err
}

// ================================================================================
// Token buckets
// ================================================================================

// CheckAndConsume refills the bucket for the elapsed time and takes cost tokens
// if available. Idle buckets expire once they would have refilled completely.
func (s *RedisCounterStore) CheckAndConsume(ctx context.Context, bucketKey string, cost int64, rate float64, burst int64) (models.BucketResult, error) {
	if rate <= 0 || burst <= 0 {
		return models.BucketResult{Allowed: true, Remaining: burst}, nil
	}

	var result models.BucketResult
	err := s.do(ctx, "check_and_consume", bucketKey, func(ctx context.Context) error {
		nowMs := s.now().UnixMilli()
		ttlMs := int64(math.Ceil(float64(burst)/rate*1000)) + 1000

		res, err := tokenBucketScript.Run(ctx, s.client, []string{bucketKey},
			burst, rate, cost, nowMs, ttlMs).Result()
		if err != nil {
			return err
		}
		vals, err := toInt64s(res, 3)
		if err != nil {
			return err
		}
		result = models.BucketResult{
			Allowed:    vals[0] == 1,
			Remaining:  vals[1],
			RetryAfter: time.Duration(vals[2]) * time.Millisecond,
		}
		return nil
	})
	return result, err
}

// ================================================================================
// Maintenance
// ================================================================================

// Touch refreshes the TTL of existing keys.
func (s *RedisCounterStore) Touch(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.do(ctx, "touch", keys[0], func(ctx context.Context) error {
		_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, key := range keys {
				p.PExpire(ctx, key, s.config.CounterTTL)
			}
			return nil
		})
		return err
	})
}

// Reset deletes keys. Keys are removed one by one so the call is valid
// across cluster slots.
func (s *RedisCounterStore) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.do(ctx, "reset", keys[0], func(ctx context.Context) error {
		_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, key := range keys {
				p.Del(ctx, key)
			}
			return nil
		})
		return err
	})
}

// Ping checks store reachability.
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", "", func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

// ================================================================================
// Internal helpers
// ================================================================================

// do runs fn under the operation timeout inside a span and maps any failure
// onto a store-unavailable error.
func (s *RedisCounterStore) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "counter_store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("realtime.store.key", key),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	s.metrics.RecordStoreLatency(op, time.Since(start))
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.metrics.RecordStoreError(op)
	s.logger.Warn(ctx, "Counter store operation failed",
		logger.String("operation", op),
		logger.String("key", key),
		logger.Error(err),
	)
	return errors.ErrStoreUnavailable(op, err)
}

// toInt64s parses a Lua array reply of integers.
func toInt64s(res interface{}, n int) ([]int64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < n {
		return nil, fmt.Errorf("unexpected script reply %T (%v)", res, res)
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		v, ok := arr[i].(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script reply element %d: %T", i, arr[i])
		}
		out[i] = v
	}
	return out, nil
}

var _ service.CounterStore = (*RedisCounterStore)(nil)
