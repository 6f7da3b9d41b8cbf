package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/turtacn/arena-realtime/pkg/errors"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type CounterStoreTestSuite struct {
	suite.Suite
	mr     *miniredis.Miniredis
	client *redis.Client
	clock  *fakeClock
	spans  *tracetest.SpanRecorder
	store  *RedisCounterStore
	ctx    context.Context
}

func (s *CounterStoreTestSuite) SetupTest() {
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr
	s.client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.clock = newFakeClock()
	s.spans = tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(s.spans))

	s.store, err = NewRedisCounterStore(s.client, &CounterStoreConfig{
		OpTimeout:  time.Second,
		CounterTTL: time.Minute,
	}, logger.NewNoopLogger(), WithClock(s.clock.Now), WithTracer(tp.Tracer("test")))
	s.Require().NoError(err)
	s.ctx = context.Background()
}

func (s *CounterStoreTestSuite) TearDownTest() {
	s.client.Close()
	s.mr.Close()
}

func TestCounterStoreTestSuite(t *testing.T) {
	suite.Run(t, new(CounterStoreTestSuite))
}

func (s *CounterStoreTestSuite) TestIncrementDecrement() {
	key := "rt:conn:user:u1"

	n, err := s.store.Increment(s.ctx, key)
	s.NoError(err)
	s.Equal(int64(1), n)

	n, err = s.store.Increment(s.ctx, key)
	s.NoError(err)
	s.Equal(int64(2), n)
	s.Equal(time.Minute, s.mr.TTL(key))

	n, err = s.store.Decrement(s.ctx, key)
	s.NoError(err)
	s.Equal(int64(1), n)

	n, err = s.store.Decrement(s.ctx, key)
	s.NoError(err)
	s.Equal(int64(0), n)
	s.False(s.mr.Exists(key), "counter must be deleted at zero")
}

func (s *CounterStoreTestSuite) TestIncrementIfBelow() {
	key := "rt:conn:user:u1"

	for want := int64(1); want <= 2; want++ {
		n, ok, err := s.store.IncrementIfBelow(s.ctx, key, 2)
		s.Require().NoError(err)
		s.True(ok)
		s.Equal(want, n)
	}

	n, ok, err := s.store.IncrementIfBelow(s.ctx, key, 2)
	s.Require().NoError(err)
	s.False(ok)
	s.Equal(int64(2), n)
	s.Equal("2", s.mustGet(key))
	s.Equal(time.Minute, s.mr.TTL(key))

	n, ok, err = s.store.IncrementIfBelow(s.ctx, key, 0)
	s.Require().NoError(err)
	s.True(ok, "zero limit is unlimited")
	s.Equal(int64(3), n)
}

func (s *CounterStoreTestSuite) mustGet(key string) string {
	v, err := s.mr.Get(key)
	s.Require().NoError(err)
	return v
}

func (s *CounterStoreTestSuite) TestDecrementFloorsAtZero() {
	key := "rt:conn:ip:10.0.0.1"

	n, err := s.store.Decrement(s.ctx, key)
	s.NoError(err)
	s.Equal(int64(0), n)
	s.False(s.mr.Exists(key))

	got, err := s.store.Get(s.ctx, key)
	s.NoError(err)
	s.Equal(int64(0), got)
}

func (s *CounterStoreTestSuite) TestCounterExpires() {
	key := "rt:conn:user:crashed"
	_, err := s.store.Increment(s.ctx, key)
	s.Require().NoError(err)

	s.mr.FastForward(time.Minute + time.Second)

	got, err := s.store.Get(s.ctx, key)
	s.NoError(err)
	s.Equal(int64(0), got)
}

func (s *CounterStoreTestSuite) TestTouchRefreshesTTL() {
	key := "rt:conn:user:u1"
	_, err := s.store.Increment(s.ctx, key)
	s.Require().NoError(err)

	s.mr.FastForward(50 * time.Second)
	s.Require().NoError(s.store.Touch(s.ctx, key, "rt:room:missing"))
	s.Equal(time.Minute, s.mr.TTL(key))
	s.False(s.mr.Exists("rt:room:missing"))
}

func (s *CounterStoreTestSuite) TestRoomCapacity() {
	room := "rt:room:t-1"

	joined, size, err := s.store.TryJoinRoom(s.ctx, room, "c1", 2)
	s.NoError(err)
	s.True(joined)
	s.Equal(int64(1), size)

	joined, size, err = s.store.TryJoinRoom(s.ctx, room, "c2", 2)
	s.NoError(err)
	s.True(joined)
	s.Equal(int64(2), size)

	joined, size, err = s.store.TryJoinRoom(s.ctx, room, "c3", 2)
	s.NoError(err)
	s.False(joined)
	s.Equal(int64(2), size)

	members, err := s.store.RoomMembers(s.ctx, room)
	s.NoError(err)
	s.ElementsMatch([]string{"c1", "c2"}, members, "failed join must not mutate the set")

	// rejoining an existing member is idempotent
	joined, size, err = s.store.TryJoinRoom(s.ctx, room, "c1", 2)
	s.NoError(err)
	s.True(joined)
	s.Equal(int64(2), size)

	remaining, err := s.store.LeaveRoom(s.ctx, room, "c1")
	s.NoError(err)
	s.Equal(int64(1), remaining)

	joined, _, err = s.store.TryJoinRoom(s.ctx, room, "c3", 2)
	s.NoError(err)
	s.True(joined)

	size, err = s.store.RoomSize(s.ctx, room)
	s.NoError(err)
	s.Equal(int64(2), size)
}

func (s *CounterStoreTestSuite) TestRoomUnlimitedCapacity() {
	room := "rt:room:open"
	for i := 0; i < 10; i++ {
		joined, _, err := s.store.TryJoinRoom(s.ctx, room, fmt.Sprintf("c%d", i), 0)
		s.NoError(err)
		s.True(joined)
	}
}

func (s *CounterStoreTestSuite) TestRoomLastLeaveRemovesKey() {
	room := "rt:room:t-2"
	_, _, err := s.store.TryJoinRoom(s.ctx, room, "c1", 5)
	s.Require().NoError(err)

	size, err := s.store.LeaveRoom(s.ctx, room, "c1")
	s.NoError(err)
	s.Equal(int64(0), size)
	s.False(s.mr.Exists(room))
}

func (s *CounterStoreTestSuite) TestTokenBucketBurstThenRefill() {
	key := "rt:bucket:user:u1"

	for i := 0; i < 5; i++ {
		res, err := s.store.CheckAndConsume(s.ctx, key, 1, 1, 5)
		s.Require().NoError(err)
		s.True(res.Allowed, "message %d within burst", i+1)
		s.Equal(int64(4-i), res.Remaining)
	}

	res, err := s.store.CheckAndConsume(s.ctx, key, 1, 1, 5)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Equal(time.Second, res.RetryAfter)

	s.clock.Advance(time.Second)

	res, err = s.store.CheckAndConsume(s.ctx, key, 1, 1, 5)
	s.Require().NoError(err)
	s.True(res.Allowed)

	res, err = s.store.CheckAndConsume(s.ctx, key, 1, 1, 5)
	s.Require().NoError(err)
	s.False(res.Allowed)
}

func (s *CounterStoreTestSuite) TestTokenBucketClockSkewDoesNotRefill() {
	key := "rt:bucket:ip:10.0.0.9"
	for i := 0; i < 2; i++ {
		_, err := s.store.CheckAndConsume(s.ctx, key, 1, 1, 2)
		s.Require().NoError(err)
	}

	s.clock.Advance(-10 * time.Second)
	res, err := s.store.CheckAndConsume(s.ctx, key, 1, 1, 2)
	s.Require().NoError(err)
	s.False(res.Allowed)
}

func (s *CounterStoreTestSuite) TestTokenBucketExpiresWhenIdle() {
	key := "rt:bucket:user:idle"
	_, err := s.store.CheckAndConsume(s.ctx, key, 1, 2, 4)
	s.Require().NoError(err)

	// burst 4 at 2/s refills in 2s, plus a 1s margin
	s.Equal(3*time.Second, s.mr.TTL(key))
}

func (s *CounterStoreTestSuite) TestReset() {
	_, err := s.store.Increment(s.ctx, "rt:conn:user:a")
	s.Require().NoError(err)
	_, _, err = s.store.TryJoinRoom(s.ctx, "rt:room:x", "c1", 0)
	s.Require().NoError(err)

	s.NoError(s.store.Reset(s.ctx, "rt:conn:user:a", "rt:room:x"))
	s.False(s.mr.Exists("rt:conn:user:a"))
	s.False(s.mr.Exists("rt:room:x"))
}

func (s *CounterStoreTestSuite) TestStoreUnavailable() {
	s.mr.SetError("LOADING Redis is loading the dataset in memory")
	defer s.mr.SetError("")

	_, err := s.store.Increment(s.ctx, "rt:conn:user:u1")
	s.Error(err)
	s.True(errors.IsStoreUnavailable(err))
	s.False(errors.IsPolicyViolation(err))

	_, err = s.store.CheckAndConsume(s.ctx, "rt:bucket:user:u1", 1, 1, 5)
	s.True(errors.IsStoreUnavailable(err))

	s.True(errors.IsStoreUnavailable(s.store.Ping(s.ctx)))
}

func (s *CounterStoreTestSuite) TestSpansRecorded() {
	_, err := s.store.Increment(s.ctx, "rt:conn:user:traced")
	s.Require().NoError(err)

	ended := s.spans.Ended()
	s.Require().NotEmpty(ended)
	s.Equal("counter_store.increment", ended[len(ended)-1].Name())
}

func TestCounterStore_TimeoutIsUnavailable(t *testing.T) {
	// nothing listens on this port; dialing fails well within the timeout
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	store, err := NewRedisCounterStore(client, &CounterStoreConfig{OpTimeout: 100 * time.Millisecond}, logger.NewNoopLogger())
	require.NoError(t, err)

	_, err = store.Increment(context.Background(), "rt:conn:user:u1")
	assert.True(t, errors.IsStoreUnavailable(err))
}

func TestCounterStore_ConcurrentIncrementsConserveCount(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store, err := NewRedisCounterStore(client, nil, logger.NewNoopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	key := "rt:conn:user:busy"

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Increment(ctx, key)
		}()
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Decrement(ctx, key)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got)
}

func TestCounterStore_ConcurrentIncrementIfBelowHoldsLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store, err := NewRedisCounterStore(client, nil, logger.NewNoopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := store.IncrementIfBelow(ctx, "rt:conn:ip:nat", 5); err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), granted.Load())
	got, err := store.Get(ctx, "rt:conn:ip:nat")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
}

func TestCounterStore_ConcurrentBucketNeverOverspends(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := newFakeClock()
	store, err := NewRedisCounterStore(client, nil, logger.NewNoopLogger(), WithClock(clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.CheckAndConsume(ctx, "rt:bucket:ip:shared", 1, 1, 5)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	// elapsed is zero on the fake clock, so only the burst is available
	assert.Equal(t, int64(5), allowed.Load())
}
