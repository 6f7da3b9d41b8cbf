package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/turtacn/arena-realtime/internal/config"
	"github.com/turtacn/arena-realtime/internal/domain/models"
	domainservice "github.com/turtacn/arena-realtime/internal/domain/service"
	"github.com/turtacn/arena-realtime/internal/domain/service/mocks"
	"github.com/turtacn/arena-realtime/internal/infrastructure/ratelimit"
	"github.com/turtacn/arena-realtime/pkg/constants"
	"github.com/turtacn/arena-realtime/pkg/errors"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testPolicy() *models.Policy {
	return &models.Policy{
		Limits: models.Limits{
			MaxConnectionsPerUser: 2,
			MaxConnectionsPerIP:   10,
			RoomCapacity:          2,
			MaxPayloadBytes:       64,
			MessageRate:           1,
			MessageBurst:          5,
			CloseAfterViolations:  3,
		},
		EnforceConnections: true,
		EnforceMessages:    true,
		FailPolicy:         constants.FailOpen,
		LocalFallback:      true,
		HeartbeatInterval:  20 * time.Millisecond,
		HeartbeatTimeout:   60 * time.Millisecond,
	}
}

func participant(id string) *models.Identity {
	return &models.Identity{UserID: id, Role: models.RoleParticipant}
}

// guardFixture wires the guards to a miniredis-backed store.
type guardFixture struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	clock  *testClock
	store  *ratelimit.RedisCounterStore
	policy *config.PolicyHolder
	keys   domainservice.KeyBuilder
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := newTestClock()

	store, err := ratelimit.NewRedisCounterStore(client, &ratelimit.CounterStoreConfig{
		OpTimeout:  time.Second,
		CounterTTL: time.Minute,
	}, logger.NewNoopLogger(), ratelimit.WithClock(clock.Now))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return &guardFixture{
		mr:     mr,
		client: client,
		clock:  clock,
		store:  store,
		policy: config.NewPolicyHolder(testPolicy()),
		keys:   domainservice.NewKeyBuilder(constants.DefaultKeyPrefix),
	}
}

func (f *guardFixture) deps() GuardDeps {
	return GuardDeps{Store: f.store, Keys: f.keys, Policy: f.policy}
}

func (f *guardFixture) count(t *testing.T, key string) int64 {
	t.Helper()
	n, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	return n
}

// ================================================================================
// Suite
// ================================================================================

type ConnectionGuardTestSuite struct {
	suite.Suite
	f     *guardFixture
	guard *ConnectionGuard
	ctx   context.Context
}

func (s *ConnectionGuardTestSuite) SetupTest() {
	s.f = newGuardFixture(s.T())
	s.guard = NewConnectionGuard(s.f.deps())
	s.ctx = context.Background()
}

func TestConnectionGuardTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionGuardTestSuite))
}

func (s *ConnectionGuardTestSuite) admit(connID, userID, ip, room string) (*Admission, error) {
	var identity *models.Identity
	if userID != "" {
		identity = participant(userID)
	}
	return s.guard.Admit(s.ctx, AdmitRequest{
		ConnectionID: connID,
		Identity:     identity,
		RemoteIP:     ip,
		RoomID:       room,
	})
}

func (s *ConnectionGuardTestSuite) TestAdmitHoldsEveryCounter() {
	adm, err := s.admit("c1", "u1", "10.0.0.1", "t1")
	s.Require().NoError(err)

	s.Equal(int64(1), s.f.count(s.T(), s.f.keys.UserConnections("u1")))
	s.Equal(int64(1), s.f.count(s.T(), s.f.keys.IPConnections("10.0.0.1")))
	members, err := s.f.store.RoomMembers(s.ctx, s.f.keys.Room("t1"))
	s.NoError(err)
	s.Equal([]string{"c1"}, members)
	s.Len(adm.Keys(), 3)
	s.False(adm.Degraded())

	adm.Release(s.ctx)
	s.Equal(int64(0), s.f.count(s.T(), s.f.keys.UserConnections("u1")))
	s.Equal(int64(0), s.f.count(s.T(), s.f.keys.IPConnections("10.0.0.1")))
	s.False(s.f.mr.Exists(s.f.keys.Room("t1")))
}

func (s *ConnectionGuardTestSuite) TestUserLimitRejectsAndCompensates() {
	for i := 0; i < 2; i++ {
		_, err := s.admit(fmt.Sprintf("c%d", i), "u1", "10.0.0.1", "t1")
		s.Require().NoError(err)
	}
	// Room capacity would also be hit; the user check comes first.
	_, err := s.admit("c3", "u1", "10.0.0.2", "t2")
	s.Require().Error(err)
	s.Equal(constants.ReasonUserLimit, errors.ReasonOf(err))
	s.Equal(constants.CloseLimitExceeded, errors.CloseCodeOf(err))

	rtErr, ok := errors.AsRealtimeError(err)
	s.Require().True(ok)
	s.Equal(int64(2), rtErr.Metadata()["limit"])

	s.Equal(int64(2), s.f.count(s.T(), s.f.keys.UserConnections("u1")))
	s.Equal(int64(0), s.f.count(s.T(), s.f.keys.IPConnections("10.0.0.2")))
	s.False(s.f.mr.Exists(s.f.keys.Room("t2")))
}

func (s *ConnectionGuardTestSuite) TestIPLimit() {
	p := testPolicy()
	p.Limits.MaxConnectionsPerIP = 1
	s.f.policy.Update(p)

	_, err := s.admit("c1", "", "10.0.0.1", "t1")
	s.Require().NoError(err)

	_, err = s.admit("c2", "", "10.0.0.1", "t1")
	s.Equal(constants.ReasonIPLimit, errors.ReasonOf(err))
	s.Equal(int64(1), s.f.count(s.T(), s.f.keys.IPConnections("10.0.0.1")))
}

func (s *ConnectionGuardTestSuite) TestRoomFullThenJoinAfterLeave() {
	first, err := s.admit("c1", "u1", "10.0.0.1", "t1")
	s.Require().NoError(err)
	_, err = s.admit("c2", "u2", "10.0.0.2", "t1")
	s.Require().NoError(err)

	_, err = s.admit("c3", "u3", "10.0.0.3", "t1")
	s.Require().Error(err)
	s.Equal(constants.ReasonRoomFull, errors.ReasonOf(err))
	s.Equal(constants.CloseRoomFull, errors.CloseCodeOf(err))
	s.Equal(int64(0), s.f.count(s.T(), s.f.keys.UserConnections("u3")))
	s.Equal(int64(0), s.f.count(s.T(), s.f.keys.IPConnections("10.0.0.3")))

	size, err := s.f.store.RoomSize(s.ctx, s.f.keys.Room("t1"))
	s.NoError(err)
	s.Equal(int64(2), size)

	first.Release(s.ctx)

	_, err = s.admit("c3", "u3", "10.0.0.3", "t1")
	s.NoError(err)
}

func (s *ConnectionGuardTestSuite) TestReleaseIsIdempotent() {
	a1, err := s.admit("c1", "u1", "10.0.0.1", "t1")
	s.Require().NoError(err)
	_, err = s.admit("c2", "u1", "10.0.0.1", "t1")
	s.Require().NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a1.Release(s.ctx)
		}()
	}
	wg.Wait()

	s.True(a1.Closing())
	s.Equal(int64(1), s.f.count(s.T(), s.f.keys.UserConnections("u1")))
	s.Equal(int64(1), s.f.count(s.T(), s.f.keys.IPConnections("10.0.0.1")))
}

func (s *ConnectionGuardTestSuite) TestReleaseRunsWithCancelledContext() {
	adm, err := s.admit("c1", "u1", "10.0.0.1", "t1")
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	adm.Release(ctx)

	s.Equal(int64(0), s.f.count(s.T(), s.f.keys.UserConnections("u1")))
}

func (s *ConnectionGuardTestSuite) TestAnonymousHasNoUserCounter() {
	adm, err := s.admit("c1", "", "10.0.0.1", "t1")
	s.Require().NoError(err)
	s.Len(adm.Keys(), 2)
	s.Equal(models.RoleAnonymous, adm.Record.Role)
}

func (s *ConnectionGuardTestSuite) TestEnforcementDisabled() {
	p := testPolicy()
	p.EnforceConnections = false
	s.f.policy.Update(p)

	for i := 0; i < 5; i++ {
		_, err := s.admit(fmt.Sprintf("c%d", i), "u1", "10.0.0.1", "t1")
		s.Require().NoError(err)
	}
	s.False(s.f.mr.Exists(s.f.keys.UserConnections("u1")))
}

func (s *ConnectionGuardTestSuite) TestHotReloadAppliesToNextAdmission() {
	_, err := s.admit("c1", "u1", "10.0.0.1", "t1")
	s.Require().NoError(err)

	p := testPolicy()
	p.Limits.MaxConnectionsPerUser = 1
	s.f.policy.Update(p)

	_, err = s.admit("c2", "u1", "10.0.0.1", "t1")
	s.Equal(constants.ReasonUserLimit, errors.ReasonOf(err))
}

func (s *ConnectionGuardTestSuite) TestFailClosedRejectsWithTryAgainLater() {
	p := testPolicy()
	p.FailPolicy = constants.FailClosed
	s.f.policy.Update(p)
	s.f.mr.SetError("LOADING")

	_, err := s.admit("c1", "u1", "10.0.0.1", "t1")
	s.Require().Error(err)
	s.True(errors.IsStoreUnavailable(err))
	s.Equal(constants.CloseTryAgainLater, errors.CloseCodeOf(err))
}

func (s *ConnectionGuardTestSuite) TestFailOpenAdmitsDegraded() {
	s.f.mr.SetError("LOADING")

	adm, err := s.admit("c1", "u1", "10.0.0.1", "t1")
	s.Require().NoError(err)
	s.True(adm.Degraded())
	s.Empty(adm.Keys())

	s.f.mr.SetError("")
	adm.Release(s.ctx)
	s.Equal(int64(0), s.f.count(s.T(), s.f.keys.UserConnections("u1")))
}

func (s *ConnectionGuardTestSuite) TestRefreshExtendsTTL() {
	adm, err := s.admit("c1", "u1", "10.0.0.1", "t1")
	s.Require().NoError(err)

	s.f.mr.FastForward(50 * time.Second)
	adm.Refresh(s.ctx)
	s.Equal(time.Minute, s.f.mr.TTL(s.f.keys.UserConnections("u1")))
}

func (s *ConnectionGuardTestSuite) TestConcurrentAdmissionsNeverExceedLimit() {
	p := testPolicy()
	p.Limits.MaxConnectionsPerUser = 3
	p.Limits.MaxConnectionsPerIP = 0
	p.Limits.RoomCapacity = 0
	s.f.policy.Update(p)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []*Admission
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			adm, err := s.admit(fmt.Sprintf("c%d", i), "u1", "10.0.0.1", "t1")
			if err == nil {
				mu.Lock()
				admitted = append(admitted, adm)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	s.NotEmpty(admitted)
	s.LessOrEqual(len(admitted), 3)
	s.Equal(int64(len(admitted)), s.f.count(s.T(), s.f.keys.UserConnections("u1")))
	s.Equal(int64(len(admitted)), s.f.count(s.T(), s.f.keys.IPConnections("10.0.0.1")))

	for _, adm := range admitted {
		adm.Release(s.ctx)
	}
	s.Equal(int64(0), s.f.count(s.T(), s.f.keys.UserConnections("u1")))
	s.Equal(int64(0), s.f.count(s.T(), s.f.keys.IPConnections("10.0.0.1")))
}

func (s *ConnectionGuardTestSuite) TestCountersNeverExceedLimitWhileAdmitting() {
	p := testPolicy()
	p.Limits.MaxConnectionsPerUser = 2
	p.Limits.RoomCapacity = 0
	s.f.policy.Update(p)

	done := make(chan struct{})
	var peak atomic.Int64
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if n, err := s.f.store.Get(s.ctx, s.f.keys.UserConnections("u1")); err == nil && n > peak.Load() {
				peak.Store(n)
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.admit(fmt.Sprintf("c%d", i), "u1", "10.0.0.1", "t1")
		}(i)
	}
	wg.Wait()
	close(done)

	s.LessOrEqual(peak.Load(), int64(2))
	s.Equal(int64(2), s.f.count(s.T(), s.f.keys.UserConnections("u1")))
}

// TestConservationUnderMixedChurn races admissions, rejections and duplicate
// releases, then checks every counter equals the admissions still open.
func (s *ConnectionGuardTestSuite) TestConservationUnderMixedChurn() {
	p := testPolicy()
	p.Limits.MaxConnectionsPerUser = 3
	p.Limits.MaxConnectionsPerIP = 0
	p.Limits.RoomCapacity = 4
	s.f.policy.Update(p)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		open = make(map[string]*Admission)
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%2)
			adm, err := s.admit(fmt.Sprintf("c%d", i), user, "10.0.0.1", "t1")
			if err != nil {
				return
			}
			if i%3 != 0 {
				mu.Lock()
				open[adm.Record.ID] = adm
				mu.Unlock()
				return
			}
			var rg sync.WaitGroup
			for j := 0; j < 3; j++ {
				rg.Add(1)
				go func() {
					defer rg.Done()
					adm.Release(s.ctx)
				}()
			}
			rg.Wait()
		}(i)
	}
	wg.Wait()

	perUser := map[string]int64{}
	for _, adm := range open {
		perUser[adm.Record.UserID]++
	}
	s.LessOrEqual(int64(len(open)), int64(4))
	for _, user := range []string{"u0", "u1"} {
		s.Equal(perUser[user], s.f.count(s.T(), s.f.keys.UserConnections(user)), user)
	}
	s.Equal(int64(len(open)), s.f.count(s.T(), s.f.keys.IPConnections("10.0.0.1")))
	size, err := s.f.store.RoomSize(s.ctx, s.f.keys.Room("t1"))
	s.Require().NoError(err)
	s.Equal(int64(len(open)), size)

	for _, adm := range open {
		adm.Release(s.ctx)
		adm.Release(s.ctx)
	}
	s.Equal(int64(0), s.f.count(s.T(), s.f.keys.IPConnections("10.0.0.1")))
	s.False(s.f.mr.Exists(s.f.keys.Room("t1")))
}

// ================================================================================
// Partial failures
// ================================================================================

func TestAdmitFailOpenReleasesOnlyWhatItHeld(t *testing.T) {
	store := new(mocks.MockCounterStore)
	keys := domainservice.NewKeyBuilder(constants.DefaultKeyPrefix)
	storeErr := errors.ErrStoreUnavailable("increment", stderrors.New("timeout"))

	store.On("IncrementIfBelow", mock.Anything, keys.UserConnections("u1"), int64(2)).Return(int64(1), true, nil)
	store.On("IncrementIfBelow", mock.Anything, keys.IPConnections("10.0.0.1"), int64(10)).Return(int64(0), false, storeErr)
	store.On("Decrement", mock.Anything, keys.UserConnections("u1")).Return(int64(0), nil).Once()

	guard := NewConnectionGuard(GuardDeps{
		Store:  store,
		Keys:   keys,
		Policy: config.NewPolicyHolder(testPolicy()),
	})

	adm, err := guard.Admit(context.Background(), AdmitRequest{
		ConnectionID: "c1",
		Identity:     participant("u1"),
		RemoteIP:     "10.0.0.1",
		RoomID:       "t1",
	})
	require.NoError(t, err)
	assert.True(t, adm.Degraded())
	assert.Equal(t, []string{keys.UserConnections("u1")}, adm.Keys())

	adm.Release(context.Background())
	adm.Release(context.Background())

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Decrement", mock.Anything, keys.IPConnections("10.0.0.1"))
	store.AssertNotCalled(t, "LeaveRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdmitFailClosedCompensatesAndAudits(t *testing.T) {
	store := new(mocks.MockCounterStore)
	audit := new(mocks.MockAuditSink)
	keys := domainservice.NewKeyBuilder(constants.DefaultKeyPrefix)
	p := testPolicy()
	p.FailPolicy = constants.FailClosed

	store.On("IncrementIfBelow", mock.Anything, keys.UserConnections("u1"), int64(2)).Return(int64(1), true, nil)
	store.On("IncrementIfBelow", mock.Anything, keys.IPConnections("10.0.0.1"), int64(10)).Return(int64(1), true, nil)
	store.On("TryJoinRoom", mock.Anything, keys.Room("t1"), "c1", int64(2)).
		Return(false, int64(0), errors.ErrStoreUnavailable("try_join_room", stderrors.New("timeout")))
	store.On("Decrement", mock.Anything, keys.IPConnections("10.0.0.1")).Return(int64(0), nil).Once()
	store.On("Decrement", mock.Anything, keys.UserConnections("u1")).Return(int64(0), nil).Once()
	audit.On("Record", mock.Anything, mock.MatchedBy(func(e *models.AuditEvent) bool {
		return e.EventType == models.AuditEventStoreDegraded && e.Reason == constants.ReasonStoreUnavailable
	})).Return(nil).Once()

	guard := NewConnectionGuard(GuardDeps{
		Store:  store,
		Keys:   keys,
		Policy: config.NewPolicyHolder(p),
		Audit:  audit,
	})

	_, err := guard.Admit(context.Background(), AdmitRequest{
		ConnectionID: "c1",
		Identity:     participant("u1"),
		RemoteIP:     "10.0.0.1",
		RoomID:       "t1",
	})
	require.Error(t, err)
	assert.Equal(t, constants.CloseTryAgainLater, errors.CloseCodeOf(err))

	store.AssertExpectations(t)
	audit.AssertExpectations(t)
	store.AssertNotCalled(t, "LeaveRoom", mock.Anything, mock.Anything, mock.Anything)
}
