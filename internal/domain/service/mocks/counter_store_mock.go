package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/arena-realtime/internal/domain/models"
)

// MockCounterStore is a mock implementation of service.CounterStore
type MockCounterStore struct {
	mock.Mock
}

func (m *MockCounterStore) Increment(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCounterStore) IncrementIfBelow(ctx context.Context, key string, limit int64) (int64, bool, error) {
	args := m.Called(ctx, key, limit)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MockCounterStore) Decrement(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCounterStore) Get(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCounterStore) TryJoinRoom(ctx context.Context, roomKey, member string, capacity int64) (bool, int64, error) {
	args := m.Called(ctx, roomKey, member, capacity)
	return args.Bool(0), args.Get(1).(int64), args.Error(2)
}

func (m *MockCounterStore) LeaveRoom(ctx context.Context, roomKey, member string) (int64, error) {
	args := m.Called(ctx, roomKey, member)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCounterStore) RoomSize(ctx context.Context, roomKey string) (int64, error) {
	args := m.Called(ctx, roomKey)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCounterStore) RoomMembers(ctx context.Context, roomKey string) ([]string, error) {
	args := m.Called(ctx, roomKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockCounterStore) CheckAndConsume(ctx context.Context, bucketKey string, cost int64, rate float64, burst int64) (models.BucketResult, error) {
	args := m.Called(ctx, bucketKey, cost, rate, burst)
	return args.Get(0).(models.BucketResult), args.Error(1)
}

func (m *MockCounterStore) Touch(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

func (m *MockCounterStore) Reset(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

func (m *MockCounterStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
