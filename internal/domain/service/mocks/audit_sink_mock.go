package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/arena-realtime/internal/domain/models"
)

// MockAuditSink is a mock implementation of service.AuditSink
type MockAuditSink struct {
	mock.Mock
}

func (m *MockAuditSink) Record(ctx context.Context, event *models.AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockAuditSink) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockAuthenticator is a mock implementation of service.Authenticator
type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, token string) (*models.Identity, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Identity), args.Error(1)
}
