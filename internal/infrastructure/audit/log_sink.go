package audit

import (
	"context"

	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// LogSink writes audit events to the structured log.
type LogSink struct {
	logger logger.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{logger: log.WithComponent("audit")}
}

// Record logs the event at info level.
func (s *LogSink) Record(ctx context.Context, event *models.AuditEvent) error {
	s.logger.Info(ctx, "Audit event",
		logger.String("event_id", event.EventID),
		logger.String("event_type", string(event.EventType)),
		logger.String("reason", string(event.Reason)),
		logger.Int("close_code", event.CloseCode),
		logger.String("connection_id", event.ConnectionID),
		logger.String("user_id", event.UserID),
		logger.String("remote_ip", event.RemoteIP),
		logger.String("room_id", event.RoomID),
		logger.Any("details", event.Details),
	)
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
