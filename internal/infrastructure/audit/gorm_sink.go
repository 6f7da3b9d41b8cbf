package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/turtacn/arena-realtime/internal/config"
	"github.com/turtacn/arena-realtime/internal/domain/models"
)

// AuditRecord is the row layout of the realtime_audit_events table.
type AuditRecord struct {
	EventID      string    `gorm:"primaryKey;size:36"`
	EventType    string    `gorm:"size:64;index"`
	Reason       string    `gorm:"size:64;index"`
	CloseCode    int
	ConnectionID string    `gorm:"size:64"`
	UserID       string    `gorm:"size:128;index"`
	RemoteIP     string    `gorm:"size:64;index"`
	RoomID       string    `gorm:"size:128"`
	Details      string    `gorm:"type:text"`
	Signature    string    `gorm:"size:64"`
	Timestamp    time.Time `gorm:"index"`
}

// TableName sets the table name for GORM.
func (AuditRecord) TableName() string {
	return "realtime_audit_events"
}

// GormSink stores audit events in PostgreSQL or SQLite.
type GormSink struct {
	db         *gorm.DB
	signingKey string
}

// OpenDatabase opens the audit database for the configured driver.
func OpenDatabase(cfg config.AuditDatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres", "":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported audit database driver '%s'", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return db, nil
}

// NewGormSink creates a GormSink and migrates its table.
//
// Parameters:
//   - db: Open database handle
//   - signingKey: HMAC key for row signatures, empty to skip signing
//
// Returns:
//   - *GormSink: Sink writing one row per event
//   - error: Migration error if any
func NewGormSink(db *gorm.DB, signingKey string) (*GormSink, error) {
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit table: %w", err)
	}
	return &GormSink{db: db, signingKey: signingKey}, nil
}

// Record inserts one event.
func (s *GormSink) Record(ctx context.Context, event *models.AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	row := AuditRecord{
		EventID:      event.EventID,
		EventType:    string(event.EventType),
		Reason:       string(event.Reason),
		CloseCode:    event.CloseCode,
		ConnectionID: event.ConnectionID,
		UserID:       event.UserID,
		RemoteIP:     event.RemoteIP,
		RoomID:       event.RoomID,
		Details:      string(details),
		Timestamp:    event.Timestamp,
	}
	if s.signingKey != "" {
		encoded, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		row.Signature = Sign(encoded, s.signingKey)
	}

	return s.db.WithContext(ctx).Create(&row).Error
}

// Close releases the underlying connection pool.
func (s *GormSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
