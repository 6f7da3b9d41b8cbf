package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/arena-realtime/internal/config"
	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/internal/domain/service"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

const sinkWriteTimeout = 5 * time.Second

// Dispatcher hands audit events to a sink on a background goroutine so the
// connection path never waits on Kafka or the database. Events are dropped
// when the buffer is full.
type Dispatcher struct {
	sink    service.AuditSink
	events  chan *models.AuditEvent
	logger  logger.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher in front of sink.
//
// Parameters:
//   - sink: Destination of dispatched events
//   - bufferSize: Events queued before new ones are dropped
//   - log: Logger instance
//
// Returns:
//   - *Dispatcher: Running dispatcher; Close drains it
func NewDispatcher(sink service.AuditSink, bufferSize int, log logger.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	d := &Dispatcher{
		sink:   sink,
		events: make(chan *models.AuditEvent, bufferSize),
		logger: log.WithComponent("audit_dispatcher"),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Record enqueues event. It never blocks.
func (d *Dispatcher) Record(ctx context.Context, event *models.AuditEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("audit dispatcher is closed")
	}

	select {
	case d.events <- event:
		return nil
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			d.logger.Warn(ctx, "Audit buffer full, dropping events", logger.Int64("dropped_total", n))
		}
		return nil
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events, drains the buffer and closes the sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()

	<-d.done
	return d.sink.Close()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		if err := d.sink.Record(ctx, event); err != nil {
			d.logger.Warn(ctx, "Failed to deliver audit event",
				logger.String("event_id", event.EventID),
				logger.String("event_type", string(event.EventType)),
				logger.Error(err),
			)
		}
		cancel()
	}
}

// NewSink builds the configured sink wrapped in a Dispatcher. It returns nil
// when auditing is disabled.
func NewSink(cfg config.AuditConfig, log logger.Logger) (service.AuditSink, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var sink service.AuditSink
	switch cfg.Sink {
	case "kafka":
		sink = NewKafkaSink(cfg.Kafka, cfg.SigningKey, log)
	case "database":
		db, err := OpenDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		s, err := NewGormSink(db, cfg.SigningKey)
		if err != nil {
			return nil, err
		}
		sink = s
	case "log", "":
		sink = NewLogSink(log)
	default:
		return nil, fmt.Errorf("unsupported audit sink '%s'", cfg.Sink)
	}

	log.Info(context.Background(), "Audit sink initialized", logger.String("sink", cfg.Sink))
	return NewDispatcher(sink, cfg.BufferSize, log), nil
}
