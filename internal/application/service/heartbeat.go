package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/internal/domain/service"
	"github.com/turtacn/arena-realtime/pkg/constants"
	"github.com/turtacn/arena-realtime/pkg/errors"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// HeartbeatState is the liveness state of one connection.
type HeartbeatState int32

const (
	HeartbeatConnected HeartbeatState = iota
	HeartbeatAwaitingPong
	HeartbeatTimedOut
)

func (s HeartbeatState) String() string {
	switch s {
	case HeartbeatConnected:
		return "connected"
	case HeartbeatAwaitingPong:
		return "awaiting_pong"
	case HeartbeatTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Pinger sends one application ping to the client.
type Pinger interface {
	Ping() error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func() error

func (f PingerFunc) Ping() error { return f() }

// HeartbeatConfig configures a HeartbeatSupervisor.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration

	// OnTimeout runs exactly once when the client stops answering.
	OnTimeout func()
	// OnPong runs after every accepted pong.
	OnPong func()

	Metrics service.Metrics
	Logger  logger.Logger
	Now     func() time.Time
}

// HeartbeatSupervisor pings a connection and declares it dead when no pong
// arrives within the timeout.
type HeartbeatSupervisor struct {
	rec       *models.ConnectionRecord
	pinger    Pinger
	interval  time.Duration
	timeout   time.Duration
	onTimeout func()
	onPong    func()
	metrics   service.Metrics
	logger    logger.Logger
	now       func() time.Time

	state atomic.Int32
}

// NewHeartbeatSupervisor creates a supervisor for rec.
func NewHeartbeatSupervisor(rec *models.ConnectionRecord, pinger Pinger, cfg HeartbeatConfig) *HeartbeatSupervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultHeartbeatInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultHeartbeatTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = service.NewNoopMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &HeartbeatSupervisor{
		rec:       rec,
		pinger:    pinger,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		onTimeout: cfg.OnTimeout,
		onPong:    cfg.OnPong,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.WithComponent("heartbeat"),
		now:       cfg.Now,
	}
}

// State returns the current heartbeat state.
func (h *HeartbeatSupervisor) State() HeartbeatState {
	return HeartbeatState(h.state.Load())
}

// Run drives the heartbeat until ctx is cancelled, the client times out or a
// ping cannot be written. Cancellation returns nil.
func (h *HeartbeatSupervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	deadline := time.NewTimer(h.untilDeadline())
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if h.State() == HeartbeatTimedOut {
				return errHeartbeatTimeout()
			}
			if err := h.pinger.Ping(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("heartbeat ping: %w", err)
			}
			h.state.CompareAndSwap(int32(HeartbeatConnected), int32(HeartbeatAwaitingPong))

		case <-deadline.C:
			if wait := h.untilDeadline(); wait > 0 {
				deadline.Reset(wait)
				continue
			}
			if !h.expire(ctx) {
				deadline.Reset(max(h.untilDeadline(), time.Millisecond))
				continue
			}
			return errHeartbeatTimeout()
		}
	}
}

// Pong records a pong from the client. Pongs after a timeout are ignored.
func (h *HeartbeatSupervisor) Pong() {
	if h.State() == HeartbeatTimedOut {
		return
	}
	h.rec.MarkPong(h.now())
	for {
		s := h.state.Load()
		if HeartbeatState(s) == HeartbeatTimedOut {
			return
		}
		if h.state.CompareAndSwap(s, int32(HeartbeatConnected)) {
			break
		}
	}
	if h.onPong != nil {
		h.onPong()
	}
}

func (h *HeartbeatSupervisor) untilDeadline() time.Duration {
	return h.rec.LastPongAt().Add(h.timeout).Sub(h.now())
}

// expire moves the supervisor to its terminal state unless a pong landed in
// the meantime. Only the caller that wins the transition runs the callback.
func (h *HeartbeatSupervisor) expire(ctx context.Context) bool {
	for {
		s := h.state.Load()
		if HeartbeatState(s) == HeartbeatTimedOut || h.untilDeadline() > 0 {
			return false
		}
		if h.state.CompareAndSwap(s, int32(HeartbeatTimedOut)) {
			break
		}
	}

	h.metrics.RecordHeartbeatTimeout()
	h.logger.Info(ctx, "Heartbeat timed out",
		logger.String("connection_id", h.rec.ID),
		logger.Time("last_pong_at", h.rec.LastPongAt()),
		logger.Duration("timeout", h.timeout),
	)
	if h.onTimeout != nil {
		h.onTimeout()
	}
	return true
}

func errHeartbeatTimeout() error {
	return errors.ErrPolicyViolation(constants.ReasonHeartbeatTimeout, "no pong received within the heartbeat timeout")
}

// IsHeartbeatTimeout reports whether err ended a session for missing pongs.
func IsHeartbeatTimeout(err error) bool {
	return errors.ReasonOf(err) == constants.ReasonHeartbeatTimeout
}
