package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/internal/domain/service"
	"github.com/turtacn/arena-realtime/pkg/constants"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// LocalLimiter is a process-local bucket pool used when the store is down.
type LocalLimiter interface {
	CheckAndConsume(key string, cost int64, rate float64, burst int64) models.BucketResult
}

// Verdict is the Message Guard's answer for one inbound frame.
type Verdict struct {
	Allowed  bool
	Decision models.Decision

	// Frame is sent to the client when the message is rejected.
	Frame *models.ErrorFrame

	// Close asks the session to end the connection with CloseCode.
	Close     bool
	CloseCode constants.CloseCode
}

// MessageGuard throttles inbound messages per user and per IP.
type MessageGuard struct {
	store    service.CounterStore
	keys     service.KeyBuilder
	policy   PolicySource
	fallback LocalLimiter
	audit    service.AuditSink
	metrics  service.Metrics
	logger   logger.Logger
	tracer   trace.Tracer
}

// NewMessageGuard creates a MessageGuard. fallback may be nil.
func NewMessageGuard(deps GuardDeps, fallback LocalLimiter) *MessageGuard {
	deps.setDefaults()
	return &MessageGuard{
		store:    deps.Store,
		keys:     deps.Keys,
		policy:   deps.Policy,
		fallback: fallback,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		logger:   deps.Logger.WithComponent("message_guard"),
		tracer:   deps.Tracer,
	}
}

// Check evaluates one inbound payload of payloadSize bytes. It performs at
// most one store round trip per scope and stops at the first empty bucket.
func (g *MessageGuard) Check(ctx context.Context, rec *models.ConnectionRecord, payloadSize int) Verdict {
	policy := g.policy.Current()
	limits := policy.Limits

	if d := service.EvaluatePayload(payloadSize, limits); !d.Allowed {
		return g.deny(ctx, rec, d, limits)
	}
	if !policy.EnforceMessages || limits.MessageBurst <= 0 || limits.MessageRate <= 0 {
		g.metrics.RecordMessage(true, constants.ReasonNone)
		return Verdict{Allowed: true, Decision: models.Allow()}
	}

	ctx, span := g.tracer.Start(ctx, "message_guard.check", trace.WithAttributes(
		attribute.String("realtime.connection_id", rec.ID),
	))
	defer span.End()

	outcomes := make([]service.BucketOutcome, 0, 2)
	for _, scope := range g.scopes(rec) {
		res, err := g.store.CheckAndConsume(ctx, g.bucketKey(rec, scope), 1, limits.MessageRate, limits.MessageBurst)
		if err != nil {
			span.RecordError(err)
			return g.storeFailure(ctx, rec, payloadSize, policy, err)
		}
		outcomes = append(outcomes, service.BucketOutcome{Scope: scope, Result: res})
		if !res.Allowed {
			break
		}
	}

	return g.finish(ctx, rec, service.EvaluateMessage(payloadSize, limits, outcomes...), limits)
}

// CheckPayload applies only the payload size limit. Heartbeat frames pass
// through it and are never charged against a bucket.
func (g *MessageGuard) CheckPayload(ctx context.Context, rec *models.ConnectionRecord, payloadSize int) Verdict {
	limits := g.policy.Current().Limits
	if d := service.EvaluatePayload(payloadSize, limits); !d.Allowed {
		return g.deny(ctx, rec, d, limits)
	}
	return Verdict{Allowed: true, Decision: models.Allow()}
}

// ReadLimit returns the current hard cap on a single inbound frame, zero for
// none.
func (g *MessageGuard) ReadLimit() int64 {
	return g.policy.Current().Limits.HardReadLimit
}

func (g *MessageGuard) scopes(rec *models.ConnectionRecord) []constants.BucketScope {
	if rec.Authenticated() {
		return []constants.BucketScope{constants.BucketScopeUser, constants.BucketScopeIP}
	}
	return []constants.BucketScope{constants.BucketScopeIP}
}

func (g *MessageGuard) bucketKey(rec *models.ConnectionRecord, scope constants.BucketScope) string {
	if scope == constants.BucketScopeUser {
		return g.keys.Bucket(scope, rec.UserID)
	}
	return g.keys.Bucket(scope, rec.RemoteIP)
}

func (g *MessageGuard) finish(ctx context.Context, rec *models.ConnectionRecord, d models.Decision, limits models.Limits) Verdict {
	if !d.Allowed {
		return g.deny(ctx, rec, d, limits)
	}
	g.metrics.RecordMessage(true, constants.ReasonNone)
	return Verdict{Allowed: true, Decision: d}
}

// storeFailure applies the fail policy to a store error.
func (g *MessageGuard) storeFailure(ctx context.Context, rec *models.ConnectionRecord, payloadSize int, policy *models.Policy, err error) Verdict {
	limits := policy.Limits

	if !policy.FailOpen() {
		g.logger.Error(ctx, "Counter store unavailable, rejecting message", err,
			logger.String("connection_id", rec.ID))
		d := models.Deny(constants.ReasonStoreUnavailable, nil)
		g.metrics.RecordMessage(false, d.Reason)
		return Verdict{
			Decision:  d,
			Frame:     models.NewErrorFrame(d),
			Close:     true,
			CloseCode: constants.CloseTryAgainLater,
		}
	}

	g.metrics.RecordFailOpen("message")
	if !policy.LocalFallback || g.fallback == nil {
		g.logger.Warn(ctx, "Counter store unavailable, allowing message",
			logger.String("connection_id", rec.ID), logger.Error(err))
		g.metrics.RecordMessage(true, constants.ReasonNone)
		return Verdict{Allowed: true, Decision: models.Allow()}
	}

	outcomes := make([]service.BucketOutcome, 0, 2)
	for _, scope := range g.scopes(rec) {
		res := g.fallback.CheckAndConsume(g.bucketKey(rec, scope), 1, limits.MessageRate, limits.MessageBurst)
		outcomes = append(outcomes, service.BucketOutcome{Scope: scope, Result: res})
		if !res.Allowed {
			break
		}
	}
	return g.finish(ctx, rec, service.EvaluateMessage(payloadSize, limits, outcomes...), limits)
}

// deny builds the rejection verdict and escalates to a close once the
// connection has accumulated too many violations.
func (g *MessageGuard) deny(ctx context.Context, rec *models.ConnectionRecord, d models.Decision, limits models.Limits) Verdict {
	g.metrics.RecordMessage(false, d.Reason)
	violations := rec.RecordViolation()

	v := Verdict{Decision: d, Frame: models.NewErrorFrame(d)}
	if limits.CloseAfterViolations > 0 && violations >= int64(limits.CloseAfterViolations) {
		v.Close = true
		v.CloseCode = constants.CloseLimitExceeded
	}

	g.logger.Debug(ctx, "Message rejected",
		logger.String("connection_id", rec.ID),
		logger.String("reason", string(d.Reason)),
		logger.Int64("violations", violations),
		logger.Bool("close", v.Close),
	)

	event := models.NewAuditEvent(models.AuditEventMessageRejected, d.Reason).
		WithConnection(rec).
		WithDetails(d.Details)
	if v.Close {
		event.EventType = models.AuditEventConnectionClosed
		event.WithCloseCode(v.CloseCode)
	}
	if g.audit != nil {
		if err := g.audit.Record(ctx, event); err != nil {
			g.logger.Warn(ctx, "Failed to record audit event", logger.Error(err))
		}
	}
	return v
}
