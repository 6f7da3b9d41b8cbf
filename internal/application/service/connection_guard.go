// Package service holds the per-connection middleware of the realtime gateway:
// admission, message throttling and heartbeat supervision.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

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

// PolicySource publishes the current enforcement policy.
type PolicySource interface {
	Current() *models.Policy
}

// AdmitRequest describes a handshake that passed origin and auth checks.
type AdmitRequest struct {
	ConnectionID string
	Identity     *models.Identity
	RemoteIP     string
	RoomID       string
}

// ConnectionGuard admits or rejects connections against the shared counters.
type ConnectionGuard struct {
	store          service.CounterStore
	keys           service.KeyBuilder
	policy         PolicySource
	audit          service.AuditSink
	metrics        service.Metrics
	logger         logger.Logger
	tracer         trace.Tracer
	now            func() time.Time
	releaseTimeout time.Duration
}

// GuardDeps bundles the collaborators shared by the guards.
type GuardDeps struct {
	Store   service.CounterStore
	Keys    service.KeyBuilder
	Policy  PolicySource
	Audit   service.AuditSink
	Metrics service.Metrics
	Logger  logger.Logger
	Tracer  trace.Tracer
}

func (d *GuardDeps) setDefaults() {
	if d.Keys.Prefix == "" {
		d.Keys = service.NewKeyBuilder("")
	}
	if d.Metrics == nil {
		d.Metrics = service.NewNoopMetrics()
	}
	if d.Logger == nil {
		d.Logger = logger.NewNoopLogger()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("arena-realtime/guard")
	}
}

// NewConnectionGuard creates a ConnectionGuard.
func NewConnectionGuard(deps GuardDeps) *ConnectionGuard {
	deps.setDefaults()
	return &ConnectionGuard{
		store:          deps.Store,
		keys:           deps.Keys,
		policy:         deps.Policy,
		audit:          deps.Audit,
		metrics:        deps.Metrics,
		logger:         deps.Logger.WithComponent("connection_guard"),
		tracer:         deps.Tracer,
		now:            time.Now,
		releaseTimeout: constants.DefaultReleaseTimeout,
	}
}

// Admit runs the admission state machine. On success the returned Admission
// holds every counter it incremented and must be released exactly once; on
// rejection nothing is held and the error carries the close code.
func (g *ConnectionGuard) Admit(ctx context.Context, req AdmitRequest) (*Admission, error) {
	ctx, span := g.tracer.Start(ctx, "connection_guard.admit", trace.WithAttributes(
		attribute.String("realtime.connection_id", req.ConnectionID),
		attribute.String("realtime.room_id", req.RoomID),
	))
	defer span.End()

	policy := g.policy.Current()
	limits := policy.Limits
	rec := models.NewConnectionRecord(req.ConnectionID, req.Identity, req.RemoteIP, req.RoomID, g.now())
	adm := &Admission{guard: g, Record: rec}

	if !policy.EnforceConnections {
		return g.accept(ctx, adm), nil
	}

	var counts service.ConnectionCounts

	if rec.Authenticated() {
		n, ok, err := g.store.IncrementIfBelow(ctx, g.keys.UserConnections(rec.UserID), limits.MaxConnectionsPerUser)
		if err != nil {
			return g.storeFailure(ctx, span, adm, policy, err)
		}
		adm.heldUser = ok
		counts.User = attempted(n, ok)
		if d := service.EvaluateConnection(counts, limits); !d.Allowed {
			return nil, g.reject(ctx, span, adm, d)
		}
	}

	n, ok, err := g.store.IncrementIfBelow(ctx, g.keys.IPConnections(rec.RemoteIP), limits.MaxConnectionsPerIP)
	if err != nil {
		return g.storeFailure(ctx, span, adm, policy, err)
	}
	adm.heldIP = ok
	counts.IP = attempted(n, ok)
	if d := service.EvaluateConnection(counts, limits); !d.Allowed {
		return nil, g.reject(ctx, span, adm, d)
	}

	joined, size, err := g.store.TryJoinRoom(ctx, g.keys.Room(rec.RoomID), rec.ID, limits.RoomCapacity)
	if err != nil {
		return g.storeFailure(ctx, span, adm, policy, err)
	}
	counts.RoomRequested, counts.RoomJoined, counts.RoomSize = true, joined, size
	if joined {
		adm.heldRoom = true
	}

	if d := service.EvaluateConnection(counts, limits); !d.Allowed {
		return nil, g.reject(ctx, span, adm, d)
	}

	return g.accept(ctx, adm), nil
}

// attempted returns the count including this connection. A refused
// increment reports one past the stored count.
func attempted(n int64, incremented bool) int64 {
	if incremented {
		return n
	}
	return n + 1
}

func (g *ConnectionGuard) accept(ctx context.Context, adm *Admission) *Admission {
	g.metrics.RecordAdmission(true, constants.ReasonNone)
	g.metrics.ConnectionOpened()
	g.logger.Debug(ctx, "Connection admitted",
		logger.String("connection_id", adm.Record.ID),
		logger.String("user_id", adm.Record.UserID),
		logger.String("room_id", adm.Record.RoomID),
		logger.Bool("degraded", adm.degraded),
	)
	return adm
}

// reject compensates held counters and reports the deny decision.
func (g *ConnectionGuard) reject(ctx context.Context, span trace.Span, adm *Admission, d models.Decision) error {
	adm.releaseHeld(ctx)

	span.SetAttributes(attribute.String("realtime.reject_reason", string(d.Reason)))
	g.metrics.RecordAdmission(false, d.Reason)
	g.logger.Warn(ctx, "Connection rejected",
		logger.String("reason", string(d.Reason)),
		logger.String("user_id", adm.Record.UserID),
		logger.String("remote_ip", adm.Record.RemoteIP),
		logger.String("room_id", adm.Record.RoomID),
		logger.Any("details", d.Details),
	)
	g.emit(ctx, models.NewAuditEvent(models.AuditEventConnectionRejected, d.Reason).
		WithConnection(adm.Record).
		WithCloseCode(d.CloseCode()).
		WithDetails(d.Details))

	rtErr := errors.ErrPolicyViolation(d.Reason, models.ReasonMessage(d.Reason))
	for k, v := range d.Details {
		rtErr.WithMetadata(k, v)
	}
	return rtErr
}

// storeFailure applies the fail policy to a store error during admission.
func (g *ConnectionGuard) storeFailure(ctx context.Context, span trace.Span, adm *Admission, policy *models.Policy, err error) (*Admission, error) {
	span.RecordError(err)

	if policy.FailOpen() {
		adm.degraded = true
		g.metrics.RecordFailOpen("admission")
		g.logger.Warn(ctx, "Counter store unavailable, admitting without full enforcement",
			logger.String("connection_id", adm.Record.ID),
			logger.Error(err),
		)
		return g.accept(ctx, adm), nil
	}

	adm.releaseHeld(ctx)
	span.SetStatus(codes.Error, "store unavailable")
	g.metrics.RecordAdmission(false, constants.ReasonStoreUnavailable)
	g.logger.Error(ctx, "Counter store unavailable, rejecting connection", err,
		logger.String("connection_id", adm.Record.ID),
	)
	g.emit(ctx, models.NewAuditEvent(models.AuditEventStoreDegraded, constants.ReasonStoreUnavailable).
		WithConnection(adm.Record).
		WithCloseCode(constants.CloseTryAgainLater))

	if errors.IsStoreUnavailable(err) {
		return nil, err
	}
	return nil, errors.ErrStoreUnavailable("admit", err)
}

func (g *ConnectionGuard) emit(ctx context.Context, event *models.AuditEvent) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Record(ctx, event); err != nil {
		g.logger.Warn(ctx, "Failed to record audit event", logger.Error(err))
	}
}

// ================================================================================
// Admission
// ================================================================================

// Admission is an accepted connection's claim on the shared counters.
type Admission struct {
	guard  *ConnectionGuard
	Record *models.ConnectionRecord

	heldUser bool
	heldIP   bool
	heldRoom bool
	degraded bool

	once    sync.Once
	closing atomic.Bool
}

// Degraded reports whether the connection was admitted under fail-open
// without every counter being taken.
func (a *Admission) Degraded() bool {
	return a.degraded
}

// Closing reports whether Release has started.
func (a *Admission) Closing() bool {
	return a.closing.Load()
}

// Keys returns the store keys this admission holds.
func (a *Admission) Keys() []string {
	keys := make([]string, 0, 3)
	k := a.guard.keys
	if a.heldUser {
		keys = append(keys, k.UserConnections(a.Record.UserID))
	}
	if a.heldIP {
		keys = append(keys, k.IPConnections(a.Record.RemoteIP))
	}
	if a.heldRoom {
		keys = append(keys, k.Room(a.Record.RoomID))
	}
	return keys
}

// Refresh extends the TTL of every held key. Called on heartbeat pongs so a
// live connection never loses its counts.
func (a *Admission) Refresh(ctx context.Context) {
	if a.closing.Load() {
		return
	}
	keys := a.Keys()
	if len(keys) == 0 {
		return
	}
	if err := a.guard.store.Touch(ctx, keys...); err != nil {
		a.guard.logger.Debug(ctx, "Failed to refresh counter TTLs",
			logger.String("connection_id", a.Record.ID),
			logger.Error(err),
		)
	}
}

// Release returns every held counter and leaves the room. It runs at most
// once no matter how many disconnect paths call it, and it still runs when
// ctx is already cancelled.
func (a *Admission) Release(ctx context.Context) {
	a.closing.Store(true)
	a.once.Do(func() {
		a.releaseHeld(ctx)
		a.guard.metrics.ConnectionClosed()
		a.guard.logger.Debug(ctx, "Connection released",
			logger.String("connection_id", a.Record.ID),
			logger.Duration("lifetime", a.guard.now().Sub(a.Record.ConnectedAt)),
		)
	})
}

// releaseHeld undoes every increment this admission made. The held flags are
// only written before Admit returns, so concurrent readers need no lock.
func (a *Admission) releaseHeld(ctx context.Context) {
	g := a.guard
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.releaseTimeout)
	defer cancel()

	if a.heldRoom {
		if _, err := g.store.LeaveRoom(ctx, g.keys.Room(a.Record.RoomID), a.Record.ID); err != nil {
			g.logger.Error(ctx, "Failed to leave room; membership expires with its TTL", err,
				logger.String("connection_id", a.Record.ID))
		}
	}
	if a.heldIP {
		if _, err := g.store.Decrement(ctx, g.keys.IPConnections(a.Record.RemoteIP)); err != nil {
			g.logger.Error(ctx, "Failed to decrement IP counter; it expires with its TTL", err,
				logger.String("connection_id", a.Record.ID))
		}
	}
	if a.heldUser {
		if _, err := g.store.Decrement(ctx, g.keys.UserConnections(a.Record.UserID)); err != nil {
			g.logger.Error(ctx, "Failed to decrement user counter; it expires with its TTL", err,
				logger.String("connection_id", a.Record.ID))
		}
	}
}
