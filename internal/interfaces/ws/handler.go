// Package ws serves the tournament WebSocket endpoint.
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appservice "github.com/turtacn/arena-realtime/internal/application/service"
	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/internal/domain/service"
	"github.com/turtacn/arena-realtime/pkg/constants"
	"github.com/turtacn/arena-realtime/pkg/errors"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// HandlerConfig holds the static handshake settings.
type HandlerConfig struct {
	AllowedOrigins []string
	AllowAnonymous bool
	WriteWait      time.Duration
	SendBuffer     int
}

// HandlerDeps are the collaborators of the handshake.
type HandlerDeps struct {
	ConnectionGuard *appservice.ConnectionGuard
	MessageGuard    *appservice.MessageGuard
	Authenticator   service.Authenticator
	Router          service.MessageRouter
	Policy          appservice.PolicySource
	Audit           service.AuditSink
	Metrics         service.Metrics
	Logger          logger.Logger
}

// Handler upgrades tournament connections and runs their sessions.
type Handler struct {
	cfg      HandlerConfig
	deps     HandlerDeps
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	logger   logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig, deps HandlerDeps) *Handler {
	if deps.Metrics == nil {
		deps.Metrics = service.NewNoopMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNoopLogger()
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = constants.DefaultWriteWait
	}
	return &Handler{
		cfg:     cfg,
		deps:    deps,
		origins: NewOriginPolicy(cfg.AllowedOrigins),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are checked after the upgrade so the client gets 4003.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: deps.Logger.WithComponent("ws_handler"),
	}
}

// Handle serves GET /ws/tournament/:tournament_id.
func (h *Handler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug(c.Request.Context(), "WebSocket upgrade failed", logger.Error(err))
		return
	}

	connID := uuid.NewString()
	ctx := logger.WithConnectionID(context.WithoutCancel(c.Request.Context()), connID)
	remoteIP := c.ClientIP()
	roomID := strings.TrimSpace(c.Param("tournament_id"))

	if roomID == "" {
		h.refuse(ctx, conn, remoteIP, roomID, errors.ErrMissingIdentifier("tournament_id"))
		return
	}
	if origin := c.GetHeader("Origin"); !h.origins.Allowed(origin) {
		h.refuse(ctx, conn, remoteIP, roomID, errors.ErrOriginDenied(origin))
		return
	}

	identity, err := h.authenticate(ctx, c.Request)
	if err != nil {
		h.refuse(ctx, conn, remoteIP, roomID, err)
		return
	}

	capability := service.ResolveCapability(identity, h.cfg.AllowAnonymous)
	if !capability.CanJoin(roomID) {
		h.refuse(ctx, conn, remoteIP, roomID, errors.ErrCapabilityDenied(string(capability.Role()), "join"))
		return
	}

	adm, err := h.deps.ConnectionGuard.Admit(ctx, appservice.AdmitRequest{
		ConnectionID: connID,
		Identity:     identity,
		RemoteIP:     remoteIP,
		RoomID:       roomID,
	})
	if err != nil {
		// The guard has already recorded metrics and audit for its rejections.
		closeConn(conn, errors.CloseCodeOf(err), string(errors.ReasonOf(err)), h.cfg.WriteWait)
		return
	}

	policy := h.deps.Policy.Current()
	session := NewSession(conn, adm, capability, SessionConfig{
		Guard:   h.deps.MessageGuard,
		Router:  h.deps.Router,
		Audit:   h.deps.Audit,
		Metrics: h.deps.Metrics,
		Logger:  h.deps.Logger,
		Heartbeat: appservice.HeartbeatConfig{
			Interval: policy.HeartbeatInterval,
			Timeout:  policy.HeartbeatTimeout,
		},
		WriteWait:  h.cfg.WriteWait,
		SendBuffer: h.cfg.SendBuffer,
	})

	if err := session.Send(models.EstablishedFrame{
		Type:         constants.FrameTypeEstablished,
		ConnectionID: connID,
		Room:         roomID,
		Role:         adm.Record.Role,
	}); err != nil {
		h.logger.Warn(ctx, "Failed to queue welcome frame", logger.Error(err))
	}
	h.deps.Router.Join(adm.Record, session)

	h.logger.Info(ctx, "Connection established",
		logger.String("user_id", adm.Record.UserID),
		logger.String("remote_ip", remoteIP),
		logger.String("room_id", roomID),
		logger.String("role", string(adm.Record.Role)),
		logger.Bool("degraded", adm.Degraded()),
	)
	session.Run(ctx)
}

// authenticate resolves the caller's identity from ?token= or a bearer
// header. A missing token means anonymous when that is allowed.
func (h *Handler) authenticate(ctx context.Context, r *http.Request) (*models.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		if h.cfg.AllowAnonymous {
			return models.AnonymousIdentity(), nil
		}
		return nil, errors.ErrUnauthenticated("token required")
	}
	if h.deps.Authenticator == nil {
		return nil, errors.ErrUnauthenticated("token authentication is not configured")
	}

	identity, err := h.deps.Authenticator.Authenticate(ctx, token)
	if err != nil {
		if _, ok := errors.AsRealtimeError(err); ok {
			return nil, err
		}
		return nil, errors.ErrUnauthenticated("invalid token").WithCause(err)
	}
	if identity == nil {
		return nil, errors.ErrUnauthenticated("invalid token")
	}
	return identity, nil
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// refuse closes a handshake that failed before admission.
func (h *Handler) refuse(ctx context.Context, conn *websocket.Conn, remoteIP, roomID string, err error) {
	reason := errors.ReasonOf(err)
	code := errors.CloseCodeOf(err)

	h.deps.Metrics.RecordAdmission(false, reason)
	h.logger.Warn(ctx, "Handshake refused",
		logger.String("reason", string(reason)),
		logger.Int("close_code", code.Int()),
		logger.String("remote_ip", remoteIP),
		logger.String("room_id", roomID),
	)
	if h.deps.Audit != nil {
		event := models.NewAuditEvent(models.AuditEventConnectionRejected, reason).WithCloseCode(code)
		event.RemoteIP = remoteIP
		event.RoomID = roomID
		if rerr := h.deps.Audit.Record(ctx, event); rerr != nil {
			h.logger.Warn(ctx, "Failed to record audit event", logger.Error(rerr))
		}
	}
	closeConn(conn, code, string(reason), h.cfg.WriteWait)
}

func closeConn(conn *websocket.Conn, code constants.CloseCode, reason string, wait time.Duration) {
	msg := websocket.FormatCloseMessage(code.Int(), reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait))
	_ = conn.Close()
}
