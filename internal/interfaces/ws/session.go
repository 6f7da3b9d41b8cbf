package ws

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	appservice "github.com/turtacn/arena-realtime/internal/application/service"
	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/internal/domain/service"
	"github.com/turtacn/arena-realtime/pkg/constants"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

var (
	errSendBufferFull = stderrors.New("send buffer full")
	errSessionClosed  = stderrors.New("session closed")
	errFrameTooLarge  = stderrors.New("frame exceeds read limit")
)

type closeRequest struct {
	code   constants.CloseCode
	reason string
}

// Session runs one admitted connection: a reader, a writer and a heartbeat
// supervisor sharing one context. Frames from the client are handled in
// arrival order.
type Session struct {
	conn       *websocket.Conn
	admission  *appservice.Admission
	rec        *models.ConnectionRecord
	capability service.Capability
	guard      *appservice.MessageGuard
	router     service.MessageRouter
	audit      service.AuditSink
	metrics    service.Metrics
	logger     logger.Logger
	heartbeat  *appservice.HeartbeatSupervisor
	writeWait  time.Duration

	send      chan []byte
	closeReq  chan closeRequest
	closeOnce sync.Once
	closed    atomic.Bool
	cleanOnce sync.Once
}

// SessionConfig carries the collaborators of a Session.
type SessionConfig struct {
	Guard      *appservice.MessageGuard
	Router     service.MessageRouter
	Audit      service.AuditSink
	Metrics    service.Metrics
	Logger     logger.Logger
	Heartbeat  appservice.HeartbeatConfig
	WriteWait  time.Duration
	SendBuffer int
}

// NewSession wraps an upgraded connection and its admission.
func NewSession(conn *websocket.Conn, adm *appservice.Admission, capability service.Capability, cfg SessionConfig) *Session {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = constants.DefaultWriteWait
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = constants.DefaultSendBuffer
	}

	s := &Session{
		conn:       conn,
		admission:  adm,
		rec:        adm.Record,
		capability: capability,
		guard:      cfg.Guard,
		router:     cfg.Router,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.WithComponent("session"),
		writeWait:  cfg.WriteWait,
		send:       make(chan []byte, cfg.SendBuffer),
		closeReq:   make(chan closeRequest, 1),
	}

	hb := cfg.Heartbeat
	hb.Metrics = cfg.Metrics
	hb.Logger = cfg.Logger
	hb.OnTimeout = s.onHeartbeatTimeout
	hb.OnPong = func() { adm.Refresh(context.Background()) }
	s.heartbeat = appservice.NewHeartbeatSupervisor(s.rec, appservice.PingerFunc(s.ping), hb)
	return s
}

// Send encodes v and queues it for the writer. It never blocks.
func (s *Session) Send(v any) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// CloseWith asks the writer to flush queued frames and close with code.
// Only the first request wins.
func (s *Session) CloseWith(code constants.CloseCode, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeReq <- closeRequest{code: code, reason: reason}
	})
}

// Run serves the connection until it closes and then releases everything the
// connection held. It returns only after cleanup finished.
func (s *Session) Run(ctx context.Context) {
	ctx = logger.WithConnectionID(ctx, s.rec.ID)
	defer s.cleanup(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error {
		err := s.heartbeat.Run(gctx)
		if appservice.IsHeartbeatTimeout(err) {
			// The close frame is already queued; the writer ends the session.
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = s.conn.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug(ctx, "Session ended", logger.Error(err))
	}
}

func (s *Session) readLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "Panic while handling frame", fmt.Errorf("%v", r),
				logger.String("user_id", s.rec.UserID),
				logger.String("room_id", s.rec.RoomID))
			s.CloseWith(constants.CloseInternalError, string(constants.ReasonInternalError))
			err = nil
		}
	}()

	s.conn.SetPongHandler(func(string) error {
		s.heartbeat.Pong()
		return nil
	})

	for {
		mt, data, err := s.readFrame()
		if err != nil {
			if stderrors.Is(err, errFrameTooLarge) {
				s.rejectAndClose(ctx, constants.ReasonPayloadTooLarge, constants.CloseLimitExceeded)
				return nil
			}
			return err
		}
		if s.closed.Load() {
			return nil
		}
		if mt != websocket.TextMessage {
			s.rejectAndClose(ctx, constants.ReasonInvalidMessage, constants.CloseProtocolViolation)
			return nil
		}
		if !s.handleFrame(ctx, data) {
			return nil
		}
	}
}

// readFrame reads the next message, refusing to buffer more than the current
// hard read limit. The limit is read per frame so reloads apply to live
// connections.
func (s *Session) readFrame() (int, []byte, error) {
	mt, r, err := s.conn.NextReader()
	if err != nil {
		return 0, nil, err
	}
	limit := s.guard.ReadLimit()
	if limit <= 0 {
		data, err := io.ReadAll(r)
		return mt, data, err
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return 0, nil, err
	}
	if int64(len(data)) > limit {
		return mt, nil, errFrameTooLarge
	}
	return mt, data, nil
}

// handleFrame processes one text frame and reports whether reading should
// continue.
func (s *Session) handleFrame(ctx context.Context, data []byte) bool {
	if v := s.guard.CheckPayload(ctx, s.rec, len(data)); !v.Allowed {
		return s.denied(ctx, v)
	}

	msg, err := models.DecodeInbound(data)
	if err != nil {
		s.logger.Debug(ctx, "Malformed frame", logger.Error(err))
		s.rejectAndClose(ctx, constants.ReasonInvalidMessage, constants.CloseProtocolViolation)
		return false
	}

	// Heartbeat frames are never charged against a bucket.
	switch msg.Type {
	case constants.FrameTypePing:
		_ = s.Send(models.ControlFrame{Type: constants.FrameTypePong})
		return true
	case constants.FrameTypePong:
		s.heartbeat.Pong()
		return true
	}

	if v := s.guard.Check(ctx, s.rec, len(data)); !v.Allowed {
		return s.denied(ctx, v)
	}

	if !s.capability.CanPublish() {
		_ = s.Send(models.NewErrorFrame(models.Deny(constants.ReasonCapabilityDenied, map[string]any{
			"role": string(s.capability.Role()),
		})))
		return true
	}

	if err := s.router.Route(ctx, s.rec, msg); err != nil {
		s.logger.Error(ctx, "Message routing failed", err,
			logger.String("user_id", s.rec.UserID),
			logger.String("room_id", s.rec.RoomID),
			logger.String("type", msg.Type))
		s.CloseWith(constants.CloseInternalError, string(constants.ReasonInternalError))
		return false
	}
	return true
}

// denied reports a rejected frame to the client and reports whether reading
// should continue.
func (s *Session) denied(ctx context.Context, v appservice.Verdict) bool {
	if err := s.Send(v.Frame); err != nil {
		s.logger.Debug(ctx, "Failed to queue error frame", logger.Error(err))
	}
	if v.Close {
		s.CloseWith(v.CloseCode, string(v.Decision.Reason))
		return false
	}
	return true
}

func (s *Session) rejectAndClose(ctx context.Context, reason constants.ReasonCode, code constants.CloseCode) {
	d := models.Deny(reason, nil)
	s.metrics.RecordMessage(false, reason)
	_ = s.Send(models.NewErrorFrame(d))
	s.emit(ctx, models.NewAuditEvent(models.AuditEventConnectionClosed, reason).
		WithConnection(s.rec).
		WithCloseCode(code))
	s.CloseWith(code, string(reason))
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-s.send:
			if err := s.write(data); err != nil {
				return err
			}
		case req := <-s.closeReq:
			s.flush()
			msg := websocket.FormatCloseMessage(req.code.Int(), req.reason)
			if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait)); err != nil {
				s.logger.Debug(ctx, "Failed to write close frame", logger.Error(err))
			}
			return errSessionClosed
		}
	}
}

func (s *Session) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// flush writes frames that were queued before a close was requested.
func (s *Session) flush() {
	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

func (s *Session) onHeartbeatTimeout() {
	ctx := logger.WithConnectionID(context.Background(), s.rec.ID)
	s.emit(ctx, models.NewAuditEvent(models.AuditEventHeartbeatTimeout, constants.ReasonHeartbeatTimeout).
		WithConnection(s.rec).
		WithCloseCode(constants.CloseHeartbeatTimeout))
	s.CloseWith(constants.CloseHeartbeatTimeout, string(constants.ReasonHeartbeatTimeout))
}

// cleanup leaves the room and releases the admission exactly once.
func (s *Session) cleanup(ctx context.Context) {
	s.cleanOnce.Do(func() {
		s.closed.Store(true)
		s.router.Leave(s.rec)
		s.admission.Release(ctx)
		_ = s.conn.Close()
	})
}

func (s *Session) emit(ctx context.Context, event *models.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn(ctx, "Failed to record audit event", logger.Error(err))
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil || stderrors.Is(err, errSessionClosed) || stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure)
}
