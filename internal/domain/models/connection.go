package models

import (
	"sync/atomic"
	"time"
)

// ConnectionRecord is the in-process view of one admitted WebSocket connection.
// It is created on admission and discarded on release; only LastPongAt changes
// in between.
type ConnectionRecord struct {
	ID          string
	UserID      string // empty for anonymous actors
	RemoteIP    string
	RoomID      string
	Role        Role
	ConnectedAt time.Time

	lastPong   atomic.Int64 // unix nanos
	violations atomic.Int64
}

// NewConnectionRecord creates a record whose last pong is its connect time.
func NewConnectionRecord(id string, identity *Identity, remoteIP, roomID string, now time.Time) *ConnectionRecord {
	rec := &ConnectionRecord{
		ID:          id,
		RemoteIP:    remoteIP,
		RoomID:      roomID,
		Role:        RoleAnonymous,
		ConnectedAt: now,
	}
	if identity != nil {
		rec.UserID = identity.UserID
		rec.Role = identity.Role
	}
	rec.lastPong.Store(now.UnixNano())
	return rec
}

// Authenticated reports whether the connection belongs to a known user.
func (r *ConnectionRecord) Authenticated() bool {
	return r.UserID != ""
}

// LastPongAt returns the time of the most recent pong.
func (r *ConnectionRecord) LastPongAt() time.Time {
	return time.Unix(0, r.lastPong.Load())
}

// MarkPong records a pong received at t.
func (r *ConnectionRecord) MarkPong(t time.Time) {
	r.lastPong.Store(t.UnixNano())
}

// RecordViolation counts a rejected message and returns the running total.
func (r *ConnectionRecord) RecordViolation() int64 {
	return r.violations.Add(1)
}

// Violations returns the number of rejected messages so far.
func (r *ConnectionRecord) Violations() int64 {
	return r.violations.Load()
}
