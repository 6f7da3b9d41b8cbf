package ws

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/internal/domain/service"
	"github.com/turtacn/arena-realtime/pkg/constants"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// closer is implemented by senders the hub can disconnect on shutdown.
type closer interface {
	CloseWith(code constants.CloseCode, reason string)
}

// Hub is the in-process MessageRouter. It fans each message out to the other
// members of the sender's room on this instance.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]service.Sender
	logger logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]service.Sender),
		logger: log.WithComponent("hub"),
	}
}

// Join registers a connection with its room.
func (h *Hub) Join(rec *models.ConnectionRecord, sender service.Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[rec.RoomID]
	if !ok {
		members = make(map[string]service.Sender)
		h.rooms[rec.RoomID] = members
	}
	members[rec.ID] = sender
}

// Leave removes a connection from its room. Unknown connections are ignored.
func (h *Hub) Leave(rec *models.ConnectionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[rec.RoomID]
	if !ok {
		return
	}
	delete(members, rec.ID)
	if len(members) == 0 {
		delete(h.rooms, rec.RoomID)
	}
}

// Route forwards msg to every other member of the sender's room. Slow
// receivers drop the message rather than stall the sender.
func (h *Hub) Route(ctx context.Context, rec *models.ConnectionRecord, msg *models.InboundMessage) error {
	targets := h.snapshot(rec.RoomID, rec.ID)
	for _, target := range targets {
		if err := target.Send(msg.Payload); err != nil {
			h.logger.Debug(ctx, "Dropped fan-out message",
				logger.String("room_id", rec.RoomID),
				logger.Error(err))
		}
	}
	return nil
}

// Count returns the number of connections on this instance.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, members := range h.rooms {
		n += len(members)
	}
	return n
}

// RoomCount returns the number of local members of room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Shutdown asks every connection to close with 1001 and waits until all of
// them have left or ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	for _, sender := range h.snapshot("", "") {
		if c, ok := sender.(closer); ok {
			c.CloseWith(constants.CloseGoingAway, "server shutting down")
		}
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for h.Count() > 0 {
		select {
		case <-ctx.Done():
			h.logger.Warn(ctx, "Shutdown deadline reached with open connections",
				logger.Int("remaining", h.Count()))
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// snapshot copies the senders of room (all rooms when room is empty),
// excluding the connection skip.
func (h *Hub) snapshot(room, skip string) []service.Sender {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []service.Sender
	collect := func(members map[string]service.Sender) {
		for id, sender := range members {
			if id != skip {
				out = append(out, sender)
			}
		}
	}
	if room != "" {
		collect(h.rooms[room])
		return out
	}
	for _, members := range h.rooms {
		collect(members)
	}
	return out
}
