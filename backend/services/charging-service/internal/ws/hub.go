package ws

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/models"
)

// Event is the envelope pushed to subscribers.
type Event struct {
	Type      string               `json:"type"`
	SessionID int64                `json:"session_id"`
	Status    *models.StatusUpdate `json:"status,omitempty"`
}

// Hub fans live status out to subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	logger *zap.Logger
}

// NewHub builds an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{}), logger: logger.Named("ws")}
}

// Add registers a subscriber.
func (h *Hub) Add(s *Subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
}

// Remove drops a subscriber.
func (h *Hub) Remove(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Count is the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// PublishStatus pushes a status snapshot to the driver's and staff feeds.
func (h *Hub) PublishStatus(_ context.Context, update models.StatusUpdate) error {
	return h.broadcast(update.DriverID, Event{Type: "status", SessionID: update.SessionID, Status: &update})
}

// ClearStatus tells the driver's and staff feeds that a session ended.
func (h *Hub) ClearStatus(_ context.Context, sessionID, driverID int64) error {
	return h.broadcast(driverID, Event{Type: "session_closed", SessionID: sessionID})
}

func (h *Hub) broadcast(driverID int64, ev Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.wants(driverID, ev.SessionID) {
			s.Send(msg)
		}
	}
	return nil
}

// Run blocks until ctx ends, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
	h.logger.Info("websocket hub stopped", zap.Int("subscribers", len(subs)))
	return nil
}
