package ws

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"evpay/backend/services/charging-service/internal/models"
)

// SessionReader checks session ownership before subscribing.
type SessionReader interface {
	Get(ctx context.Context, sessionID int64) (*models.Session, error)
}

// Server upgrades HTTP connections to status subscriptions.
type Server struct {
	hub          *Hub
	sessions     SessionReader
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	baseCtx      context.Context
}

// NewServer builds ws server. Subscriptions end when ctx does.
func NewServer(ctx context.Context, hub *Hub, sessions SessionReader, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Server{
		hub:          hub,
		sessions:     sessions,
		logger:       logger.Named("ws"),
		writeTimeout: writeTimeout,
		baseCtx:      ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is HTTP handler for /ws/sessions. The edge gateway authenticates the caller
// and forwards X-User-ID and X-User-Role.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	staff := isStaff(r.Header.Get("X-User-Role"))

	var sessionID int64
	if raw := r.URL.Query().Get("session_id"); raw != "" {
		sessionID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || sessionID <= 0 {
			http.Error(w, "invalid session_id", http.StatusBadRequest)
			return
		}
		sess, err := s.sessions.Get(r.Context(), sessionID)
		if err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if !staff && sess.DriverID != userID {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := newSubscriber(userID, staff, sessionID, conn, s.writeTimeout, s.logger, s.hub.Remove)
	s.hub.Add(sub)
	go sub.Start(s.baseCtx)
	s.logger.Info("subscriber connected", zap.Int64("user_id", userID), zap.Int64("session_id", sessionID))
}

func isStaff(role string) bool {
	return role == "staff" || role == "admin"
}
