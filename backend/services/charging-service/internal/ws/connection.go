package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 16
)

// Subscriber is one websocket client following live session status.
type Subscriber struct {
	userID int64
	staff  bool
	// sessionID narrows the feed to one session when non-zero.
	sessionID int64

	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *zap.Logger
	onClose      func(*Subscriber)
}

func newSubscriber(userID int64, staff bool, sessionID int64, conn *websocket.Conn, writeTimeout time.Duration, logger *zap.Logger, onClose func(*Subscriber)) *Subscriber {
	return &Subscriber{
		userID:       userID,
		staff:        staff,
		sessionID:    sessionID,
		ws:           conn,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
		onClose:      onClose,
	}
}

// wants reports whether an event about a driver's session belongs in this feed.
func (s *Subscriber) wants(driverID, sessionID int64) bool {
	if s.sessionID != 0 && s.sessionID != sessionID {
		return false
	}
	return s.staff || s.userID == driverID
}

// Start launches read/write pumps and blocks until the connection closes.
func (s *Subscriber) Start(ctx context.Context) {
	go s.writePump(ctx)
	s.readPump()
}

// readPump only drains control frames; subscribers never send commands.
func (s *Subscriber) readPump() {
	defer s.Close()
	s.ws.SetReadLimit(4096)
	_ = s.ws.SetReadDeadline(time.Now().Add(readTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := s.ws.ReadMessage(); err != nil {
			s.logger.Debug("subscriber read closed", zap.Int64("user_id", s.userID), zap.Error(err))
			return
		}
	}
}

func (s *Subscriber) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send enqueues a message, dropping it when the client is too slow.
func (s *Subscriber) Send(msg []byte) {
	select {
	case <-s.done:
	case s.send <- msg:
	default:
		s.logger.Warn("dropping status message, buffer full", zap.Int64("user_id", s.userID))
	}
}

func (s *Subscriber) write(messageType int, data []byte) error {
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.ws.WriteMessage(messageType, data)
}

// Close tears the connection down once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.ws.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
