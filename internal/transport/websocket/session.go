package websocket

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	SendQueueSize = 128
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
)

// Session is one websocket connection. All writes go through SendQueue and
// the single write loop.
type Session struct {
	ID     string
	UserID string

	Conn      *websocket.Conn
	SendQueue chan []byte
	done      chan struct{}
	closed    atomic.Int32

	ctx context.Context
}

func NewSession(ctx context.Context, id, userID string, conn *websocket.Conn) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		Conn:      conn,
		SendQueue: make(chan []byte, SendQueueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
	}
}

func (s *Session) Start() {
	go s.writeLoop()
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SendJSON encodes v and queues it.
func (s *Session) SendJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		observability.GetLogger(s.ctx).Error("session: encode frame", zap.Error(err))
		return false
	}
	return s.TrySend(b)
}

// TrySend queues msg. A full queue means the client cannot keep up and the
// connection is dropped.
func (s *Session) TrySend(msg []byte) bool {
	if s.closed.Load() == 1 {
		return false
	}
	select {
	case s.SendQueue <- msg:
		return true
	default:
		observability.GetLogger(s.ctx).Warn("session: backpressure overflow, dropping connection",
			zap.String("user_id", s.UserID), zap.String("sid", s.ID))
		s.CloseWithReason(websocket.CloseInternalServerErr, "backpressure overflow")
		return false
	}
}

func (s *Session) Close() {
	s.CloseWithReason(websocket.CloseNormalClosure, "server closing")
}

func (s *Session) CloseWithReason(code int, reason string) {
	if !s.closed.CompareAndSwap(0, 1) {
		return
	}

	observability.GetLogger(s.ctx).Info("session: closing",
		zap.String("user_id", s.UserID),
		zap.String("sid", s.ID),
		zap.Int("code", code),
		zap.String("reason", reason),
	)
	close(s.done)

	if s.Conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = s.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		s.Conn.Close()
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	log := observability.GetLogger(s.ctx)
	for {
		select {
		case msg := <-s.SendQueue:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("session: write error", zap.String("user_id", s.UserID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("session: ping error", zap.String("user_id", s.UserID), zap.Error(err))
				return
			}
		case <-s.done:
			return
		}
	}
}
