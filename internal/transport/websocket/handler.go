package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/middleware"
	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"github.com/SARVESHVARADKAR123/peersync/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	commandTimeout = 15 * time.Second
	closeTimeout   = 5 * time.Second
	maxFrameSize   = 64 << 10
)

// Handler upgrades authenticated requests and runs one session.Controller
// per connection.
type Handler struct {
	registry    *Registry
	deps        session.Deps
	serviceName string
}

func NewHandler(registry *Registry, deps session.Deps, serviceName string) *Handler {
	return &Handler{
		registry:    registry,
		deps:        deps,
		serviceName: serviceName,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}

	log := observability.GetLogger(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("upgrade error", zap.Error(err))
		return
	}

	// The connection outlives the upgrade request.
	ctx := context.WithoutCancel(r.Context())
	s := NewSession(ctx, uuid.NewString(), userID, conn)

	deps := h.deps
	deps.Log = log.With(zap.String("sid", s.ID))
	controller, err := session.New(ctx, deps, userID, func(u session.Update) {
		s.SendJSON(u)
	})
	if err != nil {
		log.Error("session: controller init failed", zap.String("user_id", userID), zap.Error(err))
		s.CloseWithReason(websocket.CloseInternalServerErr, "init failed")
		return
	}

	h.registry.Add(s)
	s.Start()
	log.Info("connected", zap.String("user_id", userID), zap.String("sid", s.ID))
	observability.WebSocketConnectionsTotal.WithLabelValues(h.serviceName).Inc()

	view, av := controller.CallView()
	s.SendJSON(session.Update{Type: session.UpdateCall, Call: &view, AV: &av})

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.readLoop(ctx, s, controller)
}

func (h *Handler) readLoop(ctx context.Context, s *Session, c *session.Controller) {
	log := observability.GetLogger(ctx)
	defer func() {
		h.registry.Remove(s)

		closeCtx, cancel := context.WithTimeout(ctx, closeTimeout)
		c.Close(closeCtx)
		cancel()

		s.Close()
		log.Info("disconnected", zap.String("user_id", s.UserID), zap.String("sid", s.ID))
		observability.WebSocketConnectionsTotal.WithLabelValues(h.serviceName).Dec()
	}()

	for {
		_, msg, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, CloseSessionReplaced) {
				log.Warn("read loop error", zap.String("user_id", s.UserID), zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			s.SendJSON(ErrorFrame{Type: "error", Code: CodeInvalid, Message: "malformed command"})
			continue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		err = execute(cmdCtx, c, s, cmd)
		cancel()
		if err != nil {
			code := errorCode(cmd.Type, err)
			log.Debug("command failed",
				zap.String("user_id", s.UserID),
				zap.String("command", cmd.Type),
				zap.String("code", code),
				zap.Error(err),
			)
			s.SendJSON(ErrorFrame{Type: "error", Code: code, Message: err.Error(), Ref: cmd.Ref})
		}
	}
}
