package websocket

import (
	"sync"

	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CloseSessionReplaced is sent to a connection displaced by a newer one for
// the same identity.
const CloseSessionReplaced = 4000

// Registry holds at most one live session per identity, so each identity has
// one call state machine and one media engine.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers s, closing any older session of the same user after the
// lock is released.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	old, ok := r.sessions[s.UserID]
	r.sessions[s.UserID] = s
	r.mu.Unlock()

	if ok && old != s {
		observability.GetLogger(s.ctx).Info("session: replacing existing connection",
			zap.String("user_id", s.UserID),
			zap.String("old_sid", old.ID),
			zap.String("new_sid", s.ID),
		)
		old.CloseWithReason(CloseSessionReplaced, "session_replaced")
	}
}

// Remove drops s only if it is still the registered session, so a late
// Remove from a replaced session does not evict its successor.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[s.UserID]; ok && current.ID == s.ID {
		delete(r.sessions, s.UserID)
	}
}

func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	}
}
