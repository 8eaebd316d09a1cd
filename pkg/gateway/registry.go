package gateway

import (
	"sync"

	"github.com/coder/websocket"
)

// session is one authenticated WebSocket connection. A user may hold several
// sessions at once (phone plus desktop); each gets its own pub/sub
// subscription so every device receives every event.
type session struct {
	id     string
	userID string
	conn   *websocket.Conn
}

// registry tracks live sessions per user.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]map[*session]struct{} // user_id → live sessions
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]map[*session]struct{})}
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[s.userID]
	if !ok {
		set = make(map[*session]struct{})
		r.sessions[s.userID] = set
	}
	set[s] = struct{}{}
}

func (r *registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[s.userID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, s.userID)
	}
}

// connectionCount returns the total number of live sessions.
func (r *registry) connectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, set := range r.sessions {
		total += len(set)
	}
	return total
}

// userCount returns the number of distinct connected users.
func (r *registry) userCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// userSessions returns the number of live sessions for one user.
func (r *registry) userSessions(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID])
}
