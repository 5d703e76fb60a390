package realtime

import (
	"log/slog"
	"sync"
)

// Registry tracks which users currently have live websocket sessions.
// A user may hold several sessions at once (multiple tabs or devices);
// presence is derived from the session count, so only the first session
// brings a user online and only the last one takes them offline.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[int64]map[string]*Conn // userID -> sessionID -> conn
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:   log,
		conns: make(map[int64]map[string]*Conn),
	}
}

// Add registers a session and reports whether this was the user's first
// live session, i.e. the offline-to-online transition.
func (r *Registry) Add(c *Conn) (cameOnline bool) {
	if c == nil || c.SessionID == "" {
		return false
	}

	r.mu.Lock()
	sessions := r.conns[c.UserID]
	if sessions == nil {
		sessions = make(map[string]*Conn)
		r.conns[c.UserID] = sessions
	}
	cameOnline = len(sessions) == 0
	sessions[c.SessionID] = c
	r.mu.Unlock()

	r.log.Info("registry.session.add",
		"user_id", c.UserID, "session_id", c.SessionID, "came_online", cameOnline)
	return cameOnline
}

// Remove deregisters a session and reports whether the user has no live
// sessions left, i.e. the online-to-offline transition. Removing a
// session that is not registered (or was replaced) is a no-op, so the
// transition fires at most once per session.
func (r *Registry) Remove(c *Conn) (wentOffline bool) {
	if c == nil || c.SessionID == "" {
		return false
	}

	r.mu.Lock()
	sessions := r.conns[c.UserID]
	cur, ok := sessions[c.SessionID]
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	delete(sessions, c.SessionID)
	wentOffline = len(sessions) == 0
	if wentOffline {
		delete(r.conns, c.UserID)
	}
	r.mu.Unlock()

	r.log.Info("registry.session.remove",
		"user_id", c.UserID, "session_id", c.SessionID, "went_offline", wentOffline)
	return wentOffline
}

// ConnsFor snapshots the live sessions of the given users. Users with no
// sessions contribute nothing; fanout to them is skipped entirely.
func (r *Registry) ConnsFor(userIDs []int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for _, id := range userIDs {
		for _, c := range r.conns[id] {
			out = append(out, c)
		}
	}
	return out
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// OnlineUsers returns the ids of all users with at least one live session.
func (r *Registry) OnlineUsers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int64, 0, len(r.conns))
	for id, sessions := range r.conns {
		if len(sessions) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// OnlineCount returns the number of distinct online users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
