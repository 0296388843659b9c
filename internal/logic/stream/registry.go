package stream

import (
	"sort"
	"sync"

	"github.com/cjeanneret/CamRelay/internal/debug"
)

// Registry keeps track of the sessions currently streaming.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s and returns the function that removes it.
// The caller must call it when the session ends.
func (r *Registry) Add(s *Session) func() {
	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()
	debug.Session(s.ID, "connected", n)

	return func() {
		r.mu.Lock()
		delete(r.sessions, s.ID)
		n := len(r.sessions)
		r.mu.Unlock()
		debug.Session(s.ID, "disconnected", n)
	}
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the stats of every active session, oldest first.
func (r *Registry) Snapshot() []SessionStats {
	r.mu.RLock()
	out := make([]SessionStats, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
