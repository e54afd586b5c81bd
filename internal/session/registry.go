package session

import (
	"sync"

	"github.com/inquirylabs/inquiry/internal/metrics"
)

// Registry tracks live sessions so the server can enumerate and drain
// them on shutdown.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	collector *metrics.Collector
}

func NewRegistry(collector *metrics.Collector) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		collector: collector,
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.collector.SessionsActive.Inc()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		r.collector.SessionsActive.Dec()
	}
}

// Get returns the session with the given ID, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every live session. Used during graceful shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close(0, "")
	}
}
