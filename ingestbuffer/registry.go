package ingestbuffer

import (
	"log/slog"
	"sync"
)

// Registry tracks active Sessions by a caller-supplied key (typically the
// ingest connection key the SRT/demux layer already uses), mirroring
// stream.Manager's create/remove/list shape one level up.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry. log may be nil, in which case
// slog.Default is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log.With("component", "ingestbuffer-registry"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new Session under key. Returns the Session and true,
// or nil and false if key is already in use.
func (r *Registry) Create(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[key]; ok {
		r.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := NewSession(r.log)
	r.sessions[key] = s
	r.log.Info("session created", "key", key, "session", s.ID)
	return s, true
}

// Remove closes and removes the Session registered under key, if any.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if ok {
		s.Close()
		r.log.Info("session removed", "key", key, "session", s.ID)
	}
}

// Get returns the Session registered under key, or false if not found.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// List returns every active Session, in no particular order.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
