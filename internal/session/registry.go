package session

import (
	"sort"
	"sync"
)

// Registry is the set of connected sessions with at most one CAD engine.
// Mutations come from the hub loop; reads may come from HTTP handlers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cad      *Session
	cadReady bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s as a client.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Unregister removes the session id. wasCAD reports whether it held the CAD role,
// in which case CAD readiness is cleared.
func (r *Registry) Unregister(id string) (s *Session, wasCAD bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	if r.cad == s {
		r.cad = nil
		r.cadReady = false
		return s, true
	}
	return s, false
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// PromoteCAD gives s the CAD role. A different previous CAD session is removed
// from the registry and returned so the caller can close it. Readiness resets
// until the new engine registers its parameters.
func (r *Registry) PromoteCAD(s *Session) (previous *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cad != nil && r.cad != s {
		previous = r.cad
		delete(r.sessions, previous.ID)
	}
	if _, ok := r.sessions[s.ID]; !ok {
		r.sessions[s.ID] = s
	}
	s.setRole(RoleCAD)
	r.cad = s
	r.cadReady = false
	return previous
}

// CAD returns the current CAD session.
func (r *Registry) CAD() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cad, r.cad != nil
}

// IsCAD reports whether id is the current CAD session.
func (r *Registry) IsCAD(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cad != nil && r.cad.ID == id
}

// CADReady reports whether the CAD engine has registered its parameters.
func (r *Registry) CADReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cad != nil && r.cadReady
}

// SetCADReady records the handshake state. It has no effect without a CAD session.
func (r *Registry) SetCADReady(ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cadReady = ready && r.cad != nil
}

// Clients returns client sessions in connection order.
func (r *Registry) Clients() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != r.cad {
			out = append(out, s)
		}
	}
	sortByConnect(out)
	return out
}

// All returns every session in connection order.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sortByConnect(out)
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns Info for every session.
func (r *Registry) List() []Info {
	all := r.All()
	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	return out
}

func sortByConnect(s []*Session) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].ConnectedAt.Equal(s[j].ConnectedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].ConnectedAt.Before(s[j].ConnectedAt)
	})
}
