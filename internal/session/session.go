// Package session tracks connected peers and their outbound queues.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Role distinguishes web clients from the CAD engine.
type Role string

const (
	RoleClient Role = "client"
	RoleCAD    Role = "cad"
)

// Session is one connected peer. Frames queued with Send are written by the
// transport in order; when the queue is full frames are dropped.
type Session struct {
	ID          string
	ConnectedAt time.Time
	RemoteAddr  string

	mu       sync.RWMutex
	role     Role
	username string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Info is the JSON view of a session served by /api/sessions.
type Info struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Username    string    `json:"username,omitempty"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Queued      int       `json:"queued"`
	Dropped     uint64    `json:"dropped"`
}

// New creates a client session with a random id and an outbound queue of
// buffer frames.
func New(remoteAddr string, buffer int) *Session {
	if buffer < 1 {
		buffer = 1
	}
	return &Session{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		RemoteAddr:  remoteAddr,
		role:        RoleClient,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// Role returns the session's current role.
func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) setRole(r Role) {
	s.mu.Lock()
	s.role = r
	s.mu.Unlock()
}

// Username returns the name last seen in a chat request.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// SetUsername records the display name used in chat frames.
func (s *Session) SetUsername(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

// Send queues frame without blocking. It reports false when the session is
// closed or its queue is full.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Outbound is the queue the transport drains.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed by Close.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close marks the session finished. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Dropped counts frames discarded because the queue was full.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Info returns a point-in-time view of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:          s.ID,
		Role:        s.role,
		Username:    s.username,
		RemoteAddr:  s.RemoteAddr,
		ConnectedAt: s.ConnectedAt,
		Queued:      len(s.send),
		Dropped:     s.dropped.Load(),
	}
}
