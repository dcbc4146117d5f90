package session

import (
	"fmt"
	"sync"
	"time"
)

// TooManySessionsError is returned by Registry.Create when MaxSessions is
// reached (§6, §7).
type TooManySessionsError struct{ Max int }

func (e *TooManySessionsError) Error() string {
	return fmt.Sprintf("too many sessions: limit is %d", e.Max)
}

// Registry owns the set of connected sessions and enforces the
// max_sessions cap (§6).
type Registry struct {
	mu         sync.RWMutex
	sessions   map[ID]*Session
	maxSessions int
}

// NewRegistry constructs a Registry with the given session cap (0 = no
// cap).
func NewRegistry(maxSessions int) *Registry {
	return &Registry{sessions: make(map[ID]*Session), maxSessions: maxSessions}
}

// Create registers a new session, refusing it with TooManySessionsError
// once the cap is reached.
func (r *Registry) Create(opts Options) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, &TooManySessionsError{Max: r.maxSessions}
	}
	s := New(opts)
	r.sessions[s.ID] = s
	return s, nil
}

// Get returns the session by ID, if connected.
func (r *Registry) Get(id ID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove removes and terminates the session. It returns the removed
// session (so callers can release its owned locks/subscriptions) or nil
// if it was already gone.
func (r *Registry) Remove(id ID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	s.MarkTerminated()
	return s
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IdleSessions returns the IDs of every session idle for longer than
// timeout, as of now — used by the Scheduler's idle-timeout sweep (§4.6).
func (r *Registry) IdleSessions(now time.Time, timeout time.Duration) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ID
	for id, s := range r.sessions {
		if s.Idle(now, timeout) {
			out = append(out, id)
		}
	}
	return out
}

// All returns a snapshot slice of every connected session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
