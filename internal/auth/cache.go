package auth

import (
	"sync"

	"github.com/lumencanvas/clasp-sub005/internal/address"
)

// SessionAuth binds a verified Identity to a session and caches op-level
// authorization decisions for its lifetime, since the dispatcher would
// otherwise re-walk every scope's pattern matcher on every single op
// (§6: "op-level calls are cached per session").
type SessionAuth struct {
	identity Identity

	mu    sync.Mutex
	cache map[string]bool
}

// NewSessionAuth binds identity to a new session-scoped cache.
func NewSessionAuth(identity Identity) *SessionAuth {
	return &SessionAuth{identity: identity, cache: make(map[string]bool)}
}

// Identity returns the subject/scopes this session authenticated as.
func (s *SessionAuth) Identity() Identity { return s.identity }

// Allowed reports whether action against addr is permitted, memoizing the
// decision for subsequent ops at the same address.
func (s *SessionAuth) Allowed(action Action, addr address.Address) bool {
	key := string(action) + "\x00" + addr.String()

	s.mu.Lock()
	if v, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return v
	}
	s.mu.Unlock()

	allowed := s.identity.Allows(action, addr)

	s.mu.Lock()
	s.cache[key] = allowed
	s.mu.Unlock()
	return allowed
}

// AllowedPattern reports whether action against every address matching pat
// is permitted, memoizing the decision alongside Allowed's address
// keys (the two never collide: pattern keys are prefixed "pat\x00").
func (s *SessionAuth) AllowedPattern(action Action, pat address.Pattern) bool {
	key := "pat\x00" + string(action) + "\x00" + pat.String()

	s.mu.Lock()
	if v, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return v
	}
	s.mu.Unlock()

	allowed := s.identity.AllowsPattern(action, pat)

	s.mu.Lock()
	s.cache[key] = allowed
	s.mu.Unlock()
	return allowed
}
