// Package identity supplies the principal identifier used to namespace
// remote records. The engine receives a Source explicitly instead of reading
// ambient global state, so tests control exactly when a session appears or
// disappears.
package identity

import (
	"context"
	"sync"
)

// Principal identifies the authenticated session owner.
type Principal string

// String returns the underlying identifier.
func (p Principal) String() string {
	return string(p)
}

// Source reports the current principal. The second return value is false
// when no session is active; callers treat that as offline/unauthenticated
// mode and skip all remote operations.
type Source interface {
	Current(ctx context.Context) (Principal, bool)
}

// StaticSource holds a switchable principal. Used by the CLI and by tests to
// simulate sign-in and sign-out.
type StaticSource struct {
	mu        sync.RWMutex
	principal Principal
	active    bool
}

// NewStaticSource returns a source with no active principal.
func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

// SignIn activates the provided principal.
func (s *StaticSource) SignIn(principal Principal) {
	s.mu.Lock()
	s.principal = principal
	s.active = principal != ""
	s.mu.Unlock()
}

// SignOut clears the active principal.
func (s *StaticSource) SignOut() {
	s.mu.Lock()
	s.principal = ""
	s.active = false
	s.mu.Unlock()
}

// Current implements Source.
func (s *StaticSource) Current(_ context.Context) (Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal, s.active
}
