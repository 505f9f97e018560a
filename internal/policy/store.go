package policy

import (
	"sync"

	"github.com/riftwaf/sentry/internal/waf"
)

// Store is the process-wide, hot-reloadable security-policy map: the
// binding between the koanf/fsnotify loader and the pipeline's per-request
// SecurityPolicy lookup.
type Store struct {
	mu       sync.RWMutex
	policies map[string]*waf.SecurityPolicy
}

// NewStore builds an empty store; call Replace once the initial bundle is
// loaded.
func NewStore() *Store {
	return &Store{policies: map[string]*waf.SecurityPolicy{}}
}

// Replace swaps in a freshly loaded policy map atomically.
func (s *Store) Replace(policies map[string]*waf.SecurityPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = policies
}

// Get looks up a policy by ID.
func (s *Store) Get(id string) (*waf.SecurityPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	return p, ok
}

// Len reports how many policies are currently loaded.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.policies)
}
