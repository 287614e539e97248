package store

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/layer-3/gatekeeper/ports"
)

var _ ports.RevocationStore = (*MemoryRevocations)(nil)

// MemoryRevocations is an in-memory implementation of the RevocationStore
// interface. Expired entries are dropped lazily on the next Revoke.
type MemoryRevocations struct {
	revoked map[string]time.Time
	clock   clockwork.Clock
	mu      sync.RWMutex
}

// NewMemoryRevocations creates a new in-memory revocation list
func NewMemoryRevocations(clock clockwork.Clock) *MemoryRevocations {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRevocations{
		revoked: make(map[string]time.Time),
		clock:   clock,
	}
}

// Revoke marks a refresh token as revoked for ttl
func (s *MemoryRevocations) Revoke(ctx context.Context, refreshID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for id, until := range s.revoked {
		if !now.Before(until) {
			delete(s.revoked, id)
		}
	}

	until := now.Add(ttl)
	// Only extend an existing revocation
	if current, ok := s.revoked[refreshID]; !ok || current.Before(until) {
		s.revoked[refreshID] = until
	}
	return nil
}

// IsRevoked checks if a refresh token is revoked
func (s *MemoryRevocations) IsRevoked(ctx context.Context, refreshID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	until, ok := s.revoked[refreshID]
	if !ok {
		return false, nil
	}
	return s.clock.Now().Before(until), nil
}
