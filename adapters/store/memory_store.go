package store

import (
	"context"
	"sync"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
)

var _ ports.CredentialStore = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of the CredentialStore interface.
// Its contents do not survive a restart.
type MemoryStore struct {
	cred *core.Credential
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns a copy of the stored credential
func (s *MemoryStore) Get(ctx context.Context) (*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cred == nil {
		return nil, nil
	}
	cred := *s.cred
	return &cred, nil
}

// Set replaces the stored credential
func (s *MemoryStore) Set(ctx context.Context, cred core.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = &cred
	return nil
}

// Clear removes the stored credential
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = nil
	return nil
}
