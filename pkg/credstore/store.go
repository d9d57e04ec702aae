// Package credstore persists the access/refresh token pair of a storefront session.
//
// Stores never return errors: a failing backend is logged and treated as empty,
// so callers are never blocked on persistence.
package credstore

import (
	"context"
	"sync"
)

const (
	KeyAccess  = "access_token"
	KeyRefresh = "refresh_token"
)

type Store interface {
	// SetTokens overwrites both tokens.
	SetTokens(ctx context.Context, access, refresh string)
	Access(ctx context.Context) (string, bool)
	Refresh(ctx context.Context) (string, bool)
	// Clear removes both tokens. Clearing an empty store is a no-op.
	Clear(ctx context.Context)
}

type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string, 2)}
}

func (s *MemoryStore) SetTokens(_ context.Context, access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[KeyAccess] = access
	s.values[KeyRefresh] = refresh
}

func (s *MemoryStore) Access(_ context.Context) (string, bool) {
	return s.get(KeyAccess)
}

func (s *MemoryStore) Refresh(_ context.Context) (string, bool) {
	return s.get(KeyRefresh)
}

func (s *MemoryStore) Clear(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, KeyAccess)
	delete(s.values, KeyRefresh)
}

func (s *MemoryStore) get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.values[key]
	return v, v != ""
}
