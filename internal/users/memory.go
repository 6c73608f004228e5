package users

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps accounts in process for bootstrap-file runs.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
	now      func() time.Time
}

// NewMemoryStore seeds the store with accounts.
func NewMemoryStore(accounts ...Account) *MemoryStore {
	s := &MemoryStore{accounts: make(map[string]Account, len(accounts)), now: time.Now}
	for _, a := range accounts {
		a.RoleIDs = slices.Clone(a.RoleIDs)
		s.accounts[a.ID] = a
	}
	return s
}

// FindAccount implements Store.
func (s *MemoryStore) FindAccount(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	a.RoleIDs = slices.Clone(a.RoleIDs)
	return a, nil
}

// ReplaceRoles implements Store.
func (s *MemoryStore) ReplaceRoles(_ context.Context, id string, roleIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.RoleIDs = slices.Clone(roleIDs)
	a.UpdatedAt = s.now().UTC()
	s.accounts[id] = a
	return nil
}
