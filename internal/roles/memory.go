package roles

import (
	"context"
	"sort"
	"sync"

	"github.com/odyssey-erp/accessgate/internal/rbac"
)

// MemoryRepository keeps roles in process. It backs development runs started
// from a bootstrap file instead of Postgres.
type MemoryRepository struct {
	mu    sync.RWMutex
	roles map[string]rbac.Role
	keys  map[string]string
}

// NewMemoryRepository seeds the repository with roles.
func NewMemoryRepository(roles ...rbac.Role) *MemoryRepository {
	repo := &MemoryRepository{roles: make(map[string]rbac.Role), keys: make(map[string]string)}
	for _, r := range roles {
		repo.roles[r.ID] = r
		repo.keys[r.ID] = NameKey(r.Name)
	}
	return repo
}

// LoadRoles implements Repository, ordered like the Postgres query.
func (m *MemoryRepository) LoadRoles(context.Context) ([]rbac.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rbac.Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RoleNameTaken implements Repository.
func (m *MemoryRepository) RoleNameTaken(_ context.Context, nameKey, exceptID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, key := range m.keys {
		if key == nameKey && id != exceptID {
			return true, nil
		}
	}
	return false, nil
}

// UpsertRole implements Repository.
func (m *MemoryRepository) UpsertRole(_ context.Context, role rbac.Role, nameKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.ID] = role
	m.keys[role.ID] = nameKey
	return nil
}

// DeleteRole implements Repository.
func (m *MemoryRepository) DeleteRole(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roles, id)
	delete(m.keys, id)
	return nil
}
