package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/odyssey-erp/accessgate/internal/platform/cache"
	"github.com/odyssey-erp/accessgate/internal/rbac"
)

// Store is the persistence the service needs.
type Store interface {
	FindAccount(ctx context.Context, id string) (Account, error)
	ReplaceRoles(ctx context.Context, id string, roleIDs []string) error
}

// RoleLookup is the read side of the role graph.
type RoleLookup interface {
	Role(id string) (rbac.Role, bool)
	IdentityLevel(roleIDs []string) (int, bool)
	ResolveIdentity(roleIDs []string) rbac.PermissionSet
}

// Service handles identity lookups and role assignment.
type Service struct {
	store  Store
	roles  RoleLookup
	cache  *cache.Cache
	logger *slog.Logger
}

// NewService builds Service instance. A nil cache disables caching.
func NewService(store Store, roles RoleLookup, c *cache.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, roles: roles, cache: c, logger: logger}
}

// Account returns the directory record for id.
func (s *Service) Account(ctx context.Context, id string) (Account, error) {
	return s.store.FindAccount(ctx, id)
}

// FindIdentity returns the identity for id, served from the cache when possible.
func (s *Service) FindIdentity(ctx context.Context, id string) (rbac.Identity, error) {
	key, err := s.cache.BuildKey(ctx, "identity", id)
	if err != nil {
		s.logger.WarnContext(ctx, "identity cache unavailable", slog.Any("error", err))
		return s.load(ctx, id)
	}
	var identity rbac.Identity
	err = s.cache.FetchJSON(ctx, key, &identity, func(ctx context.Context) (any, error) {
		return s.load(ctx, id)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return rbac.Identity{}, err
		}
		return rbac.Identity{}, fmt.Errorf("users: find identity: %w", err)
	}
	return identity, nil
}

func (s *Service) load(ctx context.Context, id string) (rbac.Identity, error) {
	a, err := s.store.FindAccount(ctx, id)
	if err != nil {
		return rbac.Identity{}, err
	}
	return rbac.Identity{ID: a.ID, RoleIDs: a.RoleIDs, Active: a.Active}, nil
}

// EffectivePermissions resolves the union of the identity's role permissions.
func (s *Service) EffectivePermissions(identity rbac.Identity) rbac.PermissionSet {
	return s.roles.ResolveIdentity(identity.RoleIDs)
}

// AssignRoles replaces the identity's roles. The actor must strictly outrank
// every role granted and every role removed.
func (s *Service) AssignRoles(ctx context.Context, actor rbac.Identity, id string, roleIDs []string) error {
	wanted := make([]string, 0, len(roleIDs))
	for _, roleID := range roleIDs {
		roleID = strings.TrimSpace(roleID)
		if roleID == "" || slices.Contains(wanted, roleID) {
			continue
		}
		if _, ok := s.roles.Role(roleID); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRole, roleID)
		}
		wanted = append(wanted, roleID)
	}
	slices.Sort(wanted)

	current, err := s.store.FindAccount(ctx, id)
	if err != nil {
		return err
	}
	actorLevel, ok := s.roles.IdentityLevel(actor.RoleIDs)
	if !actor.Active || !ok {
		return ErrLevelNotPermitted
	}
	for _, roleID := range append(slices.Clone(wanted), current.RoleIDs...) {
		role, ok := s.roles.Role(roleID)
		if !ok {
			continue
		}
		if !rbac.CanManageLevel(actorLevel, role.Level) {
			return fmt.Errorf("%w: %s", ErrLevelNotPermitted, roleID)
		}
	}

	if err := s.store.ReplaceRoles(ctx, id, wanted); err != nil {
		return err
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.WarnContext(ctx, "bump identity cache", slog.Any("error", err))
	}
	s.logger.InfoContext(ctx, "roles assigned",
		slog.String("identity_id", id),
		slog.String("actor_id", actor.ID),
		slog.Any("role_ids", wanted))
	return nil
}
