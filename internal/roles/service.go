package roles

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"

	"github.com/odyssey-erp/accessgate/internal/platform/clock"
	"github.com/odyssey-erp/accessgate/internal/rbac"
)

// Notifier tells other replicas that roles changed.
type Notifier interface {
	Bump(ctx context.Context) error
}

// Service coordinates role administration between the repository and the live graph.
type Service struct {
	repo     Repository
	graph    *rbac.Graph
	clock    clock.Clock
	notifier Notifier
	logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(repo Repository, graph *rbac.Graph, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, graph: graph, clock: clock.OrSystem(clk), logger: logger}
}

// WithNotifier publishes every committed mutation through n.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) notify(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Bump(ctx); err != nil {
		s.logger.WarnContext(ctx, "publish role change", slog.Any("error", err))
	}
}

// NameKey is the case-folded form used for uniqueness.
func NameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// Roles lists the roles of the live graph.
func (s *Service) Roles() []rbac.Role {
	return s.graph.Roles()
}

// Role returns one role of the live graph.
func (s *Service) Role(id string) (rbac.Role, error) {
	role, ok := s.graph.Role(id)
	if !ok {
		return rbac.Role{}, fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, id)
	}
	return role, nil
}

// ValidateRoleMutation runs structural validation, then checks parents and
// cycles against the live graph. It does not check name uniqueness.
func (s *Service) ValidateRoleMutation(_ context.Context, role rbac.Role) (ValidationResult, error) {
	if err := rbac.Validate(role); err != nil {
		return ValidationResult{}, err
	}
	if err := rbac.ValidateRoleMutation(role, s.graph.Roles()); err != nil {
		return ValidationResult{}, err
	}

	effective := rbac.PermissionSetOf(role.Permissions)
	for _, parent := range role.InheritsFrom {
		inherited, err := s.graph.ResolveEffectivePermissions(parent)
		if err != nil {
			return ValidationResult{}, err
		}
		effective.Union(inherited)
	}
	return ValidationResult{Conflicts: rbac.DetectConflicts(effective), Effective: effective}, nil
}

// CheckNameAvailable reports ErrNameTaken when another role uses the name.
func (s *Service) CheckNameAvailable(ctx context.Context, role rbac.Role) error {
	taken, err := s.repo.RoleNameTaken(ctx, NameKey(role.Name), role.ID)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %q", ErrNameTaken, role.Name)
	}
	return nil
}

// authorizeLevel requires the actor to strictly outrank every level in targets.
func (s *Service) authorizeLevel(actor rbac.Identity, targets ...int) error {
	if !actor.Active {
		return fmt.Errorf("%w: actor inactive", ErrLevelNotPermitted)
	}
	level, ok := s.graph.IdentityLevel(actor.RoleIDs)
	if !ok {
		return fmt.Errorf("%w: actor has no known role", ErrLevelNotPermitted)
	}
	for _, target := range targets {
		if !rbac.CanManageLevel(level, target) {
			return fmt.Errorf("%w: level %d cannot manage level %d", ErrLevelNotPermitted, level, target)
		}
	}
	return nil
}

// authorizeRole requires the actor to strictly outrank the role, its stored
// version and every parent, and to hold everything the role would grant.
// Unknown parents are left to ValidateRoleMutation.
func (s *Service) authorizeRole(actor rbac.Identity, role rbac.Role) error {
	targets := []int{role.Level}
	if existing, ok := s.graph.Role(role.ID); ok {
		targets = append(targets, existing.Level)
	}
	granted := rbac.PermissionSetOf(role.Permissions)
	for _, id := range role.InheritsFrom {
		parent, ok := s.graph.Role(id)
		if !ok {
			continue
		}
		targets = append(targets, parent.Level)
		if inherited, err := s.graph.ResolveEffectivePermissions(id); err == nil {
			granted.Union(inherited)
		}
	}
	if err := s.authorizeLevel(actor, targets...); err != nil {
		return err
	}
	held := s.graph.ResolveIdentity(actor.RoleIDs)
	for _, module := range granted.Modules() {
		for _, level := range granted[module].Levels() {
			if !held.Has(module, level) {
				return fmt.Errorf("%w: %s.%s", ErrPermissionNotHeld, module, level)
			}
		}
	}
	return nil
}

// SaveRole creates or replaces a role on behalf of actor. The repository write
// and the graph swap succeed or fail together.
func (s *Service) SaveRole(ctx context.Context, actor rbac.Identity, role rbac.Role) (ValidationResult, error) {
	role.ID = strings.TrimSpace(role.ID)
	role.Name = strings.TrimSpace(role.Name)

	if err := s.authorizeRole(actor, role); err != nil {
		return ValidationResult{}, err
	}
	existing, exists := s.graph.Role(role.ID)

	result, err := s.ValidateRoleMutation(ctx, role)
	if err != nil {
		return ValidationResult{}, err
	}
	if err := s.CheckNameAvailable(ctx, role); err != nil {
		return ValidationResult{}, err
	}

	now := s.clock.Now().UTC()
	role.CreatedAt = now
	if exists {
		role.CreatedAt = existing.CreatedAt
	}
	role.UpdatedAt = now

	err = s.graph.AddOrUpdateRoleWith(role, func() error {
		// Writers are serialized here, so this sees the levels being replaced.
		if err := s.authorizeRole(actor, role); err != nil {
			return err
		}
		return s.repo.UpsertRole(ctx, role, NameKey(role.Name))
	})
	if err != nil {
		return ValidationResult{}, err
	}
	s.notify(ctx)
	s.logger.InfoContext(ctx, "role saved",
		slog.String("role_id", role.ID),
		slog.String("actor_id", actor.ID),
		slog.Bool("created", !exists),
		slog.Int("conflicts", len(result.Conflicts)))
	return result, nil
}

// DeleteRole removes a role nobody inherits from.
func (s *Service) DeleteRole(ctx context.Context, actor rbac.Identity, id string) error {
	existing, ok := s.graph.Role(id)
	if !ok {
		return fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, id)
	}
	if err := s.authorizeLevel(actor, existing.Level); err != nil {
		return err
	}
	err := s.graph.RemoveRoleWith(id, func() error {
		if current, ok := s.graph.Role(id); ok {
			if err := s.authorizeLevel(actor, current.Level); err != nil {
				return err
			}
		}
		return s.repo.DeleteRole(ctx, id)
	})
	if err != nil {
		return err
	}
	s.notify(ctx)
	s.logger.InfoContext(ctx, "role deleted", slog.String("role_id", id), slog.String("actor_id", actor.ID))
	return nil
}

// Refresh reloads every role from the repository and swaps the graph. A
// store that fails validation leaves the current graph in place.
func (s *Service) Refresh(ctx context.Context) error {
	roles, err := s.repo.LoadRoles(ctx)
	if err != nil {
		return err
	}
	if err := s.graph.Replace(roles); err != nil {
		s.logger.ErrorContext(ctx, "role store rejected", slog.Any("error", err))
		return err
	}
	s.logger.DebugContext(ctx, "roles refreshed", slog.Int("count", len(roles)))
	return nil
}

// EffectivePermissions returns the role's permissions including inheritance.
func (s *Service) EffectivePermissions(_ context.Context, id string) (rbac.PermissionSet, error) {
	return s.graph.ResolveEffectivePermissions(id)
}
