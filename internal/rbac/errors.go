package rbac

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrRoleNotFound indicates the role id is not in the graph.
	ErrRoleNotFound = errors.New("rbac: role not found")
	// ErrUnknownParent indicates a role inherits from a role that does not exist.
	ErrUnknownParent = errors.New("rbac: inherited role does not exist")
	// ErrDuplicateRole indicates the same id was loaded twice.
	ErrDuplicateRole = errors.New("rbac: duplicate role id")
	// ErrHierarchyCycle indicates the inheritance relation would become cyclic.
	ErrHierarchyCycle = errors.New("rbac: role hierarchy cycle")
	// ErrRoleInUse indicates other roles still inherit from the role.
	ErrRoleInUse = errors.New("rbac: role is inherited by other roles")
	// ErrInvalidRole indicates structural validation failed.
	ErrInvalidRole = errors.New("rbac: invalid role")
	// ErrInvalidLevel indicates an unknown permission level.
	ErrInvalidLevel = errors.New("rbac: invalid permission level")
	// ErrInvalidAction indicates an action string that is not "<module>.<level>".
	ErrInvalidAction = errors.New("rbac: invalid action")
)

// CycleError describes the inheritance path that loops back on itself.
type CycleError struct {
	RoleID string
	Path   []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrHierarchyCycle.Error() + " at " + e.RoleID
	}
	return ErrHierarchyCycle.Error() + ": " + strings.Join(e.Path, " -> ")
}

// Unwrap lets errors.Is match ErrHierarchyCycle.
func (e *CycleError) Unwrap() error {
	return ErrHierarchyCycle
}

// ValidationError carries per-field messages from structural validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return ErrInvalidRole.Error() + ": " + strings.Join(parts, "; ")
}

// Unwrap lets errors.Is match ErrInvalidRole.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidRole
}
