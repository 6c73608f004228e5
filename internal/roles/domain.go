package roles

import (
	"errors"

	"github.com/odyssey-erp/accessgate/internal/rbac"
)

var (
	// ErrNameTaken indicates another role already uses the (case-folded) name.
	ErrNameTaken = errors.New("roles: name already taken")
	// ErrLevelNotPermitted indicates the actor does not strictly outrank the role.
	ErrLevelNotPermitted = errors.New("roles: actor level does not permit this change")
	// ErrPermissionNotHeld indicates the role would grant a permission the actor lacks.
	ErrPermissionNotHeld = errors.New("roles: actor does not hold a granted permission")
	// ErrIDMismatch indicates the body id differs from the path id.
	ErrIDMismatch = errors.New("roles: id mismatch")
)

// ValidationResult is returned by role validation. Conflicts are advisory and
// never block a save.
type ValidationResult struct {
	Conflicts []rbac.Conflict    `json:"conflicts"`
	Effective rbac.PermissionSet `json:"-"`
}

// EffectiveEntries renders Effective for JSON responses.
func (v ValidationResult) EffectiveEntries() []rbac.PermissionEntry {
	return v.Effective.Entries()
}
