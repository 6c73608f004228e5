package rbac

import (
	"fmt"
	"strings"
)

// HasPermission is a direct membership test; no level implies another.
func HasPermission(set PermissionSet, module Module, level Level) bool {
	return set.Has(module, level)
}

// ConflictRule names a consistency rule over one module's levels.
type ConflictRule string

const (
	// ConflictDeleteWithoutUpdate flags delete granted without update.
	ConflictDeleteWithoutUpdate ConflictRule = "delete_without_update"
	// ConflictManageIncomplete flags manage granted without create, update and delete.
	ConflictManageIncomplete ConflictRule = "manage_without_crud"
)

// Conflict is an advisory warning about an inconsistent permission combination.
// It is shown to administrators when a role is edited and never denies a request.
type Conflict struct {
	Module  Module       `json:"module"`
	Rule    ConflictRule `json:"rule"`
	Message string       `json:"message"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: %s", c.Module, c.Message)
}

// DetectConflicts applies the fixed rule set to every module in set.
func DetectConflicts(set PermissionSet) []Conflict {
	var out []Conflict
	for _, module := range set.Modules() {
		levels := set[module]
		if levels.Has(LevelDelete) && !levels.Has(LevelUpdate) {
			out = append(out, Conflict{
				Module:  module,
				Rule:    ConflictDeleteWithoutUpdate,
				Message: "delete is granted without update",
			})
		}
		if levels.Has(LevelManage) {
			var missing []string
			for _, l := range []Level{LevelCreate, LevelUpdate, LevelDelete} {
				if !levels.Has(l) {
					missing = append(missing, l.String())
				}
			}
			if len(missing) > 0 {
				out = append(out, Conflict{
					Module:  module,
					Rule:    ConflictManageIncomplete,
					Message: "manage is granted without " + strings.Join(missing, ", "),
				})
			}
		}
	}
	return out
}

// ParseAction splits "<module>.<level>" into its parts, e.g. "orders.update".
func ParseAction(action string) (Module, Level, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	idx := strings.LastIndex(action, ".")
	if idx <= 0 || idx == len(action)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	module := Module(action[:idx])
	if !validModuleName(string(module)) {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	level, err := ParseLevel(action[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	return module, level, nil
}
