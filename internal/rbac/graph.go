package rbac

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Graph holds the role hierarchy as an immutable snapshot. Readers load the
// current snapshot without locking; writers build and validate a replacement
// and swap it in, so a rejected mutation never touches what readers see.
type Graph struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

type snapshot struct {
	roles     map[string]Role
	effective map[string]PermissionSet
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	g := &Graph{}
	g.current.Store(&snapshot{roles: map[string]Role{}, effective: map[string]PermissionSet{}})
	return g
}

// Replace validates the full role set and installs it.
func (g *Graph) Replace(roles []Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	next, err := buildSnapshot(roles)
	if err != nil {
		return err
	}
	g.current.Store(next)
	return nil
}

// AddOrUpdateRole inserts or replaces role after checking it introduces no cycle.
func (g *Graph) AddOrUpdateRole(role Role) error {
	return g.AddOrUpdateRoleWith(role, nil)
}

// AddOrUpdateRoleWith validates role against the current graph, runs commit
// (typically persistence) and only then swaps the new snapshot in. Other
// mutations wait until commit returns.
func (g *Graph) AddOrUpdateRoleWith(role Role, commit func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.current.Load()
	all := cur.list()
	if err := ValidateRoleMutation(role, all); err != nil {
		return err
	}
	replaced := false
	for i := range all {
		if all[i].ID == role.ID {
			all[i] = role
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, role)
	}
	next, err := buildSnapshot(all)
	if err != nil {
		return err
	}
	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}
	g.current.Store(next)
	return nil
}

// RemoveRole deletes a role no other role inherits from.
func (g *Graph) RemoveRole(id string) error {
	return g.RemoveRoleWith(id, nil)
}

// RemoveRoleWith is RemoveRole with a commit step run before the swap.
func (g *Graph) RemoveRoleWith(id string, commit func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.current.Load()
	if _, ok := cur.roles[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	all := make([]Role, 0, len(cur.roles))
	for _, r := range cur.list() {
		if r.ID == id {
			continue
		}
		for _, parent := range r.InheritsFrom {
			if parent == id {
				return fmt.Errorf("%w: %s inherits from %s", ErrRoleInUse, r.ID, id)
			}
		}
		all = append(all, r)
	}
	next, err := buildSnapshot(all)
	if err != nil {
		return err
	}
	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}
	g.current.Store(next)
	return nil
}

// Role returns a copy of the role with the given id.
func (g *Graph) Role(id string) (Role, bool) {
	r, ok := g.current.Load().roles[id]
	if !ok {
		return Role{}, false
	}
	return r.clone(), true
}

// Roles lists all roles, most senior first.
func (g *Graph) Roles() []Role {
	return g.current.Load().list()
}

// ResolveEffectivePermissions returns the union of the role's own entries and
// everything it inherits transitively.
func (g *Graph) ResolveEffectivePermissions(roleID string) (PermissionSet, error) {
	set, ok := g.current.Load().effective[roleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
	}
	return set.Clone(), nil
}

// ResolveIdentity unions the effective permissions of every listed role.
// Unknown role ids contribute nothing.
func (g *Graph) ResolveIdentity(roleIDs []string) PermissionSet {
	snap := g.current.Load()
	out := PermissionSet{}
	for _, id := range roleIDs {
		if set, ok := snap.effective[id]; ok {
			out.Union(set)
		}
	}
	return out
}

// GrantingRoles returns the identity's roles whose effective set holds level on module.
func (g *Graph) GrantingRoles(roleIDs []string, module Module, level Level) []Role {
	snap := g.current.Load()
	var out []Role
	for _, id := range roleIDs {
		if set, ok := snap.effective[id]; ok && set.Has(module, level) {
			out = append(out, snap.roles[id].clone())
		}
	}
	return out
}

// IdentityLevel returns the most senior level among the known roles.
func (g *Graph) IdentityLevel(roleIDs []string) (int, bool) {
	snap := g.current.Load()
	best, found := 0, false
	for _, id := range roleIDs {
		r, ok := snap.roles[id]
		if !ok {
			continue
		}
		if !found || r.Level < best {
			best, found = r.Level, true
		}
	}
	return best, found
}

// CanManageLevel reports whether a holder of userLevel may create, edit or
// assign a role at targetLevel. Peers and seniors are never manageable.
func CanManageLevel(userLevel, targetLevel int) bool {
	return userLevel < targetLevel
}

// ValidateRoleMutation checks that saving role into all keeps the inheritance
// relation acyclic and every parent resolvable. It does not modify anything.
func ValidateRoleMutation(role Role, all []Role) error {
	byID := make(map[string]Role, len(all)+1)
	for _, r := range all {
		byID[r.ID] = r
	}
	byID[role.ID] = role
	for _, parent := range role.InheritsFrom {
		if _, ok := byID[parent]; !ok {
			return fmt.Errorf("%w: %s inherits from %s", ErrUnknownParent, role.ID, parent)
		}
	}
	return walkAncestors(byID, role.ID)
}

// walkAncestors follows inheritsFrom edges from id and fails if id reappears.
func walkAncestors(byID map[string]Role, id string) error {
	cameFrom := map[string]string{}
	visited := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, parent := range byID[cur].InheritsFrom {
			if parent == id {
				return &CycleError{RoleID: id, Path: tracePath(cameFrom, id, cur)}
			}
			if visited[parent] {
				continue
			}
			visited[parent] = true
			cameFrom[parent] = cur
			stack = append(stack, parent)
		}
	}
	return nil
}

func tracePath(cameFrom map[string]string, root, last string) []string {
	path := []string{root}
	for node := last; node != root; node = cameFrom[node] {
		path = append(path, node)
	}
	// path is root, last, ..., child of root; flip the tail so it reads root -> ... -> root.
	tail := path[1:]
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	return append(path, root)
}

func buildSnapshot(roles []Role) (*snapshot, error) {
	byID := make(map[string]Role, len(roles))
	for _, r := range roles {
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRole, r.ID)
		}
		byID[r.ID] = r.clone()
	}
	for _, r := range byID {
		for _, parent := range r.InheritsFrom {
			if _, ok := byID[parent]; !ok {
				return nil, fmt.Errorf("%w: %s inherits from %s", ErrUnknownParent, r.ID, parent)
			}
		}
	}
	if err := detectCycle(byID); err != nil {
		return nil, err
	}
	effective := make(map[string]PermissionSet, len(byID))
	for id := range byID {
		effective[id] = resolve(byID, id)
	}
	return &snapshot{roles: byID, effective: effective}, nil
}

// detectCycle runs a three-colour DFS over the whole graph with an explicit stack.
func detectCycle(byID map[string]Role) error {
	const (
		white = iota
		grey
		black
	)
	type frame struct {
		id   string
		next int
	}
	colour := make(map[string]int, len(byID))
	for _, root := range sortedIDs(byID) {
		if colour[root] != white {
			continue
		}
		colour[root] = grey
		stack := []frame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			parents := byID[top.id].InheritsFrom
			if top.next >= len(parents) {
				colour[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			parent := parents[top.next]
			top.next++
			switch colour[parent] {
			case grey:
				path := []string{}
				for i := range stack {
					if stack[i].id == parent || len(path) > 0 {
						path = append(path, stack[i].id)
					}
				}
				return &CycleError{RoleID: parent, Path: append(path, parent)}
			case white:
				colour[parent] = grey
				stack = append(stack, frame{id: parent})
			}
		}
	}
	return nil
}

// resolve unions the direct entries of every role reachable from id.
func resolve(byID map[string]Role, id string) PermissionSet {
	set := PermissionSet{}
	visited := map[string]bool{id: true}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		role, ok := byID[cur]
		if !ok {
			continue
		}
		set.AddEntries(role.Permissions)
		for _, parent := range role.InheritsFrom {
			if !visited[parent] {
				visited[parent] = true
				stack = append(stack, parent)
			}
		}
	}
	return set
}

func (s *snapshot) list() []Role {
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedIDs(byID map[string]Role) []string {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
