package rbac

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func role(id string, level int, parents []string, entries ...PermissionEntry) Role {
	return Role{ID: id, Name: id, Level: level, InheritsFrom: parents, Permissions: entries}
}

func entry(module Module, levels ...Level) PermissionEntry {
	return PermissionEntry{Module: module, Levels: levels}
}

func TestAddOrUpdateRoleRejectsTwoRoleCycle(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Replace([]Role{
		role("a", 10, nil, entry(ModuleOrders, LevelRead)),
		role("b", 20, []string{"a"}, entry(ModuleProducts, LevelRead)),
	}))
	before := g.Roles()

	err := g.AddOrUpdateRole(role("a", 10, []string{"b"}, entry(ModuleOrders, LevelRead)))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrHierarchyCycle)

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "b", "a"}, cycle.Path)
	assert.Equal(t, before, g.Roles(), "graph must be unchanged after a rejected mutation")

	a, ok := g.Role("a")
	require.True(t, ok)
	assert.Empty(t, a.InheritsFrom)
}

func TestAddOrUpdateRoleRejectsLongCycleAndSelfInheritance(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Replace([]Role{
		role("a", 1, nil),
		role("b", 2, []string{"a"}),
		role("c", 3, []string{"b"}),
		role("d", 4, []string{"c"}),
	}))

	err := g.AddOrUpdateRole(role("a", 1, []string{"d"}))
	require.ErrorIs(t, err, ErrHierarchyCycle)
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "d", "c", "b", "a"}, cycle.Path)

	err = g.AddOrUpdateRole(role("e", 5, []string{"e"}))
	require.ErrorIs(t, err, ErrHierarchyCycle)
	_, ok := g.Role("e")
	assert.False(t, ok)
}

func TestAddOrUpdateRoleRejectsUnknownParent(t *testing.T) {
	g := NewGraph()
	err := g.AddOrUpdateRole(role("staff", 30, []string{"ghost"}))
	require.ErrorIs(t, err, ErrUnknownParent)
	assert.Empty(t, g.Roles())
}

func TestReplaceRejectsCycleAndKeepsPreviousSnapshot(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Replace([]Role{role("admin", 1, nil, entry(ModuleRoles, LevelManage))}))

	err := g.Replace([]Role{
		role("x", 1, []string{"y"}),
		role("y", 2, []string{"z"}),
		role("z", 3, []string{"x"}),
	})
	require.ErrorIs(t, err, ErrHierarchyCycle)

	roles := g.Roles()
	require.Len(t, roles, 1)
	assert.Equal(t, "admin", roles[0].ID)
}

func TestReplaceRejectsDuplicateIDs(t *testing.T) {
	g := NewGraph()
	err := g.Replace([]Role{role("a", 1, nil), role("a", 2, nil)})
	require.ErrorIs(t, err, ErrDuplicateRole)
}

func TestAddOrUpdateRoleWithCommitFailureLeavesGraph(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Replace([]Role{role("a", 1, nil)}))

	err := g.AddOrUpdateRoleWith(role("b", 2, []string{"a"}), func() error {
		return fmt.Errorf("disk full")
	})
	require.EqualError(t, err, "disk full")
	_, ok := g.Role("b")
	assert.False(t, ok)

	committed := false
	require.NoError(t, g.AddOrUpdateRoleWith(role("b", 2, []string{"a"}), func() error {
		committed = true
		return nil
	}))
	assert.True(t, committed)
	_, ok = g.Role("b")
	assert.True(t, ok)
}

func TestCommitNotCalledForCyclicMutation(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Replace([]Role{role("a", 1, nil), role("b", 2, []string{"a"})}))
	called := false
	err := g.AddOrUpdateRoleWith(role("a", 1, []string{"b"}), func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrHierarchyCycle)
	assert.False(t, called)
}

func TestResolveEffectivePermissionsIsSupersetOfAncestors(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Replace([]Role{
		role("viewer", 40, nil, entry(ModuleProducts, LevelRead), entry(ModuleOrders, LevelRead)),
		role("support", 30, []string{"viewer"}, entry(ModuleCustomers, LevelRead, LevelUpdate)),
		role("catalog", 30, []string{"viewer"}, entry(ModuleProducts, LevelCreate, LevelUpdate)),
		role("manager", 10, []string{"support", "catalog"}, entry(ModuleAnalytics, LevelRead)),
	}))

	for _, r := range g.Roles() {
		eff, err := g.ResolveEffectivePermissions(r.ID)
		require.NoError(t, err)
		direct := PermissionSetOf(r.Permissions)
		for module, levels := range direct {
			for _, l := range levels.Levels() {
				assert.True(t, eff.Has(module, l), "%s lost direct %s.%s", r.ID, module, l)
			}
		}
		for _, parent := range r.InheritsFrom {
			parentSet, err := g.ResolveEffectivePermissions(parent)
			require.NoError(t, err)
			for module, levels := range parentSet {
				for _, l := range levels.Levels() {
					assert.True(t, eff.Has(module, l), "%s lost inherited %s.%s from %s", r.ID, module, l, parent)
				}
			}
		}
	}

	eff, err := g.ResolveEffectivePermissions("manager")
	require.NoError(t, err)
	assert.Equal(t, NewLevelSet(LevelRead, LevelCreate, LevelUpdate), eff[ModuleProducts])
	assert.True(t, eff.Has(ModuleCustomers, LevelUpdate))
	assert.False(t, eff.Has(ModuleOrders, LevelDelete))

	_, err = g.ResolveEffectivePermissions("nobody")
	require.ErrorIs(t, err, ErrRoleNotFound)
}

func TestResolveEffectivePermissionsDeepChain(t *testing.T) {
	const depth = 2000
	roles := make([]Role, 0, depth)
	for i := 0; i < depth; i++ {
		var parents []string
		if i > 0 {
			parents = []string{fmt.Sprintf("r%d", i-1)}
		}
		roles = append(roles, role(fmt.Sprintf("r%d", i), i, parents, entry(Module(fmt.Sprintf("m%d", i%7)), LevelRead)))
	}
	g := NewGraph()
	require.NoError(t, g.Replace(roles))

	eff, err := g.ResolveEffectivePermissions(fmt.Sprintf("r%d", depth-1))
	require.NoError(t, err)
	assert.Len(t, eff.Modules(), 7)
}

func TestResolveEffectivePermissionsReturnsCopy(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Replace([]Role{role("a", 1, nil, entry(ModuleOrders, LevelRead))}))
	eff, err := g.ResolveEffectivePermissions("a")
	require.NoError(t, err)
	eff.Grant(ModuleOrders, LevelDelete)

	again, err := g.ResolveEffectivePermissions("a")
	require.NoError(t, err)
	assert.False(t, again.Has(ModuleOrders, LevelDelete))
}

func TestRemoveRole(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Replace([]Role{role("a", 1, nil), role("b", 2, []string{"a"})}))

	require.ErrorIs(t, g.RemoveRole("a"), ErrRoleInUse)
	require.ErrorIs(t, g.RemoveRole("zzz"), ErrRoleNotFound)
	require.NoError(t, g.RemoveRole("b"))
	require.NoError(t, g.RemoveRole("a"))
	assert.Empty(t, g.Roles())
}

func TestCanManageLevelIsStrict(t *testing.T) {
	assert.False(t, CanManageLevel(10, 10))
	assert.True(t, CanManageLevel(10, 11))
	assert.False(t, CanManageLevel(10, 9))
}

func TestIdentityLevelAndGrantingRoles(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Replace([]Role{
		role("staff", 30, nil, entry(ModuleOrders, LevelRead)),
		role("manager", 10, []string{"staff"}, entry(ModuleOrders, LevelUpdate)),
	}))

	level, ok := g.IdentityLevel([]string{"staff", "manager", "unknown"})
	require.True(t, ok)
	assert.Equal(t, 10, level)

	_, ok = g.IdentityLevel([]string{"unknown"})
	assert.False(t, ok)

	granting := g.GrantingRoles([]string{"staff", "manager"}, ModuleOrders, LevelRead)
	require.Len(t, granting, 2)
	granting = g.GrantingRoles([]string{"staff", "manager"}, ModuleOrders, LevelUpdate)
	require.Len(t, granting, 1)
	assert.Equal(t, "manager", granting[0].ID)

	set := g.ResolveIdentity([]string{"staff"})
	assert.True(t, set.Has(ModuleOrders, LevelRead))
	assert.False(t, set.Has(ModuleOrders, LevelUpdate))
}

func TestValidateRoleMutationIsPure(t *testing.T) {
	all := []Role{role("a", 1, nil), role("b", 2, []string{"a"})}
	err := ValidateRoleMutation(role("a", 1, []string{"b"}), all)
	require.ErrorIs(t, err, ErrHierarchyCycle)
	assert.Empty(t, all[0].InheritsFrom)

	require.NoError(t, ValidateRoleMutation(role("c", 3, []string{"a", "b"}), all))
}
