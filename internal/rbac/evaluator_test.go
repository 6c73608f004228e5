package rbac

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasPermissionIsDirectMembership(t *testing.T) {
	set := PermissionSet{}
	set.Grant(ModuleProducts, LevelManage)

	assert.True(t, HasPermission(set, ModuleProducts, LevelManage))
	assert.False(t, HasPermission(set, ModuleProducts, LevelRead), "manage must not imply read")
	assert.False(t, HasPermission(set, ModuleOrders, LevelManage))
}

func TestDetectConflicts(t *testing.T) {
	tests := []struct {
		name   string
		levels []Level
		rules  []ConflictRule
	}{
		{name: "delete without update", levels: []Level{LevelRead, LevelDelete}, rules: []ConflictRule{ConflictDeleteWithoutUpdate}},
		{name: "delete with update", levels: []Level{LevelUpdate, LevelDelete}},
		{name: "manage complete", levels: []Level{LevelCreate, LevelUpdate, LevelDelete, LevelManage}},
		{name: "manage alone", levels: []Level{LevelManage}, rules: []ConflictRule{ConflictManageIncomplete}},
		{name: "manage with delete only", levels: []Level{LevelDelete, LevelManage}, rules: []ConflictRule{ConflictDeleteWithoutUpdate, ConflictManageIncomplete}},
		{name: "read only", levels: []Level{LevelRead}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			set := PermissionSet{}
			set.Grant(ModuleOrders, tc.levels...)
			conflicts := DetectConflicts(set)
			rules := make([]ConflictRule, 0, len(conflicts))
			for _, c := range conflicts {
				assert.Equal(t, ModuleOrders, c.Module)
				rules = append(rules, c.Rule)
			}
			if len(tc.rules) == 0 {
				assert.Empty(t, rules)
				return
			}
			assert.Equal(t, tc.rules, rules)
		})
	}
}

func TestDetectConflictsMessageNamesMissingLevels(t *testing.T) {
	set := PermissionSet{}
	set.Grant(ModuleSecurity, LevelManage, LevelUpdate)
	conflicts := DetectConflicts(set)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "manage is granted without create, delete", conflicts[0].Message)
}

func TestParseAction(t *testing.T) {
	module, level, err := ParseAction("orders.update")
	require.NoError(t, err)
	assert.Equal(t, ModuleOrders, module)
	assert.Equal(t, LevelUpdate, level)

	module, level, err = ParseAction(" Security.MANAGE ")
	require.NoError(t, err)
	assert.Equal(t, ModuleSecurity, module)
	assert.Equal(t, LevelManage, level)

	for _, bad := range []string{"", "orders", "orders.", ".read", "orders.approve", "Or ders.read"} {
		_, _, err := ParseAction(bad)
		assert.ErrorIs(t, err, ErrInvalidAction, bad)
	}
}

func TestLevelJSON(t *testing.T) {
	var e PermissionEntry
	require.NoError(t, json.Unmarshal([]byte(`{"module":"orders","levels":["read","delete"]}`), &e))
	assert.Equal(t, []Level{LevelRead, LevelDelete}, e.Levels)

	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"module":"orders","levels":["read","delete"]}`, string(out))

	require.Error(t, json.Unmarshal([]byte(`{"module":"orders","levels":["approve"]}`), &e))
}
