package authorize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	role, err := ParseRole("admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)

	role, err = ParseRole("user")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, role)

	for _, bad := range []string{"", "Admin", "USER", "root", "operator"} {
		_, err := ParseRole(bad)
		require.ErrorIs(t, err, ErrUnknownRole, "role %q", bad)
	}
}

func TestRoleSatisfies(t *testing.T) {
	assert.True(t, RoleAdmin.Satisfies(RoleAdmin))
	assert.True(t, RoleAdmin.Satisfies(RoleUser))
	assert.True(t, RoleUser.Satisfies(RoleUser))
	assert.False(t, RoleUser.Satisfies(RoleAdmin))
}

func TestPolicyMutationsRequireAdmin(t *testing.T) {
	policy := DefaultPolicy()

	mutations := []Op{OpAddUser, OpRemoveUser, OpGenerateKey, OpImportKey, OpRemoveKey}
	for _, op := range mutations {
		assert.True(t, policy.IsAllowed(RoleAdmin, op), "admin should perform %s", op)
		assert.False(t, policy.IsAllowed(RoleUser, op), "user should not perform %s", op)
	}
}

func TestPolicyQueriesAllowAnyUser(t *testing.T) {
	policy := DefaultPolicy()

	queries := []Op{OpReadUser, OpListUsers, OpReadKey, OpListKeys, OpSignToken, OpVerifyToken, OpReadWallet}
	for _, op := range queries {
		assert.True(t, policy.IsAllowed(RoleAdmin, op), "admin should perform %s", op)
		assert.True(t, policy.IsAllowed(RoleUser, op), "user should perform %s", op)
	}
}

func TestPolicyDeniesUnknownOperation(t *testing.T) {
	policy := DefaultPolicy()

	assert.False(t, policy.IsAllowed(RoleAdmin, Op("rotate-root")))

	_, ok := policy.RequiredRole(Op("rotate-root"))
	assert.False(t, ok)
}

func TestPolicyDeniesUnknownRole(t *testing.T) {
	policy := DefaultPolicy()
	assert.False(t, policy.IsAllowed(Role("auditor"), OpListKeys))
}
