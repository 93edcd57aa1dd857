package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/walletd/logical"
)

func addTestUser(t *testing.T, b *backend, ctx context.Context, userID, role string) {
	t.Helper()
	resp, err := b.HandleRequest(ctx, testRequest(logical.CreateOperation, "users", "alice", map[string]any{
		"user_id": userID,
		"role":    role,
	}))
	require.NoError(t, err)
	require.False(t, resp.IsError(), "add user failed: %v", resp.Error())
}

func TestUserAdd(t *testing.T) {
	b, _, ctx := newTestBackend(t)
	createTestWallet(t, b, ctx)

	resp, err := b.HandleRequest(ctx, testRequest(logical.CreateOperation, "users", "alice", map[string]any{
		"user_id": "bob",
		"role":    "user",
	}))
	require.NoError(t, err)
	require.False(t, resp.IsError(), "add failed: %v", resp.Error())

	assert.Equal(t, "bob", resp.Data["user_id"])
	assert.Equal(t, "user", resp.Data["role"])
	assert.NotEmpty(t, resp.Data["created_at"])
}

func TestUserAddDuplicate(t *testing.T) {
	b, storage, ctx := newTestBackend(t)
	createTestWallet(t, b, ctx)
	addTestUser(t, b, ctx, "bob", "user")

	before := storage.snapshot(storagePath)

	resp, err := b.HandleRequest(ctx, testRequest(logical.CreateOperation, "users", "alice", map[string]any{
		"user_id": "bob",
		"role":    "admin",
	}))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, 400, logical.GetErrorCode(resp.Error()))
	assert.Contains(t, resp.Error().Error(), "already exists")

	assert.Equal(t, before, storage.snapshot(storagePath))
}

func TestUserAddUnknownRole(t *testing.T) {
	b, _, ctx := newTestBackend(t)
	createTestWallet(t, b, ctx)

	resp, err := b.HandleRequest(ctx, testRequest(logical.CreateOperation, "users", "alice", map[string]any{
		"user_id": "bob",
		"role":    "superuser",
	}))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, 400, logical.GetErrorCode(resp.Error()))
}

func TestUserAddEmptyID(t *testing.T) {
	b, _, ctx := newTestBackend(t)
	createTestWallet(t, b, ctx)

	resp, err := b.HandleRequest(ctx, testRequest(logical.CreateOperation, "users", "alice", map[string]any{
		"role": "user",
	}))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, 400, logical.GetErrorCode(resp.Error()))
}

func TestUserRemoveRestoresMembership(t *testing.T) {
	b, storage, ctx := newTestBackend(t)
	createTestWallet(t, b, ctx)

	before := storage.snapshot(storagePath)

	addTestUser(t, b, ctx, "bob", "user")

	resp, err := b.HandleRequest(ctx, testRequest(logical.DeleteOperation, "users/bob", "alice", nil))
	require.NoError(t, err)
	require.False(t, resp.IsError())
	assert.Equal(t, true, resp.Data["removed"])

	// membership is back to the creator alone
	w, err := fetch(ctx, storage)
	require.NoError(t, err)
	require.Len(t, w.Users, 1)
	_, ok := w.User("alice")
	assert.True(t, ok)

	// the record differs from the original only in its revision
	assert.NotEqual(t, before, storage.snapshot(storagePath))
}

func TestUserRemoveAbsentIsBenign(t *testing.T) {
	b, storage, ctx := newTestBackend(t)
	createTestWallet(t, b, ctx)

	before := storage.snapshot(storagePath)
	puts := storage.putCount()

	resp, err := b.HandleRequest(ctx, testRequest(logical.DeleteOperation, "users/ghost", "alice", nil))
	require.NoError(t, err)
	require.False(t, resp.IsError())
	assert.Equal(t, false, resp.Data["removed"])
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "was not a member")

	// nothing was written
	assert.Equal(t, before, storage.snapshot(storagePath))
	assert.Equal(t, puts, storage.putCount())
}

func TestUserRemoveLastAdmin(t *testing.T) {
	b, storage, ctx := newTestBackend(t)
	createTestWallet(t, b, ctx)
	addTestUser(t, b, ctx, "bob", "user")

	before := storage.snapshot(storagePath)

	// alice is the only admin and cannot be removed, even by herself
	resp, err := b.HandleRequest(ctx, testRequest(logical.DeleteOperation, "users/alice", "alice", nil))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, 409, logical.GetErrorCode(resp.Error()))
	assert.Contains(t, resp.Error().Error(), "only admin")

	assert.Equal(t, before, storage.snapshot(storagePath))

	// with a second admin present the removal goes through
	addTestUser(t, b, ctx, "carol", "admin")
	resp, err = b.HandleRequest(ctx, testRequest(logical.DeleteOperation, "users/alice", "carol", nil))
	require.NoError(t, err)
	require.False(t, resp.IsError(), "remove failed: %v", resp.Error())
	assert.Equal(t, true, resp.Data["removed"])

	// carol is now the only admin and is protected in turn
	resp, err = b.HandleRequest(ctx, testRequest(logical.DeleteOperation, "users/carol", "carol", nil))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, 409, logical.GetErrorCode(resp.Error()))
}

func TestUserRead(t *testing.T) {
	b, _, ctx := newTestBackend(t)
	createTestWallet(t, b, ctx)
	addTestUser(t, b, ctx, "bob", "user")

	resp, err := b.HandleRequest(ctx, testRequest(logical.ReadOperation, "users/bob", "bob", nil))
	require.NoError(t, err)
	require.False(t, resp.IsError())
	assert.Equal(t, "bob", resp.Data["user_id"])
	assert.Equal(t, "user", resp.Data["role"])

	resp, err = b.HandleRequest(ctx, testRequest(logical.ReadOperation, "users/ghost", "bob", nil))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, 404, logical.GetErrorCode(resp.Error()))
}

func TestUserList(t *testing.T) {
	b, _, ctx := newTestBackend(t)
	createTestWallet(t, b, ctx)
	addTestUser(t, b, ctx, "carol", "admin")
	addTestUser(t, b, ctx, "bob", "user")

	resp, err := b.HandleRequest(ctx, testRequest(logical.ListOperation, "users", "bob", nil))
	require.NoError(t, err)
	require.False(t, resp.IsError())

	assert.Equal(t, []string{"alice", "bob", "carol"}, resp.Data["keys"])

	info, ok := resp.Data["user_info"].(map[string]any)
	require.True(t, ok)
	bob, ok := info["bob"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user", bob["role"])
}
