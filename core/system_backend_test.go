package core

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stephnangue/walletd/logical"
)

func TestSystemBackend_SealStatus(t *testing.T) {
	c, _ := TestCoreUnsealed(t)

	resp, err := c.HandleRequest(context.Background(), &logical.Request{
		Operation: logical.ReadOperation,
		Path:      "sys/seal-status",
	})
	require.NoError(t, err)
	require.False(t, resp.IsError())

	require.Equal(t, true, resp.Data["initialized"])
	require.Equal(t, false, resp.Data["sealed"])
	require.Equal(t, "shamir", resp.Data["type"])
	require.Equal(t, 3, resp.Data["t"])
	require.Equal(t, 3, resp.Data["n"])
	require.Equal(t, false, resp.Data["recovery_seal"])
	require.Equal(t, "inmem", resp.Data["storage_type"])
}

func TestSystemBackend_Health(t *testing.T) {
	c, _ := TestCoreUnsealed(t)

	resp, err := c.HandleRequest(context.Background(), &logical.Request{
		Operation: logical.ReadOperation,
		Path:      "sys/health",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, resp.Data["initialized"])
	require.Equal(t, false, resp.Data["sealed"])
	require.Equal(t, false, resp.Data["standby"])
}

func TestSystemBackend_Mounts(t *testing.T) {
	c, _ := TestCoreUnsealed(t)

	resp, err := c.HandleRequest(context.Background(), &logical.Request{
		Operation:  logical.ReadOperation,
		Path:       "sys/mounts",
		ClientUser: "alice",
	})
	require.NoError(t, err)
	require.Contains(t, resp.Data, mountPathSystem)
	require.Contains(t, resp.Data, mountPathWallet)

	walletMount := resp.Data[mountPathWallet].(map[string]any)
	require.Equal(t, mountTypeWallet, walletMount["type"])
	require.NotEmpty(t, walletMount["accessor"])
}

func TestSystemBackend_AuditCRUD(t *testing.T) {
	c, _ := TestCoreUnsealed(t)
	ctx := context.Background()

	// The default device is listed
	resp, err := c.HandleRequest(ctx, &logical.Request{
		Operation:  logical.ReadOperation,
		Path:       "sys/audit",
		ClientUser: "alice",
	})
	require.NoError(t, err)
	require.Contains(t, resp.Data, "file/")

	// Enable a second device
	resp, err = c.HandleRequest(ctx, &logical.Request{
		Operation:  logical.CreateOperation,
		Path:       "sys/audit/secondary",
		ClientUser: "alice",
		Data: map[string]any{
			"type":        "file",
			"description": "secondary device",
			"options": map[string]any{
				"file_path": t.TempDir() + "/audit.log",
			},
		},
	})
	require.NoError(t, err)
	require.False(t, resp.IsError(), "unexpected error response: %v", resp.Err)

	resp, err = c.HandleRequest(ctx, &logical.Request{
		Operation:  logical.ReadOperation,
		Path:       "sys/audit",
		ClientUser: "alice",
	})
	require.NoError(t, err)
	require.Contains(t, resp.Data, "secondary/")

	// Missing type is refused
	resp, err = c.HandleRequest(ctx, &logical.Request{
		Operation:  logical.CreateOperation,
		Path:       "sys/audit/broken",
		ClientUser: "alice",
	})
	require.NoError(t, err)
	require.True(t, resp.IsError())

	// Disable it again
	resp, err = c.HandleRequest(ctx, &logical.Request{
		Operation:  logical.DeleteOperation,
		Path:       "sys/audit/secondary",
		ClientUser: "alice",
	})
	require.NoError(t, err)
	require.False(t, resp.IsError())

	// Disabling a device that does not exist is a 404
	resp, err = c.HandleRequest(ctx, &logical.Request{
		Operation:  logical.DeleteOperation,
		Path:       "sys/audit/secondary",
		ClientUser: "alice",
	})
	require.NoError(t, err)
	require.True(t, resp.IsError())
}

func TestSystemBackend_StorageInfo(t *testing.T) {
	c, _ := TestCoreUnsealed(t)

	resp, err := c.HandleRequest(context.Background(), &logical.Request{
		Operation:  logical.ReadOperation,
		Path:       "sys/storage/info",
		ClientUser: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, "inmem", resp.Data["storage_type"])
	require.Equal(t, false, resp.Data["ha_enabled"])
}

func TestSystemBackend_Seal(t *testing.T) {
	c, _ := TestCoreUnsealed(t)

	resp, err := c.HandleRequest(context.Background(), &logical.Request{
		Operation:  logical.UpdateOperation,
		Path:       "sys/seal",
		ClientUser: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The seal happens asynchronously after the response is written
	require.Eventually(t, c.Sealed, 5*time.Second, 10*time.Millisecond)
}
