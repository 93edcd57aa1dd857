package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stephnangue/walletd/logical"
)

func TestCore_Init(t *testing.T) {
	c := TestCore(t)
	ctx := context.Background()

	init, err := c.Initialized(ctx)
	require.NoError(t, err)
	require.False(t, init)

	result, err := c.Initialize(ctx, &InitParams{
		BarrierConfig: &SealConfig{
			SecretShares:    3,
			SecretThreshold: 2,
		},
	})
	require.NoError(t, err)
	require.Len(t, result.SecretShares, 3)
	require.Empty(t, result.RecoveryShares)

	init, err = c.Initialized(ctx)
	require.NoError(t, err)
	require.True(t, init)

	// Still sealed until keys are provided
	require.True(t, c.Sealed())

	// Re-initialization must be refused
	_, err = c.Initialize(ctx, &InitParams{
		BarrierConfig: &SealConfig{
			SecretShares:    1,
			SecretThreshold: 1,
		},
	})
	require.ErrorIs(t, err, ErrAlreadyInit)
}

func TestCore_Init_InvalidConfig(t *testing.T) {
	c := TestCore(t)

	_, err := c.Initialize(context.Background(), &InitParams{
		BarrierConfig: &SealConfig{
			SecretShares:    1,
			SecretThreshold: 2,
		},
	})
	require.Error(t, err)
}

func TestCore_Unseal_Threshold(t *testing.T) {
	c := TestCore(t)

	result, err := c.Initialize(context.Background(), &InitParams{
		BarrierConfig: &SealConfig{
			SecretShares:    3,
			SecretThreshold: 2,
		},
	})
	require.NoError(t, err)

	unsealed, err := c.Unseal(result.SecretShares[0])
	require.NoError(t, err)
	require.False(t, unsealed)

	progress, nonce := c.SecretProgress()
	require.Equal(t, 1, progress)
	require.NotEmpty(t, nonce)

	// A duplicate part must not advance the count
	unsealed, err = c.Unseal(result.SecretShares[0])
	require.NoError(t, err)
	require.False(t, unsealed)
	progress, _ = c.SecretProgress()
	require.Equal(t, 1, progress)

	unsealed, err = c.Unseal(result.SecretShares[2])
	require.NoError(t, err)
	require.True(t, unsealed)
	require.False(t, c.Sealed())

	// Progress resets once unsealed
	progress, nonce = c.SecretProgress()
	require.Equal(t, 0, progress)
	require.Empty(t, nonce)
}

func TestCore_Unseal_ResetProcess(t *testing.T) {
	c := TestCore(t)

	result, err := c.Initialize(context.Background(), &InitParams{
		BarrierConfig: &SealConfig{
			SecretShares:    3,
			SecretThreshold: 3,
		},
	})
	require.NoError(t, err)

	_, err = c.Unseal(result.SecretShares[0])
	require.NoError(t, err)
	_, err = c.Unseal(result.SecretShares[1])
	require.NoError(t, err)

	c.ResetUnsealProcess()
	progress, _ := c.SecretProgress()
	require.Equal(t, 0, progress)
	require.True(t, c.Sealed())
}

func TestCore_Unseal_NotInitialized(t *testing.T) {
	c := TestCore(t)

	key := make([]byte, 32)
	_, err := c.Unseal(key)
	require.ErrorIs(t, err, ErrNotInit)
}

func TestCore_SealLifecycle(t *testing.T) {
	c, keys := TestCoreUnsealed(t)

	require.NoError(t, c.Seal())
	require.True(t, c.Sealed())

	// The same keys unseal again and the mounts come back
	for _, key := range keys {
		_, err := TestCoreUnseal(c, key)
		require.NoError(t, err)
	}
	require.False(t, c.Sealed())

	ctx := context.Background()
	require.Equal(t, mountPathWallet, c.router.MatchingMount(ctx, "wallet/keys"))
	require.Equal(t, mountPathSystem, c.router.MatchingMount(ctx, "sys/health"))

	// Sealing twice is a no-op
	require.NoError(t, c.Seal())
	require.NoError(t, c.Seal())
}

func TestCore_AutoSeal(t *testing.T) {
	c := TestCoreWithSeal(t, NewTestSeal(t))
	ctx := context.Background()

	result, err := c.Initialize(ctx, &InitParams{
		BarrierConfig: &SealConfig{
			SecretShares:    1,
			SecretThreshold: 1,
		},
		RecoveryConfig: &SealConfig{
			SecretShares:    2,
			SecretThreshold: 2,
		},
	})
	require.NoError(t, err)
	require.Len(t, result.RecoveryShares, 2)

	require.NoError(t, c.UnsealWithStoredKeys(ctx))
	require.False(t, c.Sealed())

	// Seal and unseal again with the recovery keys this time
	require.NoError(t, c.Seal())
	for _, key := range result.RecoveryShares {
		_, err := c.Unseal(key)
		require.NoError(t, err)
	}
	require.False(t, c.Sealed())
}

func TestCore_AutoSeal_RequiresRecoveryConfig(t *testing.T) {
	c := TestCoreWithSeal(t, NewTestSeal(t))

	_, err := c.Initialize(context.Background(), &InitParams{
		BarrierConfig: &SealConfig{
			SecretShares:    1,
			SecretThreshold: 1,
		},
	})
	require.Error(t, err)
}

func TestSeal_GetAccess(t *testing.T) {
	ctx := context.Background()

	s := NewTestSeal(t)
	access := s.GetAccess()
	require.NotNil(t, access)

	// The access handed back must be the live wrapper, not a copy
	ct, err := access.Encrypt(ctx, []byte("roundtrip"), nil)
	require.NoError(t, err)
	pt, err := s.GetAccess().Decrypt(ctx, ct, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("roundtrip"), pt)
}

func TestCore_HandleRequest_Sealed(t *testing.T) {
	c := TestCore(t)

	_, err := c.HandleRequest(context.Background(), &logical.Request{
		Operation: logical.ReadOperation,
		Path:      "wallet/",
	})
	require.Error(t, err)

	coded, ok := err.(*logical.CodedError)
	require.True(t, ok)
	require.Equal(t, 503, coded.Status)
}

func TestCore_HandleRequest_UnknownPath(t *testing.T) {
	c, _ := TestCoreUnsealed(t)

	_, err := c.HandleRequest(context.Background(), &logical.Request{
		Operation: logical.ReadOperation,
		Path:      "nosuchmount/thing",
		ClientUser: "alice",
	})
	require.Error(t, err)

	coded, ok := err.(*logical.CodedError)
	require.True(t, ok)
	require.Equal(t, 404, coded.Status)
}

func TestCore_HandleRequest_Wallet(t *testing.T) {
	c, _ := TestCoreUnsealed(t)
	ctx := context.Background()

	resp, err := c.HandleRequest(ctx, &logical.Request{
		Operation:  logical.CreateOperation,
		Path:       "wallet/",
		ClientUser: "alice",
		Data: map[string]any{
			"name": "team wallet",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.False(t, resp.IsError(), "unexpected error response: %v", resp.Err)

	resp, err = c.HandleRequest(ctx, &logical.Request{
		Operation:  logical.ReadOperation,
		Path:       "wallet/",
		ClientUser: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, "team wallet", resp.Data["name"])
}

func TestCore_HandleRequest_PathRestored(t *testing.T) {
	c, _ := TestCoreUnsealed(t)

	req := &logical.Request{
		Operation:  logical.ReadOperation,
		Path:       "sys/health",
		ClientUser: "alice",
	}
	_, err := c.HandleRequest(context.Background(), req)
	require.NoError(t, err)

	// The router trims the mount prefix for the backend but must restore
	// the original path afterwards.
	require.Equal(t, "sys/health", req.Path)
	require.Equal(t, mountPathSystem, req.MountPoint)
	require.Equal(t, mountTypeSystem, req.MountType)
}
