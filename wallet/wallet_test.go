package wallet

import (
	"context"
	"testing"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAbsentWallet(t *testing.T) {
	storage := newInmemStorage()
	ctx := context.Background()

	w, err := load(ctx, storage)
	require.NoError(t, err)
	assert.Nil(t, w)

	_, err = fetch(ctx, storage)
	assert.ErrorIs(t, err, ErrNotCreated)
}

func TestSaveBumpsRevision(t *testing.T) {
	storage := newInmemStorage()
	ctx := context.Background()

	w := newWallet("acme", "alice")
	assert.EqualValues(t, 0, w.Revision)

	require.NoError(t, w.save(ctx, storage))
	assert.EqualValues(t, 1, w.Revision)

	require.NoError(t, w.save(ctx, storage))
	assert.EqualValues(t, 2, w.Revision)

	loaded, err := fetch(ctx, storage)
	require.NoError(t, err)
	assert.EqualValues(t, 2, loaded.Revision)
	assert.Equal(t, "acme", loaded.Name)
}

func TestLoadRoundTrip(t *testing.T) {
	storage := newInmemStorage()
	ctx := context.Background()

	w := newWallet("acme", "alice")
	_, err := w.AddUser("bob", "user")
	require.NoError(t, err)
	require.NoError(t, w.save(ctx, storage))

	loaded, err := fetch(ctx, storage)
	require.NoError(t, err)
	assert.Equal(t, formatVersion, loaded.Version)
	assert.Equal(t, w.CreatedAt.Unix(), loaded.CreatedAt.Unix())
	require.Len(t, loaded.Users, 2)

	rec, ok := loaded.User("alice")
	require.True(t, ok)
	assert.Equal(t, "admin", string(rec.Role))
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	storage := newInmemStorage()
	ctx := context.Background()

	entry, err := sdklogical.StorageEntryJSON(storagePath, map[string]any{
		"version": formatVersion + 1,
		"name":    "from the future",
	})
	require.NoError(t, err)
	require.NoError(t, storage.Put(ctx, entry))

	_, err = load(ctx, storage)
	assert.ErrorIs(t, err, ErrFutureVersion)
}

func TestLoadRejectsCorruptRecord(t *testing.T) {
	storage := newInmemStorage()
	ctx := context.Background()

	require.NoError(t, storage.Put(ctx, &sdklogical.StorageEntry{
		Key:   storagePath,
		Value: []byte("not json"),
	}))

	_, err := load(ctx, storage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestLoadToleratesMissingMaps(t *testing.T) {
	storage := newInmemStorage()
	ctx := context.Background()

	entry, err := sdklogical.StorageEntryJSON(storagePath, map[string]any{
		"version": formatVersion,
		"name":    "sparse",
	})
	require.NoError(t, err)
	require.NoError(t, storage.Put(ctx, entry))

	w, err := load(ctx, storage)
	require.NoError(t, err)
	assert.NotNil(t, w.Keys)
	assert.NotNil(t, w.Users)
}
