package wallet

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/walletd/codec"
	"github.com/stephnangue/walletd/provider"
)

func TestSignRespectsUsages(t *testing.T) {
	p := provider.NewLocal()
	w := newWallet("test", "alice")

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	// private material imported verify-only: the handle could sign, the
	// record forbids it
	rec, err := w.ImportKey(p, "", "pkcs8", codec.EncodeKeyData(der), "ECDSA", false, []string{"verify"}, "alice")
	require.NoError(t, err)

	_, err = w.Sign(p, rec.KeyID, []byte("data"))
	assert.ErrorIs(t, err, ErrKeyUsage)

	// verify stays available
	ok, err := w.VerifySignature(p, rec.KeyID, []byte("data"), make([]byte, 64))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRespectsUsages(t *testing.T) {
	p := provider.NewLocal()
	w := newWallet("test", "alice")

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	rec, err := w.ImportKey(p, "", "pkcs8", codec.EncodeKeyData(der), "ECDSA", false, []string{"sign"}, "alice")
	require.NoError(t, err)

	sig, err := w.Sign(p, rec.KeyID, []byte("data"))
	require.NoError(t, err)

	_, err = w.VerifySignature(p, rec.KeyID, []byte("data"), sig)
	assert.ErrorIs(t, err, ErrKeyUsage)
}

func TestGenerateKeyIDsAreFresh(t *testing.T) {
	p := provider.NewLocal()
	w := newWallet("test", "alice")

	seen := make(map[string]bool)
	for i := 0; i < 8; i++ {
		rec, err := w.GenerateKey(p, "", "Ed25519", false, "alice")
		require.NoError(t, err)
		require.False(t, seen[rec.KeyID], "key id %q repeated", rec.KeyID)
		seen[rec.KeyID] = true
	}
	assert.Len(t, w.Keys, 8)
}

func TestListKeysOrdering(t *testing.T) {
	p := provider.NewLocal()
	w := newWallet("test", "alice")

	for i := 0; i < 5; i++ {
		owner := "alice"
		if i%2 == 1 {
			owner = "bob"
		}
		_, err := w.GenerateKey(p, "", "Ed25519", false, owner)
		require.NoError(t, err)
	}

	all := w.ListKeys("")
	require.Len(t, all, 5)
	assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool {
		return all[i].KeyID < all[j].KeyID
	}))

	bobs := w.ListKeys("bob")
	require.Len(t, bobs, 2)
	for _, rec := range bobs {
		assert.Equal(t, "bob", rec.Owner)
	}
}

func TestRemoveKeyReportsPresence(t *testing.T) {
	p := provider.NewLocal()
	w := newWallet("test", "alice")

	rec, err := w.GenerateKey(p, "", "Ed25519", false, "alice")
	require.NoError(t, err)

	assert.False(t, w.RemoveKey("no-such-key"))
	assert.True(t, w.RemoveKey(rec.KeyID))
	assert.False(t, w.RemoveKey(rec.KeyID))
	assert.Empty(t, w.Keys)
}

func TestKeyMetadataOmitsHandle(t *testing.T) {
	p := provider.NewLocal()
	w := newWallet("test", "alice")

	rec, err := w.GenerateKey(p, "pay signer", "ECDSA", true, "alice")
	require.NoError(t, err)

	md := rec.Metadata()
	assert.Equal(t, rec.KeyID, md["key_id"])
	assert.Equal(t, "pay signer", md["description"])
	assert.Equal(t, "ECDSA", md["algorithm"])
	assert.Equal(t, true, md["extractable"])
	_, leaked := md["handle"]
	assert.False(t, leaked)
}
