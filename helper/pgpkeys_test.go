package helper

import (
	"bytes"
	"encoding/base64"
	"io"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPGPKey(t *testing.T) (*openpgp.Entity, string) {
	t.Helper()
	entity, err := openpgp.NewEntity("test", "", "test@example.com", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, entity.Serialize(&buf))
	return entity, base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestEncryptPGPShares(t *testing.T) {
	entity, pubKey := testPGPKey(t)
	shares := [][]byte{[]byte("share-one"), []byte("share-two")}

	fingerprints, encrypted, err := EncryptPGPShares(shares, []string{pubKey, pubKey})
	require.NoError(t, err)
	require.Len(t, fingerprints, 2)
	require.Len(t, encrypted, 2)

	for i, ct := range encrypted {
		md, err := openpgp.ReadMessage(bytes.NewReader(ct), openpgp.EntityList{entity}, nil, nil)
		require.NoError(t, err)
		plaintext, err := io.ReadAll(md.UnverifiedBody)
		require.NoError(t, err)
		assert.Equal(t, shares[i], plaintext)
	}
}

func TestEncryptPGPSharesCountMismatch(t *testing.T) {
	_, pubKey := testPGPKey(t)
	_, _, err := EncryptPGPShares([][]byte{[]byte("share")}, []string{pubKey, pubKey})
	require.Error(t, err)
}

func TestGetPGPEntitiesRejectsGarbage(t *testing.T) {
	_, err := GetPGPEntities([]string{"not-base64!!"})
	require.Error(t, err)

	_, err = GetPGPEntities([]string{base64.StdEncoding.EncodeToString([]byte("not a key"))})
	require.Error(t, err)
}
