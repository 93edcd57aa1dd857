package helper

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// GetPGPEntities parses a list of base64-encoded binary PGP public keys.
func GetPGPEntities(pgpKeys []string) ([]*openpgp.Entity, error) {
	entities := make([]*openpgp.Entity, 0, len(pgpKeys))
	for i, keyStr := range pgpKeys {
		data, err := base64.StdEncoding.DecodeString(keyStr)
		if err != nil {
			return nil, fmt.Errorf("pgp key %d is not base64 encoded: %w", i+1, err)
		}
		entity, err := openpgp.ReadEntity(packet.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("pgp key %d could not be parsed: %w", i+1, err)
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// EncryptPGPShares encrypts each share with the corresponding PGP key,
// pairwise. It returns the key fingerprints and the encrypted shares in the
// same order. len(shares) must equal len(pgpKeys).
func EncryptPGPShares(shares [][]byte, pgpKeys []string) ([]string, [][]byte, error) {
	if len(shares) != len(pgpKeys) {
		return nil, nil, fmt.Errorf("mismatch between number of shares %d and pgp keys %d", len(shares), len(pgpKeys))
	}

	entities, err := GetPGPEntities(pgpKeys)
	if err != nil {
		return nil, nil, err
	}

	fingerprints := make([]string, 0, len(entities))
	encrypted := make([][]byte, 0, len(shares))
	for i, share := range shares {
		entity := entities[i]
		fingerprints = append(fingerprints, hex.EncodeToString(entity.PrimaryKey.Fingerprint))

		var buf bytes.Buffer
		wc, err := openpgp.Encrypt(&buf, []*openpgp.Entity{entity}, nil, nil, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("setting up encryption for share %d failed: %w", i+1, err)
		}
		if _, err := wc.Write(share); err != nil {
			return nil, nil, fmt.Errorf("encrypting share %d failed: %w", i+1, err)
		}
		if err := wc.Close(); err != nil {
			return nil, nil, fmt.Errorf("encrypting share %d failed: %w", i+1, err)
		}
		encrypted = append(encrypted, buf.Bytes())
	}

	return fingerprints, encrypted, nil
}
