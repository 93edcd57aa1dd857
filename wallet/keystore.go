package wallet

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stephnangue/walletd/codec"
	"github.com/stephnangue/walletd/provider"
)

var (
	// ErrKeyNotFound is returned when an operation names a keyId the
	// wallet does not hold.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyUsage is returned when a key exists but its usage list does
	// not permit the requested operation.
	ErrKeyUsage = errors.New("key usage does not permit this operation")
)

// KeyRecord is one managed key. The handle is the provider's opaque
// reference to the actual material; the wallet itself never sees raw key
// bytes beyond what the caller supplied at import.
type KeyRecord struct {
	KeyID       string             `json:"key_id"`
	Description string             `json:"description"`
	Algorithm   provider.Algorithm `json:"algorithm"`
	Extractable bool               `json:"extractable"`
	Usages      []provider.Usage   `json:"usages"`
	Handle      []byte             `json:"handle"`
	Owner       string             `json:"owner"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Metadata returns the JSON-safe view of the record for responses. The
// handle is deliberately absent: listings and reads expose metadata only.
func (r *KeyRecord) Metadata() map[string]any {
	usages := make([]string, len(r.Usages))
	for i, u := range r.Usages {
		usages[i] = string(u)
	}
	return map[string]any{
		"key_id":      r.KeyID,
		"description": r.Description,
		"algorithm":   string(r.Algorithm),
		"extractable": r.Extractable,
		"usages":      usages,
		"owner":       r.Owner,
		"created_at":  r.CreatedAt.Format(time.RFC3339),
	}
}

// GenerateKey creates fresh material through the provider and records it
// under a new keyId. Generated keys carry the default usages for their
// algorithm and are non-extractable unless asked otherwise.
func (w *Wallet) GenerateKey(p provider.Provider, description, algorithm string, extractable bool, owner string) (*KeyRecord, error) {
	alg, err := provider.ParseAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}

	handle, err := p.GenerateKey(alg)
	if err != nil {
		return nil, err
	}

	rec := &KeyRecord{
		KeyID:       uuid.NewString(),
		Description: description,
		Algorithm:   alg,
		Extractable: extractable,
		Usages:      provider.DefaultUsages(alg),
		Handle:      handle,
		Owner:       owner,
		CreatedAt:   time.Now().UTC(),
	}
	w.Keys[rec.KeyID] = rec
	return rec, nil
}

// ImportKey brings caller-supplied material under management. The material
// arrives base64-encoded in the named format; usages default to the
// algorithm's full set when the caller names none.
func (w *Wallet) ImportKey(p provider.Provider, description, format, keyData, algorithm string, extractable bool, usages []string, owner string) (*KeyRecord, error) {
	alg, err := provider.ParseAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	fmtParsed, err := provider.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	parsedUsages, err := provider.ParseUsages(usages)
	if err != nil {
		return nil, err
	}
	if len(parsedUsages) == 0 {
		parsedUsages = provider.DefaultUsages(alg)
	}
	if keyData == "" {
		return nil, fmt.Errorf("%w: key_data cannot be empty", ErrInvalidInput)
	}
	material, err := codec.DecodeKeyData(keyData)
	if err != nil {
		return nil, fmt.Errorf("%w: key_data is not valid base64: %v", ErrInvalidInput, err)
	}

	handle, err := p.ImportKey(fmtParsed, material, alg, extractable, parsedUsages)
	if err != nil {
		return nil, err
	}

	rec := &KeyRecord{
		KeyID:       uuid.NewString(),
		Description: description,
		Algorithm:   alg,
		Extractable: extractable,
		Usages:      parsedUsages,
		Handle:      handle,
		Owner:       owner,
		CreatedAt:   time.Now().UTC(),
	}
	w.Keys[rec.KeyID] = rec
	return rec, nil
}

// RemoveKey deletes a key. Removing a keyId that is not present is not an
// error and reports removed=false so the caller can skip the save.
func (w *Wallet) RemoveKey(keyID string) bool {
	if _, ok := w.Keys[keyID]; !ok {
		return false
	}
	delete(w.Keys, keyID)
	return true
}

// Key returns the record for keyID, or false when absent.
func (w *Wallet) Key(keyID string) (*KeyRecord, bool) {
	r, ok := w.Keys[keyID]
	return r, ok
}

// ListKeys returns key records ordered by keyId. When owner is non-empty
// only keys created by that user are returned.
func (w *Wallet) ListKeys(owner string) []*KeyRecord {
	out := make([]*KeyRecord, 0, len(w.Keys))
	for _, r := range w.Keys {
		if owner != "" && r.Owner != owner {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// Sign signs data with the named key. The key must exist and carry the
// sign usage; everything past that is the provider's problem.
func (w *Wallet) Sign(p provider.Provider, keyID string, data []byte) ([]byte, error) {
	rec, ok := w.Keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	if !provider.HasUsage(rec.Usages, provider.UsageSign) {
		return nil, fmt.Errorf("%w: key %q cannot sign", ErrKeyUsage, keyID)
	}
	return p.Sign(rec.Handle, data)
}

// VerifySignature checks a signature with the named key. A malformed or
// mismatched signature reports (false, nil); errors are reserved for keys
// that cannot verify at all.
func (w *Wallet) VerifySignature(p provider.Provider, keyID string, data, sig []byte) (bool, error) {
	rec, ok := w.Keys[keyID]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	if !provider.HasUsage(rec.Usages, provider.UsageVerify) {
		return false, fmt.Errorf("%w: key %q cannot verify", ErrKeyUsage, keyID)
	}
	return p.Verify(rec.Handle, data, sig)
}
