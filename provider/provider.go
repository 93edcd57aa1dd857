package provider

import (
	"errors"
	"fmt"
)

// Algorithm identifies a key algorithm supported by a Provider. The set is
// closed: anything outside it is rejected before reaching the provider.
type Algorithm string

const (
	// AlgECDSA is ECDSA over NIST P-256 with SHA-256 digests.
	AlgECDSA Algorithm = "ECDSA"
	// AlgRSAPSS is RSASSA-PSS with 2048-bit keys and SHA-256 digests.
	AlgRSAPSS Algorithm = "RSA-PSS"
	// AlgEd25519 is the Ed25519 signature scheme.
	AlgEd25519 Algorithm = "Ed25519"
	// AlgAESGCM is AES-256-GCM authenticated encryption. AES-GCM keys
	// cannot sign or verify.
	AlgAESGCM Algorithm = "AES-GCM"
)

// Format identifies the serialization of imported key material.
type Format string

const (
	FormatRaw   Format = "raw"
	FormatSPKI  Format = "spki"
	FormatPKCS8 Format = "pkcs8"
	FormatJWK   Format = "jwk"
)

// Usage is a single permitted key operation tag.
type Usage string

const (
	UsageSign    Usage = "sign"
	UsageVerify  Usage = "verify"
	UsageEncrypt Usage = "encrypt"
	UsageDecrypt Usage = "decrypt"
)

var (
	// ErrUnsupportedAlgorithm is returned when an algorithm is outside the closed set.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrUnsupportedFormat is returned when a key format is outside the closed set.
	ErrUnsupportedFormat = errors.New("unsupported key format")

	// ErrUnsupportedUsage is returned when a usage tag is outside the closed set.
	ErrUnsupportedUsage = errors.New("unsupported key usage")

	// ErrAlgorithmMismatch is returned when imported key material does not
	// match the declared algorithm.
	ErrAlgorithmMismatch = errors.New("key material does not match declared algorithm")

	// ErrNotSigningKey is returned when Sign or Verify is called on a key
	// whose algorithm has no signature scheme.
	ErrNotSigningKey = errors.New("algorithm does not support signing")

	// ErrNotCipherKey is returned when Encrypt or Decrypt is called on a key
	// whose algorithm has no cipher.
	ErrNotCipherKey = errors.New("algorithm does not support encryption")

	// ErrNoPrivateKey is returned when Sign is called on a handle that holds
	// only public material.
	ErrNoPrivateKey = errors.New("key handle holds no private key")

	// ErrMalformedHandle is returned when a handle cannot be decoded. Handles
	// are provider-owned; a malformed one indicates storage corruption.
	ErrMalformedHandle = errors.New("malformed key handle")
)

// Provider performs all key material operations. Callers never see raw key
// bytes: every key lives behind an opaque handle that only the issuing
// provider can interpret. Handles are safe to persist (the storage barrier
// seals them at rest) and carry everything needed to restore the key.
type Provider interface {
	// Type returns the provider implementation name, for logging.
	Type() string

	// GenerateKey creates a fresh key for the algorithm and returns its handle.
	GenerateKey(alg Algorithm) ([]byte, error)

	// ImportKey ingests external key material in the given format and returns
	// a handle. Material that is inconsistent with the declared algorithm is
	// rejected. Public-only material yields a handle that can verify but not
	// sign.
	ImportKey(format Format, material []byte, alg Algorithm, extractable bool, usages []Usage) ([]byte, error)

	// Sign signs data with the handle's private key. The digest scheme is
	// fixed per algorithm.
	Sign(handle, data []byte) ([]byte, error)

	// Verify reports whether sig is a valid signature over data. A malformed
	// or mismatched signature is (false, nil); an error means the handle or
	// algorithm cannot verify at all.
	Verify(handle, data, sig []byte) (bool, error)

	// Encrypt seals plaintext with an AEAD key handle.
	Encrypt(handle, plaintext, aad []byte) ([]byte, error)

	// Decrypt opens ciphertext produced by Encrypt.
	Decrypt(handle, ciphertext, aad []byte) ([]byte, error)

	// ExportPublic returns the PKIX DER encoding of the handle's public key.
	// AEAD handles have no public part and return ErrNotSigningKey.
	ExportPublic(handle []byte) ([]byte, error)
}

// ParseAlgorithm validates s against the closed algorithm set.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgECDSA, AlgRSAPSS, AlgEd25519, AlgAESGCM:
		return Algorithm(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
}

// ParseFormat validates s against the closed format set.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatRaw, FormatSPKI, FormatPKCS8, FormatJWK:
		return Format(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// ParseUsages validates every tag against the closed usage set.
func ParseUsages(tags []string) ([]Usage, error) {
	usages := make([]Usage, 0, len(tags))
	for _, t := range tags {
		switch Usage(t) {
		case UsageSign, UsageVerify, UsageEncrypt, UsageDecrypt:
			usages = append(usages, Usage(t))
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedUsage, t)
		}
	}
	return usages, nil
}

// DefaultUsages returns the usage set granted to generated keys: signature
// algorithms sign and verify, AEAD algorithms encrypt and decrypt.
func DefaultUsages(alg Algorithm) []Usage {
	if alg == AlgAESGCM {
		return []Usage{UsageEncrypt, UsageDecrypt}
	}
	return []Usage{UsageSign, UsageVerify}
}

// HasUsage reports whether the set contains the tag.
func HasUsage(usages []Usage, u Usage) bool {
	for _, candidate := range usages {
		if candidate == u {
			return true
		}
	}
	return false
}
