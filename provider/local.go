package provider

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/big"

	jose "github.com/go-jose/go-jose/v4"
)

const (
	rsaKeyBits   = 2048
	aesKeyBytes  = 32
	handleFormat = 1
)

// keyEnvelope is the serialized form of a key handle. Private holds PKCS#8
// DER for asymmetric keys, Public holds PKIX DER for public-only imports,
// Secret holds raw AEAD key bytes. Exactly one of Private/Public or Secret
// is set.
type keyEnvelope struct {
	Version   int       `json:"v"`
	Algorithm Algorithm `json:"alg"`
	Private   []byte    `json:"priv,omitempty"`
	Public    []byte    `json:"pub,omitempty"`
	Secret    []byte    `json:"secret,omitempty"`
}

// Local is a software Provider backed by the platform crypto implementation.
// Key material never leaves the process unencrypted except inside handles,
// which the caller is expected to store behind the security barrier.
type Local struct{}

// NewLocal returns a software provider.
func NewLocal() *Local {
	return &Local{}
}

func (p *Local) Type() string {
	return "local"
}

func (p *Local) GenerateKey(alg Algorithm) ([]byte, error) {
	switch alg {
	case AlgECDSA:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ecdsa generation failed: %w", err)
		}
		return sealPrivate(alg, key)
	case AlgRSAPSS:
		key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, fmt.Errorf("rsa generation failed: %w", err)
		}
		return sealPrivate(alg, key)
	case AlgEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ed25519 generation failed: %w", err)
		}
		return sealPrivate(alg, key)
	case AlgAESGCM:
		secret := make([]byte, aesKeyBytes)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("aes key generation failed: %w", err)
		}
		return sealEnvelope(&keyEnvelope{Version: handleFormat, Algorithm: alg, Secret: secret})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
}

func (p *Local) ImportKey(format Format, material []byte, alg Algorithm, extractable bool, usages []Usage) ([]byte, error) {
	switch format {
	case FormatRaw:
		return importRaw(material, alg)
	case FormatSPKI:
		pub, err := x509.ParsePKIXPublicKey(material)
		if err != nil {
			return nil, fmt.Errorf("invalid spki material: %w", err)
		}
		return sealParsedPublic(alg, pub, material)
	case FormatPKCS8:
		priv, err := x509.ParsePKCS8PrivateKey(material)
		if err != nil {
			return nil, fmt.Errorf("invalid pkcs8 material: %w", err)
		}
		if err := checkPrivateAlgorithm(alg, priv); err != nil {
			return nil, err
		}
		return sealEnvelope(&keyEnvelope{Version: handleFormat, Algorithm: alg, Private: material})
	case FormatJWK:
		return importJWK(material, alg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func (p *Local) Sign(handle, data []byte) ([]byte, error) {
	env, err := openEnvelope(handle)
	if err != nil {
		return nil, err
	}
	if env.Algorithm == AlgAESGCM {
		return nil, ErrNotSigningKey
	}
	if len(env.Private) == 0 {
		return nil, ErrNoPrivateKey
	}
	priv, err := x509.ParsePKCS8PrivateKey(env.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandle, err)
	}

	switch key := priv.(type) {
	case *ecdsa.PrivateKey:
		digest := sha256.Sum256(data)
		r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
		if err != nil {
			return nil, fmt.Errorf("ecdsa signing failed: %w", err)
		}
		return encodeECDSASignature(key.Curve, r, s), nil
	case *rsa.PrivateKey:
		digest := sha256.Sum256(data)
		sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       crypto.SHA256,
		})
		if err != nil {
			return nil, fmt.Errorf("rsa-pss signing failed: %w", err)
		}
		return sig, nil
	case ed25519.PrivateKey:
		return ed25519.Sign(key, data), nil
	}
	return nil, fmt.Errorf("%w: unexpected key type %T", ErrMalformedHandle, priv)
}

func (p *Local) Verify(handle, data, sig []byte) (bool, error) {
	env, err := openEnvelope(handle)
	if err != nil {
		return false, err
	}
	if env.Algorithm == AlgAESGCM {
		return false, ErrNotSigningKey
	}
	pub, err := env.publicKey()
	if err != nil {
		return false, err
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		r, s, ok := decodeECDSASignature(key.Curve, sig)
		if !ok {
			return false, nil
		}
		digest := sha256.Sum256(data)
		return ecdsa.Verify(key, digest[:], r, s), nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(data)
		err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       crypto.SHA256,
		})
		return err == nil, nil
	case ed25519.PublicKey:
		return ed25519.Verify(key, data, sig), nil
	}
	return false, fmt.Errorf("%w: unexpected key type %T", ErrMalformedHandle, pub)
}

func (p *Local) Encrypt(handle, plaintext, aad []byte) ([]byte, error) {
	gcm, err := openAEAD(handle)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func (p *Local) Decrypt(handle, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := openAEAD(handle)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func (p *Local) ExportPublic(handle []byte) ([]byte, error) {
	env, err := openEnvelope(handle)
	if err != nil {
		return nil, err
	}
	if env.Algorithm == AlgAESGCM {
		return nil, fmt.Errorf("%w: aead keys have no public part", ErrNotSigningKey)
	}
	if len(env.Public) > 0 {
		return env.Public, nil
	}
	pub, err := env.publicKey()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("public key encoding failed: %w", err)
	}
	return der, nil
}

// publicKey resolves the envelope's public half, deriving it from the
// private key when only private material is stored.
func (e *keyEnvelope) publicKey() (any, error) {
	if len(e.Public) > 0 {
		pub, err := x509.ParsePKIXPublicKey(e.Public)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedHandle, err)
		}
		return pub, nil
	}
	if len(e.Private) == 0 {
		return nil, ErrMalformedHandle
	}
	priv, err := x509.ParsePKCS8PrivateKey(e.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandle, err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected key type %T", ErrMalformedHandle, priv)
	}
	return signer.Public(), nil
}

func openEnvelope(handle []byte) (*keyEnvelope, error) {
	var env keyEnvelope
	if err := json.Unmarshal(handle, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandle, err)
	}
	if env.Version != handleFormat {
		return nil, fmt.Errorf("%w: unknown handle version %d", ErrMalformedHandle, env.Version)
	}
	return &env, nil
}

func openAEAD(handle []byte) (cipher.AEAD, error) {
	env, err := openEnvelope(handle)
	if err != nil {
		return nil, err
	}
	if env.Algorithm != AlgAESGCM {
		return nil, ErrNotCipherKey
	}
	block, err := aes.NewCipher(env.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandle, err)
	}
	return cipher.NewGCM(block)
}

func sealPrivate(alg Algorithm, priv any) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("private key encoding failed: %w", err)
	}
	return sealEnvelope(&keyEnvelope{Version: handleFormat, Algorithm: alg, Private: der})
}

func sealEnvelope(env *keyEnvelope) ([]byte, error) {
	handle, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("handle encoding failed: %w", err)
	}
	return handle, nil
}

func importRaw(material []byte, alg Algorithm) ([]byte, error) {
	switch alg {
	case AlgAESGCM:
		switch len(material) {
		case 16, 24, 32:
			return sealEnvelope(&keyEnvelope{Version: handleFormat, Algorithm: alg, Secret: material})
		}
		return nil, fmt.Errorf("%w: aes key must be 16, 24 or 32 bytes, got %d", ErrAlgorithmMismatch, len(material))
	case AlgEd25519:
		if len(material) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: raw ed25519 import expects a %d byte public key, got %d",
				ErrAlgorithmMismatch, ed25519.PublicKeySize, len(material))
		}
		return sealParsedPublic(alg, ed25519.PublicKey(material), nil)
	}
	return nil, fmt.Errorf("%w: raw format supports AES-GCM secrets and Ed25519 public keys", ErrUnsupportedFormat)
}

func importJWK(material []byte, alg Algorithm) ([]byte, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(material); err != nil {
		return nil, fmt.Errorf("invalid jwk material: %w", err)
	}
	if secret, ok := jwk.Key.([]byte); ok {
		return importRaw(secret, alg)
	}
	if jwk.IsPublic() {
		return sealParsedPublic(alg, jwk.Key, nil)
	}
	if err := checkPrivateAlgorithm(alg, jwk.Key); err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(jwk.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid jwk material: %w", err)
	}
	return sealEnvelope(&keyEnvelope{Version: handleFormat, Algorithm: alg, Private: der})
}

// sealParsedPublic validates a parsed public key against the declared
// algorithm and wraps it in a public-only envelope. der may carry the
// original PKIX encoding to avoid re-marshaling.
func sealParsedPublic(alg Algorithm, pub any, der []byte) ([]byte, error) {
	if err := checkPublicAlgorithm(alg, pub); err != nil {
		return nil, err
	}
	if der == nil {
		var err error
		der, err = x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("public key encoding failed: %w", err)
		}
	}
	return sealEnvelope(&keyEnvelope{Version: handleFormat, Algorithm: alg, Public: der})
}

func checkPublicAlgorithm(alg Algorithm, pub any) error {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if alg != AlgECDSA {
			return fmt.Errorf("%w: material is ECDSA, declared %q", ErrAlgorithmMismatch, alg)
		}
		if key.Curve != elliptic.P256() {
			return fmt.Errorf("%w: only curve P-256 is supported", ErrAlgorithmMismatch)
		}
	case *rsa.PublicKey:
		if alg != AlgRSAPSS {
			return fmt.Errorf("%w: material is RSA, declared %q", ErrAlgorithmMismatch, alg)
		}
	case ed25519.PublicKey:
		if alg != AlgEd25519 {
			return fmt.Errorf("%w: material is Ed25519, declared %q", ErrAlgorithmMismatch, alg)
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrAlgorithmMismatch, pub)
	}
	return nil
}

func checkPrivateAlgorithm(alg Algorithm, priv any) error {
	switch key := priv.(type) {
	case *ecdsa.PrivateKey:
		if alg != AlgECDSA {
			return fmt.Errorf("%w: material is ECDSA, declared %q", ErrAlgorithmMismatch, alg)
		}
		if key.Curve != elliptic.P256() {
			return fmt.Errorf("%w: only curve P-256 is supported", ErrAlgorithmMismatch)
		}
	case *rsa.PrivateKey:
		if alg != AlgRSAPSS {
			return fmt.Errorf("%w: material is RSA, declared %q", ErrAlgorithmMismatch, alg)
		}
	case ed25519.PrivateKey:
		if alg != AlgEd25519 {
			return fmt.Errorf("%w: material is Ed25519, declared %q", ErrAlgorithmMismatch, alg)
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrAlgorithmMismatch, priv)
	}
	return nil
}

// encodeECDSASignature serializes r and s as two fixed-width big-endian
// integers, the JOSE wire form for ES256.
func encodeECDSASignature(curve elliptic.Curve, r, s *big.Int) []byte {
	byteLen := (curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*byteLen)
	r.FillBytes(sig[:byteLen])
	s.FillBytes(sig[byteLen:])
	return sig
}

func decodeECDSASignature(curve elliptic.Curve, sig []byte) (r, s *big.Int, ok bool) {
	byteLen := (curve.Params().BitSize + 7) / 8
	if len(sig) != 2*byteLen {
		return nil, nil, false
	}
	r = new(big.Int).SetBytes(sig[:byteLen])
	s = new(big.Int).SetBytes(sig[byteLen:])
	return r, s, true
}
