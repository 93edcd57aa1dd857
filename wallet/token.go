package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/stephnangue/walletd/codec"
	"github.com/stephnangue/walletd/provider"
)

var (
	// ErrMalformedToken is returned when a token fails structural checks:
	// wrong segment count, undecodable segments, or an unreadable header.
	// These checks run before any key lookup.
	ErrMalformedToken = errors.New("malformed token")

	// ErrAlgorithmMismatch is returned when the token header names a
	// different algorithm than the verifying key uses.
	ErrAlgorithmMismatch = errors.New("token algorithm does not match key")

	// ErrInvalidSignature is returned when a structurally valid token
	// fails signature verification.
	ErrInvalidSignature = errors.New("invalid signature")
)

// tokenHeader is the first token segment. Only the algorithm tag is
// carried; key identity travels out of band.
type tokenHeader struct {
	Alg string `json:"alg"`
}

// signingAlgTag maps a key algorithm to the tag written into token
// headers. AES-GCM has no tag because it cannot sign.
func signingAlgTag(alg provider.Algorithm) (string, error) {
	switch alg {
	case provider.AlgECDSA:
		return "ES256", nil
	case provider.AlgRSAPSS:
		return "PS256", nil
	case provider.AlgEd25519:
		return "EdDSA", nil
	}
	return "", fmt.Errorf("%w: %s keys cannot sign tokens", provider.ErrNotSigningKey, alg)
}

// BuildToken signs payload with the named key and returns the compact
// three-segment form: base64url(header) "." base64url(payload) "."
// base64url(signature). The signature covers the ASCII bytes of the first
// two segments joined by a dot, so verification never needs to re-encode.
func (w *Wallet) BuildToken(p provider.Provider, keyID, payload string) (string, error) {
	rec, ok := w.Keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	tag, err := signingAlgTag(rec.Algorithm)
	if err != nil {
		return "", err
	}

	headerSeg, err := codec.EncodeJSONSegment(tokenHeader{Alg: tag})
	if err != nil {
		return "", fmt.Errorf("failed to encode token header: %w", err)
	}
	payloadSeg := codec.EncodeSegment([]byte(payload))

	signingInput := headerSeg + "." + payloadSeg
	sig, err := w.Sign(p, keyID, []byte(signingInput))
	if err != nil {
		return "", err
	}

	return signingInput + "." + codec.EncodeSegment(sig), nil
}

// VerifyToken checks a compact token against the named key. Structural
// validation runs first: a token that does not split into exactly three
// decodable segments is rejected before the key is even looked up. The
// decoded payload is returned for logging; it carries no trust on its own.
func (w *Wallet) VerifyToken(p provider.Provider, keyID, token string) (string, error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return "", fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(segments))
	}

	headerJSON, err := codec.DecodeSegmentUTF8(segments[0])
	if err != nil {
		return "", fmt.Errorf("%w: header segment: %v", ErrMalformedToken, err)
	}
	payload, err := codec.DecodeSegmentUTF8(segments[1])
	if err != nil {
		return "", fmt.Errorf("%w: payload segment: %v", ErrMalformedToken, err)
	}
	sig, err := codec.DecodeSegment(segments[2])
	if err != nil {
		return "", fmt.Errorf("%w: signature segment: %v", ErrMalformedToken, err)
	}

	var header tokenHeader
	if err := json.Unmarshal([]byte(headerJSON), &header); err != nil {
		return "", fmt.Errorf("%w: header is not valid JSON: %v", ErrMalformedToken, err)
	}

	rec, ok := w.Keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	tag, err := signingAlgTag(rec.Algorithm)
	if err != nil {
		return "", err
	}
	if header.Alg != tag {
		return "", fmt.Errorf("%w: token says %q, key %q uses %q",
			ErrAlgorithmMismatch, header.Alg, keyID, tag)
	}

	valid, err := w.VerifySignature(p, keyID, []byte(segments[0]+"."+segments[1]), sig)
	if err != nil {
		return "", err
	}
	if !valid {
		return "", ErrInvalidSignature
	}
	return payload, nil
}

// payloadPreview truncates a decoded payload for log lines, backing up to
// a rune boundary so a multibyte character is never split.
func payloadPreview(payload string) string {
	const max = 64
	if len(payload) <= max {
		return payload
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(payload[cut]) {
		cut--
	}
	return payload[:cut] + "..."
}
