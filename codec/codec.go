// Copyright (c) 2025 Walletd Project
// SPDX-License-Identifier: MPL-2.0

// Package codec holds the byte-level encoding helpers the token protocol is
// built on. Token segments use the URL-safe base64 alphabet without padding;
// imported key material arrives in standard base64.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// EncodeSegment encodes raw bytes as an unpadded URL-safe base64 token
// segment.
func EncodeSegment(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeSegment decodes an unpadded URL-safe base64 token segment. Strict
// mode rejects non-zero trailing bits in the final group, so no two
// distinct segment strings decode to the same bytes.
func DecodeSegment(seg string) ([]byte, error) {
	data, err := base64.RawURLEncoding.Strict().DecodeString(seg)
	if err != nil {
		return nil, fmt.Errorf("malformed base64url segment: %w", err)
	}
	return data, nil
}

// DecodeSegmentUTF8 decodes a token segment and verifies the result is
// valid UTF-8, returning it as a string.
func DecodeSegmentUTF8(seg string) (string, error) {
	data, err := DecodeSegment(seg)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("segment is not valid utf-8")
	}
	return string(data), nil
}

// EncodeJSONSegment marshals v as compact JSON and encodes it as a token
// segment.
func EncodeJSONSegment(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal segment: %w", err)
	}
	return EncodeSegment(data), nil
}

// DecodeKeyData decodes standard base64 key material supplied to import
// operations.
func DecodeKeyData(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed base64 key data: %w", err)
	}
	return data, nil
}

// EncodeKeyData encodes key material for transport as standard base64.
func EncodeKeyData(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
