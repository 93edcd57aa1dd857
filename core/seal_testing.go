package core

import (
	"context"
	"crypto/rand"
	"testing"

	wrapping "github.com/openbao/go-kms-wrapping/v2"
	aeadwrapper "github.com/openbao/go-kms-wrapping/wrappers/aead/v2"

	"github.com/stephnangue/walletd/core/seal"
)

// NewTestSeal returns an auto seal backed by an in-memory AEAD wrapper,
// standing in for an external KMS in tests.
func NewTestSeal(t testing.TB) Seal {
	t.Helper()

	wrapper := aeadwrapper.NewWrapper()
	if _, err := wrapper.SetConfig(context.Background(), wrapping.WithKeyId("test-auto-seal")); err != nil {
		t.Fatalf("err: %v", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := wrapper.SetAesGcmKeyBytes(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	autoSeal, err := NewAutoSeal(seal.NewAccess(wrapper))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return autoSeal
}
