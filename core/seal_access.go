package core

import (
	"context"

	wrapping "github.com/openbao/go-kms-wrapping/v2"

	"github.com/stephnangue/walletd/core/seal"
)

// SealAccess is a wrapper around Seal that exposes accessor methods for
// the http layer and other packages that need seal information without
// being able to modify the seal itself.
type SealAccess struct {
	seal Seal
}

// NewSealAccess returns a SealAccess over the given seal.
func NewSealAccess(seal Seal) *SealAccess {
	return &SealAccess{seal: seal}
}

func (s *SealAccess) StoredKeysSupported() seal.StoredKeysSupport {
	return s.seal.StoredKeysSupported()
}

func (s *SealAccess) BarrierType() wrapping.WrapperType {
	return s.seal.BarrierType()
}

func (s *SealAccess) BarrierConfig(ctx context.Context) (*SealConfig, error) {
	return s.seal.BarrierConfig(ctx)
}

func (s *SealAccess) RecoveryKeySupported() bool {
	return s.seal.RecoveryKeySupported()
}

func (s *SealAccess) RecoveryConfig(ctx context.Context) (*SealConfig, error) {
	return s.seal.RecoveryConfig(ctx)
}

func (s *SealAccess) VerifyRecoveryKey(ctx context.Context, key []byte) error {
	return s.seal.VerifyRecoveryKey(ctx, key)
}

func (s *SealAccess) GetAccess() seal.Access {
	return s.seal.GetAccess()
}
