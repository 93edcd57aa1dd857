package core

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-uuid"
	aeadwrapper "github.com/openbao/go-kms-wrapping/wrappers/aead/v2"
	"github.com/openbao/openbao/sdk/v2/helper/shamir"

	"github.com/stephnangue/walletd/core/seal"
	"github.com/stephnangue/walletd/logger"
)

// Unseal is used to provide one of the key parts to unseal the Walletd.
// It returns true once the barrier is unsealed; false means more key
// parts are still needed.
func (c *Core) Unseal(key []byte) (bool, error) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	ctx := context.Background()

	if len(key) == 0 {
		return false, &ErrInvalidKey{"key is empty"}
	}
	min, max := c.barrier.KeyLength()
	max += shamir.ShareOverhead
	if len(key) < min {
		return false, &ErrInvalidKey{fmt.Sprintf("key is shorter than minimum %d bytes", min)}
	}
	if len(key) > max {
		return false, &ErrInvalidKey{fmt.Sprintf("key is longer than maximum %d bytes", max)}
	}

	// Check if already unsealed
	if !c.Sealed() {
		return true, nil
	}

	// For an auto seal the submitted parts are recovery key shares; for a
	// Shamir seal they combine into the key that unwraps the root key.
	var config *SealConfig
	var err error
	if c.seal.RecoveryKeySupported() {
		config, err = c.seal.RecoveryConfig(ctx)
	} else {
		config, err = c.seal.BarrierConfig(ctx)
	}
	if err != nil {
		return false, err
	}
	if config == nil {
		return false, ErrNotInit
	}

	if err := c.recordUnsealPart(key); err != nil {
		return false, err
	}

	// Check if we have enough parts to attempt the unseal
	if len(c.unlockInfo.Parts) < config.SecretThreshold {
		c.logger.Debug("cannot unseal, not enough keys",
			logger.Int("keys", len(c.unlockInfo.Parts)),
			logger.Int("threshold", config.SecretThreshold),
			logger.String("nonce", c.unlockInfo.Nonce))
		return false, nil
	}

	// The unseal attempt consumes the accumulated parts whether it
	// succeeds or not.
	combinedKey, err := c.combineUnsealParts(config)
	c.unlockInfo = nil
	if err != nil {
		return false, err
	}

	rootKey, err := c.unsealKeyToRootKey(ctx, combinedKey)
	if err != nil {
		return false, err
	}

	if err := c.unsealInternal(ctx, rootKey); err != nil {
		return false, err
	}

	return true, nil
}

// recordUnsealPart stores a submitted unseal key part, starting a new
// unseal attempt with a fresh nonce when none is in flight. Duplicate
// parts are ignored.
func (c *Core) recordUnsealPart(key []byte) error {
	if c.unlockInfo == nil {
		nonce, err := uuid.GenerateUUID()
		if err != nil {
			return err
		}
		c.unlockInfo = &unlockInformation{
			Nonce: nonce,
		}
	}

	for _, existing := range c.unlockInfo.Parts {
		if subtle.ConstantTimeCompare(existing, key) == 1 {
			return nil
		}
	}

	c.unlockInfo.Parts = append(c.unlockInfo.Parts, append([]byte(nil), key...))
	return nil
}

func (c *Core) combineUnsealParts(config *SealConfig) ([]byte, error) {
	if config.SecretThreshold == 1 {
		return append([]byte(nil), c.unlockInfo.Parts[0]...), nil
	}

	combined, err := shamir.Combine(c.unlockInfo.Parts)
	if err != nil {
		return nil, fmt.Errorf("failed to compute combined key: %w", err)
	}
	return combined, nil
}

// unsealKeyToRootKey resolves the combined unseal key into the barrier
// root key, going through the seal's stored keys when it has any.
func (c *Core) unsealKeyToRootKey(ctx context.Context, combinedKey []byte) ([]byte, error) {
	switch c.seal.StoredKeysSupported() {
	case seal.StoredKeysSupportedGeneric:
		if err := c.seal.VerifyRecoveryKey(ctx, combinedKey); err != nil {
			return nil, fmt.Errorf("recovery key verification failed: %w", err)
		}
		storedKeys, err := c.seal.GetStoredKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to retrieve stored keys: %w", err)
		}
		if len(storedKeys) == 0 {
			return nil, fmt.Errorf("stored keys are supported but none were found")
		}
		return storedKeys[0], nil

	case seal.StoredKeysSupportedShamirRoot:
		wrapper, ok := c.seal.GetAccess().GetWrapper().(*aeadwrapper.ShamirWrapper)
		if !ok {
			return nil, fmt.Errorf("seal is a Shamir seal but does not carry a Shamir wrapper")
		}
		if err := wrapper.SetAesGcmKeyBytes(combinedKey); err != nil {
			return nil, &ErrInvalidKey{fmt.Sprintf("setting seal key failed: %v", err)}
		}
		storedKeys, err := c.seal.GetStoredKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to retrieve stored keys: %w", err)
		}
		if len(storedKeys) == 0 {
			return nil, fmt.Errorf("stored keys are supported but none were found")
		}
		return storedKeys[0], nil

	default:
		// Old-style Shamir: the combined key is the root key itself
		return combinedKey, nil
	}
}

// SecretProgress returns the number of unseal key parts provided so far
// in the current unseal attempt, along with its nonce.
func (c *Core) SecretProgress() (int, string) {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	if c.unlockInfo == nil {
		return 0, ""
	}
	return len(c.unlockInfo.Parts), c.unlockInfo.Nonce
}

// SealStatus assembles the seal state the way operators expect to see
// it. It works on a sealed core so clients can drive the unseal flow.
func (c *Core) SealStatus(ctx context.Context) (map[string]any, error) {
	sealConfig, err := c.seal.BarrierConfig(ctx)
	if err != nil {
		return nil, err
	}

	initialized := sealConfig != nil
	progress, nonce := c.SecretProgress()

	status := map[string]any{
		"type":          c.seal.BarrierType().String(),
		"initialized":   initialized,
		"sealed":        c.Sealed(),
		"recovery_seal": c.seal.RecoveryKeySupported(),
		"storage_type":  c.StorageType(),
		"progress":      progress,
		"nonce":         nonce,
	}
	if initialized {
		status["t"] = sealConfig.SecretThreshold
		status["n"] = sealConfig.SecretShares
	}
	return status, nil
}

// ResetUnsealProcess removes the current unseal keys in flight,
// aborting the unseal attempt.
func (c *Core) ResetUnsealProcess() {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.unlockInfo = nil
}

// Seal takes the core from an unsealed state back to a sealed state,
// tearing down all mounts and audit devices on the way.
func (c *Core) Seal() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.sealInternal()
}

// sealInternal performs the actual seal. The state write lock must be
// held when calling.
func (c *Core) sealInternal() error {
	if c.Sealed() {
		return nil
	}

	// Mark sealed first so new requests are rejected while teardown runs
	atomic.StoreUint32(c.sealed, 1)
	c.logger.Info("marked as sealed")

	c.unlockInfo = nil

	// Signal any in-flight request contexts to stop
	if cancelFn, ok := c.activeContextCancelFunc.Load().(context.CancelFunc); ok && cancelFn != nil {
		cancelFn()
	}

	if c.standby.Load() {
		// Stop the standby goroutine and wait for it to finish
		if stopCh, ok := c.standbyStopCh.Load().(chan struct{}); ok && stopCh != nil {
			close(stopCh)
		}
		if c.standbyDoneCh != nil {
			<-c.standbyDoneCh
			c.standbyDoneCh = nil
		}
		c.logger.Debug("runStandby done")
	} else {
		if err := c.preSeal(); err != nil {
			c.logger.Error("pre-seal teardown failed", logger.Err(err))
			return fmt.Errorf("internal error while sealing: %w", err)
		}
		c.standby.Store(true)
	}
	c.logger.Debug("sealing barrier")

	if err := c.barrier.Seal(); err != nil {
		c.logger.Error("error sealing barrier", logger.Err(err))
		return err
	}

	c.logger.Info("walletd is sealed")
	return nil
}
