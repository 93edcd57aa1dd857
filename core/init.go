package core

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	aeadwrapper "github.com/openbao/go-kms-wrapping/wrappers/aead/v2"
	"github.com/openbao/openbao/sdk/v2/helper/shamir"

	"github.com/stephnangue/walletd/core/seal"
	"github.com/stephnangue/walletd/helper"
	"github.com/stephnangue/walletd/logger"
)

// InitParams keeps the init function from being littered with too many
// arguments.
type InitParams struct {
	BarrierConfig  *SealConfig
	RecoveryConfig *SealConfig
}

// InitResult is used to provide the key parts back after
// they are generated as part of the initialization.
type InitResult struct {
	SecretShares   [][]byte
	RecoveryShares [][]byte
}

// Initialized checks if the Walletd is already initialized. The seal
// configuration is the source of truth: it is the last thing written
// during a successful initialization.
func (c *Core) Initialized(ctx context.Context) (bool, error) {
	cfg, err := c.seal.BarrierConfig(ctx)
	if err != nil {
		return false, err
	}
	if cfg == nil {
		return false, nil
	}

	return c.InitializedLocally(ctx)
}

// InitializedLocally checks the barrier rather than the seal configuration,
// which matters when the seal configuration was replicated ahead of the data.
func (c *Core) InitializedLocally(ctx context.Context) (bool, error) {
	init, err := c.barrier.Initialized(ctx)
	if err != nil {
		return false, fmt.Errorf("barrier init check failed: %w", err)
	}
	return init, nil
}

// generateShares generates a new key and splits it into shares per the seal
// configuration, PGP-encrypting each share when public keys were provided.
func (c *Core) generateShares(sc *SealConfig) ([]byte, [][]byte, error) {
	rootKey, err := c.barrier.GenerateKey(c.secureRandomReader)
	if err != nil {
		return nil, nil, fmt.Errorf("key generation failed: %w", err)
	}

	// Return the root key if only a single key part is used
	var unsealKeys [][]byte
	if sc.SecretShares == 1 {
		unsealKeys = append(unsealKeys, rootKey)
	} else {
		// Split the root key using the Shamir algorithm
		shares, err := shamir.Split(rootKey, sc.SecretShares, sc.SecretThreshold)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate shares: %w", err)
		}
		unsealKeys = shares
	}

	// If we have PGP keys, perform the encryption
	if len(sc.PGPKeys) > 0 {
		hexEncodedShares := make([][]byte, len(unsealKeys))
		for i := range unsealKeys {
			hexEncodedShares[i] = []byte(hex.EncodeToString(unsealKeys[i]))
		}
		_, encryptedShares, err := helper.EncryptPGPShares(hexEncodedShares, sc.PGPKeys)
		if err != nil {
			return nil, nil, err
		}
		unsealKeys = encryptedShares
	}

	return rootKey, unsealKeys, nil
}

// Initialize is used to initialize the Walletd core and perform the first
// time setup of the barrier, the seal and the stored keys.
func (c *Core) Initialize(ctx context.Context, initParams *InitParams) (*InitResult, error) {
	barrierConfig := initParams.BarrierConfig
	recoveryConfig := initParams.RecoveryConfig

	if barrierConfig == nil {
		return nil, fmt.Errorf("barrier seal configuration is required")
	}

	// N.B. Although the core is capable of handling multi-key seals, the
	// recovery seal is always Shamir and the barrier stored key is a single
	// root key.
	switch c.seal.StoredKeysSupported() {
	case seal.StoredKeysSupportedGeneric:
		if recoveryConfig == nil {
			return nil, fmt.Errorf("recovery configuration must be supplied for an auto seal")
		}
		if recoveryConfig.SecretShares < 1 {
			return nil, fmt.Errorf("recovery configuration must specify a positive number of shares")
		}
		if err := recoveryConfig.ValidateRecovery(); err != nil {
			return nil, fmt.Errorf("invalid recovery configuration: %w", err)
		}

		// The barrier config is forced to a single stored share; the seal
		// device wraps the root key directly.
		barrierConfig.SecretShares = 1
		barrierConfig.SecretThreshold = 1
		barrierConfig.StoredShares = 1

	case seal.StoredKeysSupportedShamirRoot:
		barrierConfig.StoredShares = 1
	}

	if err := barrierConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid seal configuration: %w", err)
	}

	// Avoid an initialization race
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	// Check if we are initialized
	init, err := c.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	if init {
		return nil, ErrAlreadyInit
	}

	err = c.seal.Init(ctx)
	if err != nil {
		c.logger.Error("failed to initialize seal", logger.Err(err))
		return nil, fmt.Errorf("error initializing seal: %w", err)
	}

	c.logger.Info("seal configuration",
		logger.Int("shares", barrierConfig.SecretShares),
		logger.Int("threshold", barrierConfig.SecretThreshold))

	// The newly generated barrier key is what the caller gets shares of for
	// an auto seal; for a Shamir seal it becomes the key encryption key that
	// protects the stored root key.
	barrierKey, barrierKeyShares, err := c.generateShares(barrierConfig)
	if err != nil {
		c.logger.Error("error generating shares", logger.Err(err))
		return nil, err
	}

	var sealKey []byte
	rootKey := barrierKey
	if c.seal.StoredKeysSupported() == seal.StoredKeysSupportedShamirRoot {
		rootKey, err = c.barrier.GenerateKey(c.secureRandomReader)
		if err != nil {
			c.logger.Error("failed to generate root key", logger.Err(err))
			return nil, fmt.Errorf("root key generation failed: %w", err)
		}
		sealKey = barrierKey
	}

	// Initialize the barrier
	if err := c.barrier.Initialize(ctx, rootKey, sealKey, c.secureRandomReader); err != nil {
		c.logger.Error("failed to initialize barrier", logger.Err(err))
		return nil, fmt.Errorf("error initializing barrier: %w", err)
	}
	c.logger.Info("security barrier initialized",
		logger.Int("stored_shares", int(barrierConfig.StoredShares)),
		logger.Int("threshold", barrierConfig.SecretThreshold))

	// Unseal the barrier so the stored keys and the mount table can be
	// written, then reseal before returning.
	if err := c.barrier.Unseal(ctx, rootKey); err != nil {
		c.logger.Error("failed to unseal barrier", logger.Err(err))
		return nil, fmt.Errorf("error unsealing barrier: %w", err)
	}
	defer func() {
		if err := c.barrier.Seal(); err != nil {
			c.logger.Error("failed to seal barrier", logger.Err(err))
		}
	}()

	switch c.seal.StoredKeysSupported() {
	case seal.StoredKeysSupportedShamirRoot:
		// The seal access wraps a Shamir wrapper; give it the generated key
		// encryption key before asking it to wrap the root key.
		wrapper, ok := c.seal.GetAccess().GetWrapper().(*aeadwrapper.ShamirWrapper)
		if !ok {
			return nil, fmt.Errorf("seal is a Shamir seal but does not carry a Shamir wrapper")
		}
		if err := wrapper.SetAesGcmKeyBytes(sealKey); err != nil {
			return nil, fmt.Errorf("failed to set seal key: %w", err)
		}
		if err := c.seal.SetStoredKeys(ctx, [][]byte{rootKey}); err != nil {
			c.logger.Error("failed to store root key", logger.Err(err))
			return nil, fmt.Errorf("failed to store root key: %w", err)
		}

	case seal.StoredKeysSupportedGeneric:
		if err := c.seal.SetStoredKeys(ctx, [][]byte{rootKey}); err != nil {
			c.logger.Error("failed to store keys", logger.Err(err))
			return nil, fmt.Errorf("failed to store keys: %w", err)
		}
	}

	// Persist the barrier seal configuration
	if err := c.seal.SetBarrierConfig(ctx, barrierConfig); err != nil {
		c.logger.Error("failed to save barrier seal configuration", logger.Err(err))
		return nil, fmt.Errorf("barrier seal configuration saving failed: %w", err)
	}

	results := &InitResult{
		SecretShares: barrierKeyShares,
	}

	// Perform initial setup of the mount and audit tables so the first
	// unseal does not race a partially written core.
	if err := c.loadMounts(ctx); err != nil {
		c.logger.Error("failed to load mount table", logger.Err(err))
		return nil, err
	}

	// Generate the recovery shares for an auto seal
	if c.seal.RecoveryKeySupported() {
		recoveryKey, recoveryUnsealKeys, err := c.generateShares(recoveryConfig)
		if err != nil {
			c.logger.Error("failed to generate recovery shares", logger.Err(err))
			return nil, err
		}

		if err := c.seal.SetRecoveryConfig(ctx, recoveryConfig); err != nil {
			c.logger.Error("failed to save recovery configuration", logger.Err(err))
			return nil, fmt.Errorf("recovery configuration saving failed: %w", err)
		}

		if err := c.seal.SetRecoveryKey(ctx, recoveryKey); err != nil {
			return nil, err
		}

		results.RecoveryShares = recoveryUnsealKeys
	}

	c.MarkInitialized()

	return results, nil
}

// UnsealWithStoredKeys performs auto-unseal using stored keys. An error
// indicates that unsealing should not be tried again until the situation
// is resolved; no error with a still-sealed core means the seal has no
// stored keys to offer.
func (c *Core) UnsealWithStoredKeys(ctx context.Context) error {
	c.unsealWithStoredKeysLock.Lock()
	defer c.unsealWithStoredKeysLock.Unlock()

	if c.seal.StoredKeysSupported() != seal.StoredKeysSupportedGeneric {
		return nil
	}

	// Disallow auto-unsealing when recovery seal configuration is missing:
	// the core was never initialized with this seal.
	if !c.recoveryKeysPresent(ctx) {
		return nil
	}

	if !c.Sealed() {
		return nil
	}

	c.logger.Info("stored unseal keys supported, attempting fetch")
	keys, err := c.seal.GetStoredKeys(ctx)
	if err != nil {
		return &NonFatalError{Err: fmt.Errorf("fetching stored unseal keys failed: %w", err)}
	}

	// This usually happens when auto-unseal is configured but the core was
	// initialized with a Shamir seal.
	if len(keys) == 0 {
		return &NonFatalError{Err: fmt.Errorf("stored unseal keys are supported, but none were found")}
	}
	if len(keys) != 1 {
		return &NonFatalError{Err: fmt.Errorf("expected exactly one stored key, got %d", len(keys))}
	}

	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	err = c.unsealInternal(ctx, keys[0])
	if err != nil {
		return fmt.Errorf("unsealing with stored key failed: %w", err)
	}

	c.logger.Info("unsealed with stored key")
	return nil
}

func (c *Core) recoveryKeysPresent(ctx context.Context) bool {
	cfg, err := c.seal.RecoveryConfig(ctx)
	if err != nil {
		c.logger.Error("failed to read recovery configuration", logger.Err(err))
		return false
	}
	return cfg != nil
}

// DecodeUnsealKey accepts either a hex or base64 encoded unseal key and
// returns the raw bytes.
func DecodeUnsealKey(key string) ([]byte, error) {
	min, max := validKeyLengths()
	if len(key) < min || len(key) > max {
		return nil, &ErrInvalidKey{fmt.Sprintf("key length must be between %d and %d characters", min, max)}
	}

	raw, err := hex.DecodeString(key)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(key)
		if err != nil {
			return nil, &ErrInvalidKey{"key is not valid hex or base64"}
		}
	}
	return raw, nil
}

func validKeyLengths() (int, int) {
	// 16 raw bytes hex encoded up to a PGP encrypted share
	return 32, 4096
}
