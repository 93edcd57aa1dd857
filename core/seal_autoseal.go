package core

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"
	wrapping "github.com/openbao/go-kms-wrapping/v2"
	"google.golang.org/protobuf/proto"

	"github.com/stephnangue/walletd/core/seal"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/physical"
)

// sealHealthTestInterval is the time between health checks of the auto-seal
// backend. A failing backend does not seal walletd, but the next unseal
// would fail, so surface it early.
var sealHealthTestInterval = 10 * time.Minute

// autoSeal is a Seal backed by an external KMS through a go-kms-wrapping
// wrapper. The barrier root key is stored sealed by the wrapper and walletd
// unseals itself at startup; a Shamir-split recovery key stands in for
// unseal keys on privileged operations.
type autoSeal struct {
	seal.Access

	barrierType    wrapping.WrapperType
	barrierConfig  atomic.Value
	recoveryConfig atomic.Value
	core           *Core
	logger         logger.Logger

	hcLock          sync.Mutex
	healthCheckStop chan struct{}
}

var _ Seal = (*autoSeal)(nil)

// NewAutoSeal creates a new auto-seal from the given access. The wrapper
// must be fully configured before it is handed over.
func NewAutoSeal(lowLevel seal.Access) (*autoSeal, error) {
	ret := &autoSeal{
		Access: lowLevel,
	}
	ret.barrierConfig.Store((*SealConfig)(nil))
	ret.recoveryConfig.Store((*SealConfig)(nil))

	var err error
	ret.barrierType, err = ret.Type(context.Background())
	if err != nil {
		return nil, err
	}

	return ret, nil
}

func (d *autoSeal) SetCore(core *Core) {
	d.core = core
	if d.logger == nil {
		d.logger = d.core.logger
	}
}

func (d *autoSeal) Init(ctx context.Context) error {
	return d.Access.Init(ctx)
}

func (d *autoSeal) Finalize(ctx context.Context) error {
	return d.Access.Finalize(ctx)
}

func (d *autoSeal) GetAccess() seal.Access {
	return d.Access
}

func (d *autoSeal) BarrierType() wrapping.WrapperType {
	return d.barrierType
}

func (d *autoSeal) StoredKeysSupported() seal.StoredKeysSupport {
	return seal.StoredKeysSupportedGeneric
}

func (d *autoSeal) RecoveryKeySupported() bool {
	return true
}

func (d *autoSeal) RecoveryType() string {
	return RecoveryTypeShamir
}

// SetStoredKeys uses the autoSeal.Access.Encrypt to encrypt the root key
// before storing it behind the seal.
func (d *autoSeal) SetStoredKeys(ctx context.Context, keys [][]byte) error {
	return writeStoredKeys(ctx, d.core.physical, d.Access, keys)
}

// GetStoredKeys retrieves the sealed root key.
func (d *autoSeal) GetStoredKeys(ctx context.Context) ([][]byte, error) {
	return readStoredKeys(ctx, d.core.physical, d.Access)
}

func (d *autoSeal) BarrierConfig(ctx context.Context) (*SealConfig, error) {
	cfg := d.barrierConfig.Load().(*SealConfig)
	if cfg != nil {
		return cfg.Clone(), nil
	}

	sealType := "barrier"

	entry, err := d.core.physical.Get(ctx, barrierSealConfigPath)
	if err != nil {
		d.logger.Error("failed to read seal configuration", logger.String("seal_type", sealType), logger.Err(err))
		return nil, fmt.Errorf("failed to read %q seal configuration: %w", sealType, err)
	}

	// If the seal configuration is missing, we are not initialized
	if entry == nil {
		if d.logger.IsLevelEnabled(logger.DebugLevel) {
			d.logger.Debug("seal configuration missing, not initialized", logger.String("seal_type", sealType))
		}
		return nil, nil
	}

	conf := &SealConfig{}
	if err := json.Unmarshal(entry.Value, conf); err != nil {
		d.logger.Error("failed to decode seal configuration", logger.String("seal_type", sealType), logger.Err(err))
		return nil, fmt.Errorf("failed to decode %q seal configuration: %w", sealType, err)
	}

	// Check for a valid seal configuration
	if err := conf.Validate(); err != nil {
		d.logger.Error("invalid seal configuration", logger.String("seal_type", sealType), logger.Err(err))
		return nil, fmt.Errorf("%q seal validation failed: %w", sealType, err)
	}

	barrierTypeStr := d.BarrierType().String()
	if conf.Type != barrierTypeStr {
		d.logger.Error("barrier seal type does not match loaded type",
			logger.String("seal_type", conf.Type),
			logger.String("loaded_seal_type", barrierTypeStr))
		return nil, fmt.Errorf("barrier seal type of %q does not match loaded type of %q", conf.Type, barrierTypeStr)
	}

	d.SetCachedBarrierConfig(conf)
	return conf.Clone(), nil
}

func (d *autoSeal) SetBarrierConfig(ctx context.Context, conf *SealConfig) error {
	if conf == nil {
		d.barrierConfig.Store((*SealConfig)(nil))
		return nil
	}

	conf.Type = d.BarrierType().String()

	// Encode the seal configuration
	buf, err := json.Marshal(conf)
	if err != nil {
		return fmt.Errorf("failed to encode barrier seal configuration: %w", err)
	}

	// Store the seal configuration directly in the physical storage
	pe := &physical.Entry{
		Key:   barrierSealConfigPath,
		Value: buf,
	}

	if err := d.core.physical.Put(ctx, pe); err != nil {
		d.logger.Error("failed to write barrier seal configuration", logger.Err(err))
		return fmt.Errorf("failed to write barrier seal configuration: %w", err)
	}

	d.SetCachedBarrierConfig(conf.Clone())
	return nil
}

func (d *autoSeal) SetCachedBarrierConfig(config *SealConfig) {
	d.barrierConfig.Store(config)
}

func (d *autoSeal) RecoveryConfig(ctx context.Context) (*SealConfig, error) {
	cfg := d.recoveryConfig.Load().(*SealConfig)
	if cfg != nil {
		return cfg.Clone(), nil
	}

	sealType := "recovery"

	entry, err := d.core.physical.Get(ctx, recoverySealConfigPath)
	if err != nil {
		d.logger.Error("failed to read seal configuration", logger.String("seal_type", sealType), logger.Err(err))
		return nil, fmt.Errorf("failed to read %q seal configuration: %w", sealType, err)
	}

	if entry == nil {
		if d.logger.IsLevelEnabled(logger.DebugLevel) {
			d.logger.Debug("seal configuration missing, not initialized", logger.String("seal_type", sealType))
		}
		return nil, nil
	}

	conf := &SealConfig{}
	if err := json.Unmarshal(entry.Value, conf); err != nil {
		d.logger.Error("failed to decode seal configuration", logger.String("seal_type", sealType), logger.Err(err))
		return nil, fmt.Errorf("failed to decode %q seal configuration: %w", sealType, err)
	}

	// Check for a valid seal configuration
	if err := conf.Validate(); err != nil {
		d.logger.Error("invalid seal configuration", logger.String("seal_type", sealType), logger.Err(err))
		return nil, fmt.Errorf("%q seal validation failed: %w", sealType, err)
	}

	if conf.Type != d.RecoveryType() {
		d.logger.Error("recovery seal type does not match loaded type",
			logger.String("seal_type", conf.Type),
			logger.String("loaded_seal_type", d.RecoveryType()))
		return nil, fmt.Errorf("recovery seal type of %q does not match loaded type of %q", conf.Type, d.RecoveryType())
	}

	d.SetCachedRecoveryConfig(conf)
	return conf.Clone(), nil
}

func (d *autoSeal) SetRecoveryConfig(ctx context.Context, conf *SealConfig) error {
	if conf == nil {
		d.recoveryConfig.Store((*SealConfig)(nil))
		return nil
	}

	conf.Type = d.RecoveryType()

	// Encode the seal configuration
	buf, err := json.Marshal(conf)
	if err != nil {
		return fmt.Errorf("failed to encode recovery seal configuration: %w", err)
	}

	// Store the seal configuration directly in the physical storage
	pe := &physical.Entry{
		Key:   recoverySealConfigPath,
		Value: buf,
	}

	if err := d.core.physical.Put(ctx, pe); err != nil {
		d.logger.Error("failed to write recovery seal configuration", logger.Err(err))
		return fmt.Errorf("failed to write recovery seal configuration: %w", err)
	}

	d.SetCachedRecoveryConfig(conf.Clone())
	return nil
}

func (d *autoSeal) SetCachedRecoveryConfig(config *SealConfig) {
	d.recoveryConfig.Store(config)
}

func (d *autoSeal) SetRecoveryKey(ctx context.Context, key []byte) error {
	if key == nil {
		return errors.New("recovery key to store is nil")
	}

	// Encrypt and marshal the keys
	blobInfo, err := d.Encrypt(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("failed to encrypt keys for storage: %w", err)
	}

	value, err := proto.Marshal(blobInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal value for storage: %w", err)
	}

	be := &physical.Entry{
		Key:   recoveryKeyPath,
		Value: value,
	}

	if err := d.core.physical.Put(ctx, be); err != nil {
		d.logger.Error("failed to write recovery key", logger.Err(err))
		return fmt.Errorf("failed to write recovery key: %w", err)
	}

	return nil
}

func (d *autoSeal) VerifyRecoveryKey(ctx context.Context, key []byte) error {
	if key == nil {
		return errors.New("recovery key to verify is nil")
	}

	pt, err := d.getRecoveryKeyInternal(ctx)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(key, pt) != 1 {
		return errors.New("recovery key does not match submitted values")
	}

	return nil
}

func (d *autoSeal) getRecoveryKeyInternal(ctx context.Context) ([]byte, error) {
	pe, err := d.core.physical.Get(ctx, recoveryKeyPath)
	if err != nil {
		d.logger.Error("failed to read recovery key", logger.Err(err))
		return nil, fmt.Errorf("failed to read recovery key: %w", err)
	}
	if pe == nil {
		d.logger.Warn("no recovery key found")
		return nil, errors.New("no recovery key found")
	}

	blobInfo := &wrapping.BlobInfo{}
	if err := proto.Unmarshal(pe.Value, blobInfo); err != nil {
		return nil, fmt.Errorf("failed to proto decode stored keys: %w", err)
	}

	pt, err := d.Decrypt(ctx, blobInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt encrypted stored keys: %w", err)
	}

	return pt, nil
}

// UpgradeKeys re-encrypts the stored barrier key and the recovery key when
// the seal's external encryption key has been rotated. Called on unseal so
// old KMS key versions can eventually be retired.
func (d *autoSeal) UpgradeKeys(ctx context.Context) error {
	if err := d.upgradeRecoveryKey(ctx); err != nil {
		return err
	}
	if err := d.upgradeStoredKeys(ctx); err != nil {
		return err
	}
	return nil
}

func (d *autoSeal) upgradeStoredKeys(ctx context.Context) error {
	pe, err := d.core.physical.Get(ctx, storedBarrierKeysPath)
	if err != nil {
		return fmt.Errorf("failed to fetch stored keys: %w", err)
	}
	if pe == nil {
		return errors.New("no stored keys found")
	}

	blobInfo := &wrapping.BlobInfo{}
	if err := proto.Unmarshal(pe.Value, blobInfo); err != nil {
		return fmt.Errorf("failed to proto decode stored keys: %w", err)
	}

	keyId, err := d.Access.KeyId(ctx)
	if err != nil {
		return err
	}

	if blobInfo.KeyInfo != nil && blobInfo.KeyInfo.KeyId != keyId {
		d.logger.Info("upgrading stored keys")

		pt, err := d.Decrypt(ctx, blobInfo, nil)
		if err != nil {
			return fmt.Errorf("failed to decrypt encrypted stored keys: %w", err)
		}

		// Decode the barrier entry
		var keys [][]byte
		if err := json.Unmarshal(pt, &keys); err != nil {
			return fmt.Errorf("failed to decode stored keys: %w", err)
		}

		if err := d.SetStoredKeys(ctx, keys); err != nil {
			return fmt.Errorf("failed to save upgraded stored keys: %w", err)
		}
	}
	return nil
}

// upgradeRecoveryKey re-encrypts the recovery key under the current seal
// key id if it was sealed by an older one.
func (d *autoSeal) upgradeRecoveryKey(ctx context.Context) error {
	pe, err := d.core.physical.Get(ctx, recoveryKeyPath)
	if err != nil {
		return fmt.Errorf("failed to fetch recovery key: %w", err)
	}
	if pe == nil {
		return nil
	}

	blobInfo := &wrapping.BlobInfo{}
	if err := proto.Unmarshal(pe.Value, blobInfo); err != nil {
		return fmt.Errorf("failed to proto decode recovery key: %w", err)
	}

	keyId, err := d.Access.KeyId(ctx)
	if err != nil {
		return err
	}

	if blobInfo.KeyInfo != nil && blobInfo.KeyInfo.KeyId != keyId {
		d.logger.Info("upgrading recovery key")

		pt, err := d.Decrypt(ctx, blobInfo, nil)
		if err != nil {
			return fmt.Errorf("failed to decrypt encrypted recovery key: %w", err)
		}

		if err := d.SetRecoveryKey(ctx, pt); err != nil {
			return fmt.Errorf("failed to save upgraded recovery key: %w", err)
		}
	}
	return nil
}

// StartHealthCheck periodically tests the seal backend with a round-trip
// encryption. Failures are logged and counted; the seal stays usable so a
// transient outage does not take walletd down with it.
func (d *autoSeal) StartHealthCheck() {
	d.hcLock.Lock()
	defer d.hcLock.Unlock()

	if d.healthCheckStop != nil {
		return
	}

	stop := make(chan struct{})
	d.healthCheckStop = stop

	go func() {
		ticker := time.NewTicker(sealHealthTestInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case t := <-ticker.C:
				func() {
					ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
					defer cancel()

					testVal := fmt.Sprintf("seal-check-%d", t.UnixNano())
					ciphertext, err := d.Encrypt(ctx, []byte(testVal), nil)
					if err == nil {
						var pt []byte
						pt, err = d.Decrypt(ctx, ciphertext, nil)
						if err == nil && string(pt) != testVal {
							err = errors.New("seal health check value mismatch")
						}
					}

					if err != nil {
						metrics.IncrCounter([]string{"seal", "health", "failure"}, 1)
						d.logger.Error("seal backend health check failed", logger.Err(err))
					} else {
						metrics.SetGauge([]string{"seal", "health", "last_success"}, float32(time.Now().Unix()))
					}
				}()
			}
		}
	}()
}

// StopHealthCheck stops the health check goroutine if it is running.
func (d *autoSeal) StopHealthCheck() {
	d.hcLock.Lock()
	defer d.hcLock.Unlock()

	if d.healthCheckStop != nil {
		close(d.healthCheckStop)
		d.healthCheckStop = nil
	}
}
