package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	wrapping "github.com/openbao/go-kms-wrapping/v2"
	"google.golang.org/protobuf/proto"

	"github.com/stephnangue/walletd/core/seal"
	"github.com/stephnangue/walletd/helper"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/physical"
)

const (
	// barrierSealConfigPath is the path used to store our seal configuration.
	// This value is stored in plaintext, since we must be able to read it even
	// with the barrier sealed.
	barrierSealConfigPath = "core/seal-config"

	// recoverySealConfigPath is the path to the recovery key seal
	// configuration. Only used with auto-seals.
	recoverySealConfigPath = "core/recovery-config"

	// recoveryKeyPath is the path to the recovery key, sealed by the
	// auto-seal wrapper.
	recoveryKeyPath = "core/recovery-key"

	// storedBarrierKeysPath is the path used for storing the barrier root
	// key, sealed by the configured seal.
	storedBarrierKeysPath = "core/hsm/barrier-unseal-keys"

	// RecoveryTypeUnsupported is the recovery type for seals without
	// recovery keys.
	RecoveryTypeUnsupported = "unsupported"

	// RecoveryTypeShamir is the recovery type for seals whose recovery key
	// is split into Shamir shares.
	RecoveryTypeShamir = "shamir"
)

// Seal is the interface to the seal protecting the barrier root key. The
// default implementation splits the root key with Shamir; auto-seals defer
// to an external KMS through a go-kms-wrapping wrapper.
type Seal interface {
	SetCore(*Core)
	Init(context.Context) error
	Finalize(context.Context) error

	StoredKeysSupported() seal.StoredKeysSupport
	SetStoredKeys(context.Context, [][]byte) error
	GetStoredKeys(context.Context) ([][]byte, error)

	BarrierType() wrapping.WrapperType
	BarrierConfig(context.Context) (*SealConfig, error)
	SetBarrierConfig(context.Context, *SealConfig) error
	SetCachedBarrierConfig(*SealConfig)

	RecoveryKeySupported() bool
	RecoveryType() string
	RecoveryConfig(context.Context) (*SealConfig, error)
	SetRecoveryConfig(context.Context, *SealConfig) error
	SetCachedRecoveryConfig(*SealConfig)
	SetRecoveryKey(context.Context, []byte) error
	VerifyRecoveryKey(context.Context, []byte) error

	GetAccess() seal.Access
}

type defaultSeal struct {
	access seal.Access
	config atomic.Value
	core   *Core
}

var _ Seal = (*defaultSeal)(nil)

// NewDefaultSeal returns a Shamir seal over the given access. The access is
// expected to wrap a shamir wrapper whose key is set during unseal.
func NewDefaultSeal(lowLevel seal.Access) Seal {
	ret := &defaultSeal{
		access: lowLevel,
	}
	ret.config.Store((*SealConfig)(nil))
	return ret
}

func (d *defaultSeal) SetCore(core *Core) {
	d.core = core
}

func (d *defaultSeal) Init(_ context.Context) error {
	return nil
}

func (d *defaultSeal) Finalize(_ context.Context) error {
	return nil
}

func (d *defaultSeal) StoredKeysSupported() seal.StoredKeysSupport {
	return seal.StoredKeysSupportedShamirRoot
}

func (d *defaultSeal) SetStoredKeys(ctx context.Context, keys [][]byte) error {
	return writeStoredKeys(ctx, d.core.physical, d.access, keys)
}

func (d *defaultSeal) GetStoredKeys(ctx context.Context) ([][]byte, error) {
	return readStoredKeys(ctx, d.core.physical, d.access)
}

func (d *defaultSeal) BarrierType() wrapping.WrapperType {
	return wrapping.WrapperTypeShamir
}

func (d *defaultSeal) BarrierConfig(ctx context.Context) (*SealConfig, error) {
	cfg := d.config.Load().(*SealConfig)
	if cfg != nil {
		return cfg.Clone(), nil
	}

	// Fetch the core configuration
	pe, err := d.core.physical.Get(ctx, barrierSealConfigPath)
	if err != nil {
		d.core.logger.Error("failed to read seal configuration", logger.Err(err))
		return nil, fmt.Errorf("failed to check seal configuration: %w", err)
	}

	// If the seal configuration is missing, we are not initialized
	if pe == nil {
		return nil, nil
	}

	var conf SealConfig
	if err := json.Unmarshal(pe.Value, &conf); err != nil {
		d.core.logger.Error("failed to decode seal configuration", logger.Err(err))
		return nil, fmt.Errorf("failed to decode seal configuration: %w", err)
	}

	// Most of the time this is a no-op, but older configurations were
	// written without a type.
	if conf.Type == "" {
		conf.Type = d.BarrierType().String()
	}
	if conf.Type != d.BarrierType().String() {
		d.core.logger.Error("barrier seal type does not match loaded type",
			logger.String("barrier_seal_type", conf.Type),
			logger.Any("loaded_seal_type", d.BarrierType()))
		return nil, fmt.Errorf("barrier seal type of %q does not match loaded type of %q", conf.Type, d.BarrierType())
	}

	if err := conf.Validate(); err != nil {
		d.core.logger.Error("invalid seal configuration", logger.Err(err))
		return nil, fmt.Errorf("seal validation failed: %w", err)
	}

	d.SetCachedBarrierConfig(&conf)
	return conf.Clone(), nil
}

func (d *defaultSeal) SetBarrierConfig(ctx context.Context, config *SealConfig) error {
	// Provide a way to wipe out the cached value (also prevents actually
	// saving a nil config)
	if config == nil {
		d.config.Store((*SealConfig)(nil))
		return nil
	}

	config.Type = d.BarrierType().String()

	// Encode the seal configuration
	buf, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode seal configuration: %w", err)
	}

	// Store the seal configuration
	pe := &physical.Entry{
		Key:   barrierSealConfigPath,
		Value: buf,
	}

	if err := d.core.physical.Put(ctx, pe); err != nil {
		d.core.logger.Error("failed to write seal configuration", logger.Err(err))
		return fmt.Errorf("failed to write seal configuration: %w", err)
	}

	d.SetCachedBarrierConfig(config.Clone())
	return nil
}

func (d *defaultSeal) SetCachedBarrierConfig(config *SealConfig) {
	d.config.Store(config)
}

func (d *defaultSeal) RecoveryKeySupported() bool {
	return false
}

func (d *defaultSeal) RecoveryType() string {
	return RecoveryTypeUnsupported
}

func (d *defaultSeal) RecoveryConfig(_ context.Context) (*SealConfig, error) {
	return nil, nil
}

func (d *defaultSeal) SetRecoveryConfig(_ context.Context, _ *SealConfig) error {
	return nil
}

func (d *defaultSeal) SetCachedRecoveryConfig(_ *SealConfig) {
}

func (d *defaultSeal) SetRecoveryKey(_ context.Context, _ []byte) error {
	return errors.New("recovery keys are not supported")
}

func (d *defaultSeal) VerifyRecoveryKey(_ context.Context, _ []byte) error {
	return errors.New("recovery keys are not supported")
}

func (d *defaultSeal) GetAccess() seal.Access {
	return d.access
}

// SealConfig is used to describe the seal configuration.
type SealConfig struct {
	// The type, for sanity checking
	Type string `json:"type" mapstructure:"type"`

	// SecretShares is the number of shares the key was split into
	SecretShares int `json:"secret_shares" mapstructure:"secret_shares"`

	// SecretThreshold is the number of parts required to open the vault.
	// This is the N value of Shamir.
	SecretThreshold int `json:"secret_threshold" mapstructure:"secret_threshold"`

	// PGPKeys is the array of public PGP keys used, if requested, to
	// encrypt the output unseal keys
	PGPKeys []string `json:"pgp_keys" mapstructure:"pgp_keys"`

	// Nonce is a nonce generated by walletd used to ensure that when unseal
	// keys are submitted for a rekey operation, the rekey operation itself
	// is the one intended.
	Nonce string `json:"nonce" mapstructure:"nonce"`

	// StoredShares is the number of shares that should be stored on the
	// underlying physical storage accessible to the seal.
	StoredShares uint `json:"stored_shares" mapstructure:"stored_shares"`
}

// Validate is used to sanity check the seal configuration.
func (s *SealConfig) Validate() error {
	if s.SecretShares < 1 {
		return errors.New("secret_shares must be at least 1")
	}
	if s.SecretShares > 255 {
		return errors.New("secret_shares must be less than 256")
	}
	if s.SecretThreshold < 1 {
		return errors.New("secret_threshold must be at least 1")
	}
	if s.SecretThreshold > 255 {
		return errors.New("secret_threshold must be less than 256")
	}
	if s.SecretThreshold > s.SecretShares {
		return errors.New("secret_threshold cannot be greater than secret_shares")
	}
	if len(s.PGPKeys) > 0 {
		if len(s.PGPKeys) != s.SecretShares {
			return fmt.Errorf("number of pgp_keys (%d) must match secret_shares (%d)", len(s.PGPKeys), s.SecretShares)
		}
		if _, err := helper.GetPGPEntities(s.PGPKeys); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRecovery checks the validity of a recovery configuration. The
// share arithmetic is the same as the barrier config.
func (s *SealConfig) ValidateRecovery() error {
	return s.Validate()
}

// Clone returns a copy of the seal config.
func (s *SealConfig) Clone() *SealConfig {
	ret := &SealConfig{
		Type:            s.Type,
		SecretShares:    s.SecretShares,
		SecretThreshold: s.SecretThreshold,
		Nonce:           s.Nonce,
		StoredShares:    s.StoredShares,
	}
	if len(s.PGPKeys) > 0 {
		ret.PGPKeys = make([]string, len(s.PGPKeys))
		copy(ret.PGPKeys, s.PGPKeys)
	}
	return ret
}

// writeStoredKeys stores the root key shares sealed by the given access.
// The shares are JSON-encoded, encrypted into a BlobInfo and stored as a
// protobuf message so the wrapper key id survives alongside the ciphertext.
func writeStoredKeys(ctx context.Context, storage physical.Backend, encryptor seal.Access, keys [][]byte) error {
	if keys == nil {
		return errors.New("keys were nil")
	}
	if len(keys) == 0 {
		return errors.New("no keys provided")
	}

	buf, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to encode keys for storage: %w", err)
	}

	// Encrypt and marshal the keys
	blobInfo, err := encryptor.Encrypt(ctx, buf, nil)
	if err != nil {
		return fmt.Errorf("failed to encrypt keys for storage: %w", err)
	}

	value, err := proto.Marshal(blobInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal value for storage: %w", err)
	}

	// Store the seal configuration.
	pe := &physical.Entry{
		Key:   storedBarrierKeysPath,
		Value: value,
	}

	if err := storage.Put(ctx, pe); err != nil {
		return fmt.Errorf("failed to write keys to storage: %w", err)
	}

	return nil
}

// readStoredKeys reads the sealed root key shares back. A nil return with
// no error means no stored keys exist.
func readStoredKeys(ctx context.Context, storage physical.Backend, encryptor seal.Access) ([][]byte, error) {
	pe, err := storage.Get(ctx, storedBarrierKeysPath)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stored keys: %w", err)
	}

	// This is not strictly an error; we may not have any stored keys, for
	// instance, if we're not initialized
	if pe == nil {
		return nil, nil
	}

	blobInfo := &wrapping.BlobInfo{}
	if err := proto.Unmarshal(pe.Value, blobInfo); err != nil {
		return nil, fmt.Errorf("failed to proto decode stored keys: %w", err)
	}

	pt, err := encryptor.Decrypt(ctx, blobInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt encrypted stored keys: %w", err)
	}

	// Decode the barrier entry
	var keys [][]byte
	if err := json.Unmarshal(pt, &keys); err != nil {
		return nil, fmt.Errorf("failed to decode stored keys: %v", err)
	}

	return keys, nil
}
