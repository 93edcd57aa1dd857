package vaultkv

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/vault/api"

	log "github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/physical"
)

// Verify VaultKVStorage satisfies the correct interface
var _ physical.Storage = (*VaultKVStorage)(nil)

// VaultKVStorage is a physical backend that stores data inside a KV v2
// secrets engine of an external Vault server. Each entry becomes one KV
// secret whose path is the entry key; the value travels base64 encoded in
// a single data field so arbitrary bytes survive the JSON round trip.
type VaultKVStorage struct {
	client    *api.Client
	tokenMgr  *TokenManager
	mountPath string
	namespace string

	logger     log.Logger
	permitPool *physical.PermitPool
}

// valueField is the KV data field holding the base64 encoded entry value.
const valueField = "value"

// NewVaultKVStorage constructs a Vault KV storage backend. Authentication
// is either a static token or AppRole credentials; with AppRole the token
// manager keeps the session alive for the lifetime of the process.
func NewVaultKVStorage(conf map[string]string, logger log.Logger) (physical.Storage, error) {
	apiCfg := api.DefaultConfig()
	if addr, ok := conf["address"]; ok && addr != "" {
		apiCfg.Address = addr
	}
	// Route the api client's retry logging through our logger instead of
	// letting retryablehttp write to stderr.
	apiCfg.Logger = log.NewHCLogAdapter(logger.WithSubsystem("client"))

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	namespace := conf["namespace"]
	if namespace != "" {
		client.SetNamespace(namespace)
	}

	mountPath, ok := conf["mount_path"]
	if !ok || mountPath == "" {
		mountPath = "walletd"
	}
	mountPath = strings.Trim(mountPath, "/")

	maxParInt := physical.DefaultParallelOperations
	if maxParStr, ok := conf["max_parallel"]; ok {
		maxParInt, err = strconv.Atoi(maxParStr)
		if err != nil {
			return nil, fmt.Errorf("failed parsing max_parallel parameter: %w", err)
		}
		if logger.IsLevelEnabled(log.DebugLevel) {
			logger.Debug("max_parallel set", log.Int("max_parallel", maxParInt))
		}
	}

	s := &VaultKVStorage{
		client:     client,
		mountPath:  mountPath,
		namespace:  namespace,
		logger:     logger,
		permitPool: physical.NewPermitPool(maxParInt),
	}

	switch {
	case conf["role_id"] != "":
		appRole := &AppRoleConfig{
			RoleID:    conf["role_id"],
			SecretID:  conf["secret_id"],
			MountPath: conf["approle_mount_path"],
			Namespace: namespace,
		}
		s.tokenMgr = NewTokenManager(client, appRole, logger.WithSubsystem("token-manager"))
		if err := s.tokenMgr.Start(context.Background()); err != nil {
			return nil, err
		}
	case conf["token"] != "":
		client.SetToken(conf["token"])
	default:
		// fall through to VAULT_TOKEN picked up by api.DefaultConfig
		if client.Token() == "" {
			return nil, fmt.Errorf("no token or role_id provided for vault storage")
		}
	}

	return s, nil
}

func (s *VaultKVStorage) kv() *api.KVv2 {
	return s.client.WithNamespace(s.namespace).KVv2(s.mountPath)
}

func (s *VaultKVStorage) Put(ctx context.Context, entry *physical.Entry) error {
	s.permitPool.Acquire()
	defer s.permitPool.Release()

	data := map[string]any{
		valueField: base64.StdEncoding.EncodeToString(entry.Value),
	}
	if _, err := s.kv().Put(ctx, entry.Key, data); err != nil {
		return fmt.Errorf("failed to write %q: %w", entry.Key, err)
	}
	return nil
}

func (s *VaultKVStorage) Get(ctx context.Context, key string) (*physical.Entry, error) {
	s.permitPool.Acquire()
	defer s.permitPool.Release()

	secret, err := s.kv().Get(ctx, key)
	if err != nil && !strings.Contains(err.Error(), "secret not found") {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	encoded, ok := secret.Data[valueField].(string)
	if !ok {
		return nil, fmt.Errorf("secret at %q has no %s field", key, valueField)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode value at %q: %w", key, err)
	}

	return &physical.Entry{
		Key:   key,
		Value: value,
	}, nil
}

func (s *VaultKVStorage) Delete(ctx context.Context, key string) error {
	s.permitPool.Acquire()
	defer s.permitPool.Release()

	// DeleteMetadata removes every version so the key disappears from
	// metadata listings as well.
	if err := s.kv().DeleteMetadata(ctx, key); err != nil {
		if strings.Contains(err.Error(), "secret not found") {
			return nil
		}
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (s *VaultKVStorage) List(ctx context.Context, prefix string) ([]string, error) {
	s.permitPool.Acquire()
	defer s.permitPool.Release()

	return s.listInternal(ctx, prefix)
}

func (s *VaultKVStorage) ListPage(ctx context.Context, prefix string, after string, limit int) ([]string, error) {
	s.permitPool.Acquire()
	defer s.permitPool.Release()

	keys, err := s.listInternal(ctx, prefix)
	if err != nil {
		return nil, err
	}

	// The KV API has no cursor, so pagination filters the sorted full
	// listing.
	idx := sort.SearchStrings(keys, after)
	for idx < len(keys) && keys[idx] == after {
		idx++
	}
	keys = keys[idx:]
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *VaultKVStorage) listInternal(ctx context.Context, prefix string) ([]string, error) {
	path := s.mountPath + "/metadata/"
	if cleanPrefix := strings.Trim(prefix, "/"); cleanPrefix != "" {
		path += cleanPrefix + "/"
	}

	secret, err := s.client.WithNamespace(s.namespace).Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	if secret == nil || secret.Data == nil {
		return []string{}, nil
	}

	keysRaw, ok := secret.Data["keys"]
	if !ok {
		return []string{}, nil
	}
	keysSlice, ok := keysRaw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected format for keys data")
	}

	keys := make([]string, 0, len(keysSlice))
	for _, key := range keysSlice {
		if keyStr, ok := key.(string); ok {
			keys = append(keys, keyStr)
		}
	}
	sort.Strings(keys)

	return keys, nil
}

// Stop shuts down the token manager when AppRole authentication is in
// use.
func (s *VaultKVStorage) Stop() error {
	if s.tokenMgr != nil {
		s.tokenMgr.Stop()
	}
	return nil
}
