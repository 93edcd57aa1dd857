package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the configuration for the walletd server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotationPeriod  int    `hcl:"log_rotation_period,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	// ApiAddr is the address advertised to other nodes and clients for
	// request forwarding; required when the storage supports HA.
	ApiAddr     string `hcl:"api_addr,optional"`
	ClusterAddr string `hcl:"cluster_addr,optional"`

	DisableCache        bool   `hcl:"disable_cache,optional"`
	CacheSize           int    `hcl:"cache_size,optional"`
	DisableStandbyReads bool   `hcl:"disable_standby_reads,optional"`
	DetectDeadlocks     string `hcl:"detect_deadlocks,optional"`

	Listeners []ListenerBlock `hcl:"listener,block"`
	Storage   *StorageBlock   `hcl:"storage,block"`
	Seals     []*KMS          `hcl:"seal,block"`
}

type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem", "file", or "postgres"

	// File storage specific config
	Path string `hcl:"path,optional"` // File system path for file backend

	// PostgreSQL storage specific config
	ConnectionUrl      string `hcl:"connection_url,optional"`
	Table              string `hcl:"table,optional"`                // Table where data will be stored
	MaxIdleConnections int    `hcl:"max_idle_connections,optional"` // The maximum number of connections in the idle connection pool
	MaxParallel        string `hcl:"max_parallel,optional"`         // The maximum number of concurrent requests to PostgreSQL
	HAEnabled          string `hcl:"ha_enabled,optional"`
	HATable            string `hcl:"ha_table,optional"` // The name of the table to use for storing High Availability information
	SkipCreateTable    string `hcl:"skip_create_table,optional"`
	MaxConnectRetries  string `hcl:"max_connect_retries,optional"` // The maximum number of retries to perform when waiting for the database to be active

	// Vault KV v2 storage specific config
	Address   string `hcl:"address,optional"`
	MountPath string `hcl:"mount_path,optional"`
	Token     string `hcl:"token,optional"`
}

// Config returns the storage configuration as a map
func (s *StorageBlock) Config() map[string]string {
	config := make(map[string]string)

	// Add type (always present)
	config["type"] = s.Type

	// Add file storage config if present
	if s.Path != "" {
		config["path"] = s.Path
	}

	// Add PostgreSQL config if present
	if s.ConnectionUrl != "" {
		config["connection_url"] = s.ConnectionUrl
	}
	if s.Table != "" {
		config["table"] = s.Table
	}
	if s.MaxIdleConnections != 0 {
		config["max_idle_connections"] = fmt.Sprintf("%d", s.MaxIdleConnections)
	}
	if s.MaxParallel != "" {
		config["max_parallel"] = s.MaxParallel
	}
	if s.HAEnabled != "" {
		config["ha_enabled"] = s.HAEnabled
	}
	if s.HATable != "" {
		config["ha_table"] = s.HATable
	}
	if s.SkipCreateTable != "" {
		config["skip_create_table"] = s.SkipCreateTable
	}
	if s.MaxConnectRetries != "" {
		config["max_connect_retries"] = s.MaxConnectRetries
	}

	// Add Vault KV config if present
	if s.Address != "" {
		config["address"] = s.Address
	}
	if s.MountPath != "" {
		config["mount_path"] = s.MountPath
	}
	if s.Token != "" {
		config["token"] = s.Token
	}

	return config
}

// KMS is a seal block, naming the key management service that protects
// the barrier root key. A "shamir" block (or no seal block at all) selects
// the built-in Shamir seal.
type KMS struct {
	Type string `hcl:"type,label"`

	Disabled bool `hcl:"disabled,optional"`

	// Common options
	KeyID     string `hcl:"key_id,optional"`
	Region    string `hcl:"region,optional"`
	Endpoint  string `hcl:"endpoint,optional"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`

	// AliCloud KMS
	Domain   string `hcl:"domain,optional"`
	KMSKeyID string `hcl:"kms_key_id,optional"`

	// GCP Cloud KMS
	Project     string `hcl:"project,optional"`
	KeyRing     string `hcl:"key_ring,optional"`
	CryptoKey   string `hcl:"crypto_key,optional"`
	Credentials string `hcl:"credentials,optional"`

	// Azure Key Vault
	TenantID     string `hcl:"tenant_id,optional"`
	ClientID     string `hcl:"client_id,optional"`
	ClientSecret string `hcl:"client_secret,optional"`
	VaultName    string `hcl:"vault_name,optional"`
	KeyName      string `hcl:"key_name,optional"`

	// OCI KMS
	CryptoEndpoint     string `hcl:"crypto_endpoint,optional"`
	ManagementEndpoint string `hcl:"management_endpoint,optional"`

	// Transit
	Address       string `hcl:"address,optional"`
	Token         string `hcl:"token,optional"`
	MountPath     string `hcl:"mount_path,optional"`
	TLSSkipVerify string `hcl:"tls_skip_verify,optional"`

	// Static
	CurrentKey   string `hcl:"current_key,optional"`
	CurrentKeyID string `hcl:"current_key_id,optional"`
	PreviousKey  string `hcl:"previous_key,optional"`
}

// Config returns the seal configuration as a map, the shape the
// go-kms-wrapping wrappers take their options in.
func (k *KMS) Config() map[string]string {
	config := make(map[string]string)

	set := func(key, value string) {
		if value != "" {
			config[key] = value
		}
	}

	set("key_id", k.KeyID)
	set("region", k.Region)
	set("endpoint", k.Endpoint)
	set("access_key", k.AccessKey)
	set("secret_key", k.SecretKey)
	set("domain", k.Domain)
	set("kms_key_id", k.KMSKeyID)
	set("project", k.Project)
	set("key_ring", k.KeyRing)
	set("crypto_key", k.CryptoKey)
	set("credentials", k.Credentials)
	set("tenant_id", k.TenantID)
	set("client_id", k.ClientID)
	set("client_secret", k.ClientSecret)
	set("vault_name", k.VaultName)
	set("key_name", k.KeyName)
	set("crypto_endpoint", k.CryptoEndpoint)
	set("management_endpoint", k.ManagementEndpoint)
	set("address", k.Address)
	set("token", k.Token)
	set("mount_path", k.MountPath)
	set("tls_skip_verify", k.TLSSkipVerify)
	set("current_key", k.CurrentKey)
	set("current_key_id", k.CurrentKeyID)
	set("previous_key", k.PreviousKey)

	return config
}

func LoadConfig(configFile string) (*Config, error) {
	var config Config

	err := hclsimple.DecodeFile(configFile, nil, &config)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// GetListenerByName returns a listener by its name (label)
func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for _, listener := range c.Listeners {
		if listener.Name == name {
			return &listener, nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}

// GetApiListener is a convenience method to get the api listener
func (c *Config) GetApiListener() (*ListenerBlock, error) {
	return c.GetListenerByName("api")
}

type ListenerBlock struct {
	Name            string `hcl:"name,label"`
	Protocol        string `hcl:"protocol"`
	Address         string `hcl:"address"`
	TLSCertFile     string `hcl:"tls_cert_file,optional"`
	TLSKeyFile      string `hcl:"tls_key_file,optional"`
	TLSClientCAFile string `hcl:"tls_client_ca_file,optional"`
	TLSEnabled      bool   `hcl:"tls_enabled,optional"`
}
