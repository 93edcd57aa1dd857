package configutil

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/hashicorp/errwrap"
	wrapping "github.com/openbao/go-kms-wrapping/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/alicloudkms/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/awskms/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/azurekeyvault/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/gcpckms/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/kmip/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/ocikms/v2"
	statickms "github.com/openbao/go-kms-wrapping/wrappers/static/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/transit/v2"
	"github.com/openbao/openbao/sdk/v2/logical"
	"github.com/stephnangue/walletd/config"
	"github.com/stephnangue/walletd/logger"
)

var (
	ConfigureWrapper             = configureWrapper
	CreateSecureRandomReaderFunc = createSecureRandomReader
)

// Entropy contains Entropy configuration for the server
type EntropyMode int

const (
	EntropyUnknown EntropyMode = iota
	EntropyAugmentation
)

type Entropy struct {
	Mode EntropyMode
}

// wrapperFactory describes how to build and introspect one seal wrapper
// type. collectInfo turns the wrapper's metadata into the display lines
// printed at startup. strict wrappers fail configuration on any error;
// the rest tolerate a missing root key so the seal can be configured
// before the remote key exists.
type wrapperFactory struct {
	newWrapper  func() wrapping.Wrapper
	collectInfo func(meta, info map[string]string)
	strict      bool
}

var wrapperFactories = map[wrapping.WrapperType]wrapperFactory{
	wrapping.WrapperTypeAliCloudKms: {
		newWrapper: func() wrapping.Wrapper { return alicloudkms.NewWrapper() },
		collectInfo: func(meta, info map[string]string) {
			info["AliCloud KMS Region"] = meta["region"]
			info["AliCloud KMS KeyID"] = meta["kms_key_id"]
			if domain, ok := meta["domain"]; ok {
				info["AliCloud KMS Domain"] = domain
			}
		},
	},
	wrapping.WrapperTypeAwsKms: {
		newWrapper: func() wrapping.Wrapper { return awskms.NewWrapper() },
		collectInfo: func(meta, info map[string]string) {
			info["AWS KMS Region"] = meta["region"]
			info["AWS KMS KeyID"] = meta["kms_key_id"]
			if endpoint, ok := meta["endpoint"]; ok {
				info["AWS KMS Endpoint"] = endpoint
			}
		},
	},
	wrapping.WrapperTypeAzureKeyVault: {
		newWrapper: func() wrapping.Wrapper { return azurekeyvault.NewWrapper() },
		collectInfo: func(meta, info map[string]string) {
			info["Azure Environment"] = meta["environment"]
			info["Azure Vault Name"] = meta["vault_name"]
			info["Azure Key Name"] = meta["key_name"]
		},
	},
	wrapping.WrapperTypeGcpCkms: {
		newWrapper: func() wrapping.Wrapper { return gcpckms.NewWrapper() },
		collectInfo: func(meta, info map[string]string) {
			info["GCP KMS Project"] = meta["project"]
			info["GCP KMS Region"] = meta["region"]
			info["GCP KMS Key Ring"] = meta["key_ring"]
			info["GCP KMS Crypto Key"] = meta["crypto_key"]
		},
	},
	wrapping.WrapperTypeOciKms: {
		newWrapper: func() wrapping.Wrapper { return ocikms.NewWrapper() },
		strict:     true,
		collectInfo: func(meta, info map[string]string) {
			info["OCI KMS KeyID"] = meta[ocikms.KmsConfigKeyId]
			info["OCI KMS Crypto Endpoint"] = meta[ocikms.KmsConfigCryptoEndpoint]
			info["OCI KMS Management Endpoint"] = meta[ocikms.KmsConfigManagementEndpoint]
			info["OCI KMS Principal Type"] = meta["principal_type"]
		},
	},
	wrapping.WrapperTypeTransit: {
		newWrapper: func() wrapping.Wrapper { return transit.NewWrapper() },
		collectInfo: func(meta, info map[string]string) {
			info["Transit Address"] = meta["address"]
			info["Transit Mount Path"] = meta["mount_path"]
			info["Transit Key Name"] = meta["key_name"]
			if namespace, ok := meta["namespace"]; ok {
				info["Transit Namespace"] = namespace
			}
		},
	},
	wrapping.WrapperTypeKmip: {
		newWrapper: func() wrapping.Wrapper { return kmip.NewWrapper() },
		strict:     true,
		collectInfo: func(meta, info map[string]string) {
			info["KMIP Key ID"] = meta["kms_key_id"]
			info["KMIP Endpoint"] = meta["endpoint"]
			info["KMIP Timeout"] = meta["timeout"]
			info["KMIP Encryption Algorithm"] = meta["encrypt_alg"]
			info["KMIP Protocol Version"] = meta["kmip_version"]
			if tlsCiphers := meta["kmip_tls12_ciphers"]; tlsCiphers != "" {
				info["KMIP TLS 1.2 Ciphers"] = tlsCiphers
			}
			if pubKeyId := meta["kms_public_key_id"]; pubKeyId != "" {
				info["KMIP Public Key ID"] = pubKeyId
			}
			if serverName := meta["server_name"]; serverName != "" {
				info["KMIP Server Name"] = serverName
			}
		},
	},
	wrapping.WrapperTypeStatic: {
		newWrapper: func() wrapping.Wrapper { return statickms.NewWrapper() },
		collectInfo: func(meta, info map[string]string) {
			if prev, ok := meta["previous_key_id"]; ok {
				info["Static KMS Previous Key ID"] = prev
			}
			info["Static KMS Key ID"] = meta["current_key_id"]
		},
	},
}

func configureWrapper(configKMS *config.KMS, infoKeys *[]string, info *map[string]string, logger logger.Logger, opts ...wrapping.Option) (wrapping.Wrapper, error) {
	typ := wrapping.WrapperType(configKMS.Type)
	if typ == wrapping.WrapperTypeShamir {
		return nil, nil
	}

	factory, ok := wrapperFactories[typ]
	if !ok {
		return nil, fmt.Errorf("unknown KMS type %q", configKMS.Type)
	}

	if typ == wrapping.WrapperTypeOciKms {
		if keyId, ok := configKMS.Config()["key_id"]; ok {
			opts = append(opts, wrapping.WithKeyId(keyId))
		}
	}

	wrapper, kmsInfo, err := newConfiguredWrapper(configKMS, factory, opts...)
	if err != nil {
		return nil, err
	}

	if infoKeys != nil && info != nil {
		for k, v := range kmsInfo {
			*infoKeys = append(*infoKeys, k)
			(*info)[k] = v
		}
	}

	return wrapper, nil
}

func newConfiguredWrapper(kms *config.KMS, factory wrapperFactory, opts ...wrapping.Option) (wrapping.Wrapper, map[string]string, error) {
	wrapper := factory.newWrapper()
	wrapperInfo, err := wrapper.SetConfig(context.Background(), append(opts, wrapping.WithConfigMap(kms.Config()))...)
	if err != nil {
		// A missing root key is recoverable for non-strict wrappers; the
		// seal is usable once the remote key exists.
		if factory.strict || !errwrap.ContainsType(err, new(logical.KeyNotFoundError)) {
			return nil, nil, err
		}
	}

	info := make(map[string]string)
	if wrapperInfo != nil {
		factory.collectInfo(wrapperInfo.Metadata, info)
	}
	return wrapper, info, nil
}

func createSecureRandomReader(wrapper wrapping.Wrapper) (io.Reader, error) {
	return rand.Reader, nil
}
