package audit

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

type FileDeviceConfig struct {
	// Sink params
	Path        string `json:"file_path" default:"walletd-audit.log"`
	RotateSize  int64  `json:"rotate_size" default:"1048576000"`
	RotateDaily bool   `json:"rotate_daily" default:"true"`
	MaxBackups  int    `json:"max_backups" default:"5"`

	// Device params
	Enabled bool   `json:"enabled" default:"true"`
	Format  string `json:"format" default:"json"`
	Prefix  string `json:"prefix,omitempty"`

	// Performance options
	BufferSize  int           `json:"buffer_size" default:"100"`
	FlushPeriod time.Duration `json:"flush_period" default:"5s"`

	Mode string `json:"file_mode" default:"0600"`

	// Salting options
	HMACKey    string   `json:"hmac_key,omitempty"`
	SaltFields []string `json:"salt_fields,omitempty"`

	// Omission options
	OmitFields []string `json:"omit_fields,omitempty"`

	SkipTest bool `json:"skip_test" default:"false"`
}

// defaultSaltFields are the fields of a wallet request/response that carry
// secret material: token payloads and signatures, imported key bytes, and
// issued tokens. They are HMAC-salted before the entry reaches a sink.
func defaultSaltFields() []string {
	return []string{
		"request.data.payload",
		"request.data.key_data",
		"request.data.token",
		"response.data.token",
		"response.data.signature",
	}
}

type SocketDeviceConfig struct {
	// Sink params
	Address      string        `json:"address"`
	Network      string        `json:"socket_type" default:"tcp"`
	WriteTimeout time.Duration `json:"write_timeout" default:"10s"`

	// Device params
	Enabled bool   `json:"enabled" default:"true"`
	Format  string `json:"format" default:"json"`
	Prefix  string `json:"prefix,omitempty"`

	// Performance options
	BufferSize  int           `json:"buffer_size" default:"100"`
	FlushPeriod time.Duration `json:"flush_period" default:"5s"`

	// Salting options
	HMACKey    string   `json:"hmac_key,omitempty"`
	SaltFields []string `json:"salt_fields,omitempty"`

	// Omission options
	OmitFields []string `json:"omit_fields,omitempty"`

	SkipTest bool `json:"skip_test" default:"false"`
}

func mapToSocketDeviceConfig(data map[string]any) (*SocketDeviceConfig, error) {
	config := SocketDeviceConfig{
		Network:      "tcp",
		WriteTimeout: 10 * time.Second,
		Enabled:      true,
		Format:       "json",
		BufferSize:   100,
		FlushPeriod:  5 * time.Second,
		SaltFields:   defaultSaltFields(),
		OmitFields: []string{
			"request.headers",
			"response.headers",
		},
		SkipTest: false,
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &config,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build config decoder: %w", err)
	}

	if err := decoder.Decode(data); err != nil {
		return nil, fmt.Errorf("failed to decode socket device config: %w", err)
	}

	if config.Address == "" {
		return nil, fmt.Errorf("address is required for a socket audit device")
	}

	return &config, nil
}

func mapToFileDeviceConfig(data map[string]any) (*FileDeviceConfig, error) {
	// Set defaults first
	config := FileDeviceConfig{
		Path:        "walletd-audit.log",
		RotateSize:  1048576000, // 1000MB
		RotateDaily: true,
		MaxBackups:  5,
		Enabled:     true,
		Format:      "json",
		BufferSize:  100,
		FlushPeriod: 5 * time.Second,
		Mode:        "0600",
		SaltFields:  defaultSaltFields(),
		OmitFields: []string{
			"request.headers",
			"response.headers",
		},
		SkipTest: false,
	}

	// Decode weakly so options arriving as strings ("true", "100", "5s")
	// still land in typed fields.
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &config,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build config decoder: %w", err)
	}

	if err := decoder.Decode(data); err != nil {
		return nil, fmt.Errorf("failed to decode file device config: %w", err)
	}

	return &config, nil
}
