package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-viper/mapstructure/v2"
)

// Sys is used to perform system-related operations on Walletd.
type Sys struct {
	c *Client
}

// Sys is used to return the client for sys-related API calls.
func (c *Client) Sys() *Sys {
	return &Sys{c: c}
}

// doJSON executes a request with an optional JSON body under the
// configured timeout, decoding the response body into out when out is
// non-nil.
func (c *Sys) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancelFunc := c.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	r := c.c.NewRequest(method, path)
	if body != nil {
		if err := r.SetJSONBody(body); err != nil {
			return err
		}
	}

	resp, err := c.c.rawRequestWithContext(ctx, r)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	return resp.DecodeJSON(out)
}

// doResource is doJSON for endpoints that answer with a resource
// envelope; the envelope's Data section is decoded into out.
func (c *Sys) doResource(ctx context.Context, method, path string, out interface{}) error {
	ctx, cancelFunc := c.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	resp, err := c.c.rawRequestWithContext(ctx, c.c.NewRequest(method, path))
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return err
	}

	resource, err := ParseResource(resp.Body)
	if err != nil {
		return err
	}
	if resource == nil || resource.Data == nil {
		return errors.New("data from server response is empty")
	}
	return mapstructure.WeakDecode(resource.Data, out)
}

// InitRequest carries the initialization parameters.
type InitRequest struct {
	SecretShares      int      `json:"secret_shares"`
	SecretThreshold   int      `json:"secret_threshold"`
	PGPKeys           []string `json:"pgp_keys,omitempty"`
	StoredShares      int      `json:"stored_shares,omitempty"`
	RecoveryShares    int      `json:"recovery_shares,omitempty"`
	RecoveryThreshold int      `json:"recovery_threshold,omitempty"`
	RecoveryPGPKeys   []string `json:"recovery_pgp_keys,omitempty"`
}

// InitResponse is the response from the init endpoint.
type InitResponse struct {
	Keys            []string `json:"keys"`
	KeysB64         []string `json:"keys_base64"`
	RecoveryKeys    []string `json:"recovery_keys"`
	RecoveryKeysB64 []string `json:"recovery_keys_base64"`
}

// SealStatusResponse describes the seal state of the server.
type SealStatusResponse struct {
	Type         string `json:"type" mapstructure:"type"`
	Initialized  bool   `json:"initialized" mapstructure:"initialized"`
	Sealed       bool   `json:"sealed" mapstructure:"sealed"`
	RecoverySeal bool   `json:"recovery_seal" mapstructure:"recovery_seal"`
	StorageType  string `json:"storage_type" mapstructure:"storage_type"`
	T            int    `json:"t" mapstructure:"t"`
	N            int    `json:"n" mapstructure:"n"`
	Progress     int    `json:"progress" mapstructure:"progress"`
	Nonce        string `json:"nonce" mapstructure:"nonce"`
}

// HealthResponse describes the availability of the server.
type HealthResponse struct {
	Initialized bool `json:"initialized" mapstructure:"initialized"`
	Sealed      bool `json:"sealed" mapstructure:"sealed"`
	Standby     bool `json:"standby" mapstructure:"standby"`
}

// Init initializes the Walletd server and returns the unseal key shares.
func (c *Sys) Init(req *InitRequest) (*InitResponse, error) {
	return c.InitWithContext(context.Background(), req)
}

// InitWithContext initializes the Walletd server with context.
func (c *Sys) InitWithContext(ctx context.Context, req *InitRequest) (*InitResponse, error) {
	if req == nil {
		req = &InitRequest{}
	}

	var result InitResponse
	if err := c.doJSON(ctx, http.MethodPut, "/v1/sys/init", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// InitStatus checks whether the server has been initialized.
func (c *Sys) InitStatus() (bool, error) {
	return c.InitStatusWithContext(context.Background())
}

// InitStatusWithContext checks whether the server has been initialized.
func (c *Sys) InitStatusWithContext(ctx context.Context) (bool, error) {
	var result struct {
		Initialized bool `json:"initialized"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sys/init", nil, &result); err != nil {
		return false, err
	}
	return result.Initialized, nil
}

// SealStatus returns the seal state. It works against a sealed server.
func (c *Sys) SealStatus() (*SealStatusResponse, error) {
	return c.SealStatusWithContext(context.Background())
}

// SealStatusWithContext returns the seal state with context.
func (c *Sys) SealStatusWithContext(ctx context.Context) (*SealStatusResponse, error) {
	var result SealStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sys/seal-status", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Unseal submits a single unseal key share and returns the resulting
// seal status.
func (c *Sys) Unseal(key string) (*SealStatusResponse, error) {
	return c.UnsealWithContext(context.Background(), key)
}

// UnsealWithContext submits a single unseal key share with context.
func (c *Sys) UnsealWithContext(ctx context.Context, key string) (*SealStatusResponse, error) {
	if key == "" {
		return nil, errors.New("unseal key must not be empty")
	}
	return c.submitUnseal(ctx, map[string]any{"key": key})
}

// ResetUnsealProcess aborts the unseal attempt in progress, discarding
// the key shares submitted so far.
func (c *Sys) ResetUnsealProcess() (*SealStatusResponse, error) {
	return c.ResetUnsealProcessWithContext(context.Background())
}

// ResetUnsealProcessWithContext aborts the unseal attempt in progress.
func (c *Sys) ResetUnsealProcessWithContext(ctx context.Context) (*SealStatusResponse, error) {
	return c.submitUnseal(ctx, map[string]any{"reset": true})
}

func (c *Sys) submitUnseal(ctx context.Context, body map[string]any) (*SealStatusResponse, error) {
	var result SealStatusResponse
	if err := c.doJSON(ctx, http.MethodPut, "/v1/sys/unseal", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Seal seals the server, dropping the root key from memory.
func (c *Sys) Seal() error {
	return c.SealWithContext(context.Background())
}

// SealWithContext seals the server with context.
func (c *Sys) SealWithContext(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/sys/seal", nil, nil)
}

// Health reports the availability of the server.
func (c *Sys) Health() (*HealthResponse, error) {
	return c.HealthWithContext(context.Background())
}

// HealthWithContext reports the availability of the server.
func (c *Sys) HealthWithContext(ctx context.Context) (*HealthResponse, error) {
	var result HealthResponse
	if err := c.doResource(ctx, http.MethodGet, "/v1/sys/health", &result); err != nil {
		return nil, err
	}
	return &result, nil
}
