package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-viper/mapstructure/v2"
)

// Wallet is used to perform wallet operations: the aggregate itself, its
// keys and users, and token issuance. All operations act as the client's
// configured user identity.
type Wallet struct {
	c *Client
}

// Wallet is used to return the client for wallet API calls.
func (c *Client) Wallet() *Wallet {
	return &Wallet{c: c}
}

// WalletInfo is the wallet aggregate's metadata.
type WalletInfo struct {
	Name      string `json:"name" mapstructure:"name"`
	Version   int    `json:"version" mapstructure:"version"`
	Revision  uint64 `json:"revision" mapstructure:"revision"`
	CreatedAt string `json:"created_at" mapstructure:"created_at"`
	KeyCount  int    `json:"key_count" mapstructure:"key_count"`
	UserCount int    `json:"user_count" mapstructure:"user_count"`
}

// KeyInfo is one key's metadata. Raw key material never appears here;
// PublicKey is only set on reads of extractable asymmetric keys.
type KeyInfo struct {
	KeyID       string   `json:"key_id" mapstructure:"key_id"`
	Description string   `json:"description" mapstructure:"description"`
	Algorithm   string   `json:"algorithm" mapstructure:"algorithm"`
	Extractable bool     `json:"extractable" mapstructure:"extractable"`
	Usages      []string `json:"usages" mapstructure:"usages"`
	Owner       string   `json:"owner" mapstructure:"owner"`
	CreatedAt   string   `json:"created_at" mapstructure:"created_at"`
	PublicKey   string   `json:"public_key" mapstructure:"public_key"`
}

// UserInfo is one wallet member's metadata.
type UserInfo struct {
	UserID    string `json:"user_id" mapstructure:"user_id"`
	Role      string `json:"role" mapstructure:"role"`
	CreatedAt string `json:"created_at" mapstructure:"created_at"`
}

// GenerateKeyRequest is the request body for generating a key.
type GenerateKeyRequest struct {
	Description string `json:"description,omitempty"`
	Algorithm   string `json:"algorithm"`
	Extractable bool   `json:"extractable,omitempty"`
}

// ImportKeyRequest is the request body for importing key material.
type ImportKeyRequest struct {
	Description string   `json:"description,omitempty"`
	Format      string   `json:"format"`
	KeyData     string   `json:"key_data"`
	Algorithm   string   `json:"algorithm"`
	Extractable bool     `json:"extractable,omitempty"`
	Usages      []string `json:"usages,omitempty"`
}

func (w *Wallet) Create(name string) (*WalletInfo, error) {
	return w.CreateWithContext(context.Background(), name)
}

func (w *Wallet) CreateWithContext(ctx context.Context, name string) (*WalletInfo, error) {
	resource, err := w.write(ctx, "/v1/wallet/", map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	return decodeWalletInfo(resource)
}

func (w *Wallet) Read() (*WalletInfo, error) {
	return w.ReadWithContext(context.Background())
}

func (w *Wallet) ReadWithContext(ctx context.Context) (*WalletInfo, error) {
	resource, err := w.read(ctx, "/v1/wallet/")
	if err != nil {
		return nil, err
	}
	return decodeWalletInfo(resource)
}

func (w *Wallet) GenerateKey(req *GenerateKeyRequest) (*KeyInfo, error) {
	return w.GenerateKeyWithContext(context.Background(), req)
}

func (w *Wallet) GenerateKeyWithContext(ctx context.Context, req *GenerateKeyRequest) (*KeyInfo, error) {
	resource, err := w.write(ctx, "/v1/wallet/keys", map[string]any{
		"description": req.Description,
		"algorithm":   req.Algorithm,
		"extractable": req.Extractable,
	})
	if err != nil {
		return nil, err
	}
	return decodeKeyInfo(resource)
}

func (w *Wallet) ImportKey(req *ImportKeyRequest) (*KeyInfo, error) {
	return w.ImportKeyWithContext(context.Background(), req)
}

func (w *Wallet) ImportKeyWithContext(ctx context.Context, req *ImportKeyRequest) (*KeyInfo, error) {
	body := map[string]any{
		"description": req.Description,
		"format":      req.Format,
		"key_data":    req.KeyData,
		"algorithm":   req.Algorithm,
		"extractable": req.Extractable,
	}
	if len(req.Usages) > 0 {
		body["usages"] = req.Usages
	}

	resource, err := w.write(ctx, "/v1/wallet/keys/import", body)
	if err != nil {
		return nil, err
	}
	return decodeKeyInfo(resource)
}

func (w *Wallet) ReadKey(keyID string) (*KeyInfo, error) {
	return w.ReadKeyWithContext(context.Background(), keyID)
}

func (w *Wallet) ReadKeyWithContext(ctx context.Context, keyID string) (*KeyInfo, error) {
	resource, err := w.read(ctx, "/v1/wallet/keys/"+keyID)
	if err != nil {
		return nil, err
	}
	return decodeKeyInfo(resource)
}

// ListKeys returns metadata for every key, keyed by keyId. A non-empty
// owner restricts the listing to keys created by that user.
func (w *Wallet) ListKeys(owner string) (map[string]*KeyInfo, error) {
	return w.ListKeysWithContext(context.Background(), owner)
}

func (w *Wallet) ListKeysWithContext(ctx context.Context, owner string) (map[string]*KeyInfo, error) {
	ctx, cancelFunc := w.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	r := w.c.NewRequest(http.MethodGet, "/v1/wallet/keys")
	r.Params.Set("walletd-list", "true")
	if owner != "" {
		r.Params.Set("owner", owner)
	}

	resource, err := w.do(ctx, r)
	if err != nil {
		return nil, err
	}

	keys := map[string]*KeyInfo{}
	if err := mapstructure.Decode(resource.Data["key_info"], &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// RemoveKey deletes a key. It reports whether the key was present.
func (w *Wallet) RemoveKey(keyID string) (bool, error) {
	return w.RemoveKeyWithContext(context.Background(), keyID)
}

func (w *Wallet) RemoveKeyWithContext(ctx context.Context, keyID string) (bool, error) {
	ctx, cancelFunc := w.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	r := w.c.NewRequest(http.MethodDelete, "/v1/wallet/keys/"+keyID)

	resource, err := w.do(ctx, r)
	if err != nil {
		return false, err
	}

	removed, _ := resource.Data["removed"].(bool)
	return removed, nil
}

func (w *Wallet) AddUser(userID, role string) (*UserInfo, error) {
	return w.AddUserWithContext(context.Background(), userID, role)
}

func (w *Wallet) AddUserWithContext(ctx context.Context, userID, role string) (*UserInfo, error) {
	resource, err := w.write(ctx, "/v1/wallet/users", map[string]any{
		"user_id": userID,
		"role":    role,
	})
	if err != nil {
		return nil, err
	}
	return decodeUserInfo(resource)
}

func (w *Wallet) ReadUser(userID string) (*UserInfo, error) {
	return w.ReadUserWithContext(context.Background(), userID)
}

func (w *Wallet) ReadUserWithContext(ctx context.Context, userID string) (*UserInfo, error) {
	resource, err := w.read(ctx, "/v1/wallet/users/"+userID)
	if err != nil {
		return nil, err
	}
	return decodeUserInfo(resource)
}

// ListUsers returns every member with their role, keyed by userId.
func (w *Wallet) ListUsers() (map[string]*UserInfo, error) {
	return w.ListUsersWithContext(context.Background())
}

func (w *Wallet) ListUsersWithContext(ctx context.Context) (map[string]*UserInfo, error) {
	ctx, cancelFunc := w.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	r := w.c.NewRequest(http.MethodGet, "/v1/wallet/users")
	r.Params.Set("walletd-list", "true")

	resource, err := w.do(ctx, r)
	if err != nil {
		return nil, err
	}

	users := map[string]*UserInfo{}
	if err := mapstructure.Decode(resource.Data["user_info"], &users); err != nil {
		return nil, err
	}
	return users, nil
}

// RemoveUser deletes a member. It reports whether the user was a member.
func (w *Wallet) RemoveUser(userID string) (bool, error) {
	return w.RemoveUserWithContext(context.Background(), userID)
}

func (w *Wallet) RemoveUserWithContext(ctx context.Context, userID string) (bool, error) {
	ctx, cancelFunc := w.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	r := w.c.NewRequest(http.MethodDelete, "/v1/wallet/users/"+userID)

	resource, err := w.do(ctx, r)
	if err != nil {
		return false, err
	}

	removed, _ := resource.Data["removed"].(bool)
	return removed, nil
}

// SignToken issues a compact signed token over the payload with the
// named key.
func (w *Wallet) SignToken(keyID, payload string) (string, error) {
	return w.SignTokenWithContext(context.Background(), keyID, payload)
}

func (w *Wallet) SignTokenWithContext(ctx context.Context, keyID, payload string) (string, error) {
	resource, err := w.write(ctx, "/v1/wallet/jwt/sign", map[string]any{
		"key_id":  keyID,
		"payload": payload,
	})
	if err != nil {
		return "", err
	}

	token, ok := resource.Data["token"].(string)
	if !ok || token == "" {
		return "", errors.New("no token in server response")
	}
	return token, nil
}

// VerifyToken checks a compact token against the named key. A structural
// or signature failure comes back as an error, not a false result.
func (w *Wallet) VerifyToken(keyID, token string) (bool, error) {
	return w.VerifyTokenWithContext(context.Background(), keyID, token)
}

func (w *Wallet) VerifyTokenWithContext(ctx context.Context, keyID, token string) (bool, error) {
	resource, err := w.write(ctx, "/v1/wallet/jwt/verify", map[string]any{
		"key_id": keyID,
		"token":  token,
	})
	if err != nil {
		return false, err
	}

	valid, _ := resource.Data["valid"].(bool)
	return valid, nil
}

func (w *Wallet) read(ctx context.Context, path string) (*Resource, error) {
	ctx, cancelFunc := w.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	r := w.c.NewRequest(http.MethodGet, path)
	return w.do(ctx, r)
}

func (w *Wallet) write(ctx context.Context, path string, body map[string]any) (*Resource, error) {
	ctx, cancelFunc := w.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	r := w.c.NewRequest(http.MethodPut, path)
	if err := r.SetJSONBody(body); err != nil {
		return nil, err
	}
	return w.do(ctx, r)
}

func (w *Wallet) do(ctx context.Context, r *Request) (*Resource, error) {
	resp, err := w.c.rawRequestWithContext(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	resource, err := ParseResource(resp.Body)
	if err != nil {
		return nil, err
	}
	if resource == nil || resource.Data == nil {
		return nil, fmt.Errorf("data from server response is empty")
	}
	return resource, nil
}

func decodeWalletInfo(resource *Resource) (*WalletInfo, error) {
	var info WalletInfo
	if err := mapstructure.WeakDecode(resource.Data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func decodeKeyInfo(resource *Resource) (*KeyInfo, error) {
	var info KeyInfo
	if err := mapstructure.WeakDecode(resource.Data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func decodeUserInfo(resource *Resource) (*UserInfo, error) {
	var info UserInfo
	if err := mapstructure.WeakDecode(resource.Data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
