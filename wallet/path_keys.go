package wallet

import (
	"context"
	"encoding/pem"
	"fmt"
	"net/http"

	"github.com/stephnangue/walletd/authorize"
	"github.com/stephnangue/walletd/framework"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
	"github.com/stephnangue/walletd/provider"
)

// keyPaths returns the key management paths. The static "keys/import"
// path is registered before the keyId capture so "import" never parses
// as an identifier.
func (b *backend) keyPaths() []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "keys/?$",
			Fields: map[string]*framework.FieldSchema{
				"description": {
					Type:        framework.TypeString,
					Description: "Free-form description of the key",
				},
				"algorithm": {
					Type:          framework.TypeString,
					Description:   "Key algorithm",
					Required:      true,
					AllowedValues: []any{"ECDSA", "RSA-PSS", "Ed25519", "AES-GCM"},
				},
				"extractable": {
					Type:        framework.TypeBool,
					Description: "Whether the public half may be exported",
					Default:     false,
				},
				"owner": {
					Type:        framework.TypeString,
					Description: "Restrict a listing to keys created by this user",
					Query:       true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.handleKeyGenerate,
					Summary:  "Generate a new key",
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.handleKeyGenerate,
					Summary:  "Generate a new key",
				},
				logical.ListOperation: &framework.PathOperation{
					Callback: b.handleKeyList,
					Summary:  "List key metadata",
				},
			},
			HelpSynopsis:    "Generate or list keys",
			HelpDescription: "POST generates fresh key material and returns its metadata. Raw material never appears in responses. LIST returns metadata for all keys, optionally filtered by owner.",
		},
		{
			Pattern: "keys/import$",
			Fields: map[string]*framework.FieldSchema{
				"description": {
					Type:        framework.TypeString,
					Description: "Free-form description of the key",
				},
				"format": {
					Type:          framework.TypeString,
					Description:   "Encoding of the supplied material",
					Required:      true,
					AllowedValues: []any{"raw", "spki", "pkcs8", "jwk"},
				},
				"key_data": {
					Type:        framework.TypeString,
					Description: "Key material, base64 encoded",
					Required:    true,
				},
				"algorithm": {
					Type:          framework.TypeString,
					Description:   "Key algorithm the material must match",
					Required:      true,
					AllowedValues: []any{"ECDSA", "RSA-PSS", "Ed25519", "AES-GCM"},
				},
				"extractable": {
					Type:        framework.TypeBool,
					Description: "Whether the public half may be exported",
					Default:     false,
				},
				"usages": {
					Type:        framework.TypeCommaStringSlice,
					Description: "Permitted operations, defaults to the algorithm's full set",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.handleKeyImport,
					Summary:  "Import key material",
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.handleKeyImport,
					Summary:  "Import key material",
				},
			},
			HelpSynopsis:    "Import external key material",
			HelpDescription: "POST brings caller-supplied material under management. The material must decode in the named format and match the declared algorithm.",
		},
		{
			Pattern: "keys/" + framework.GenericNameRegex("key_id") + "$",
			Fields: map[string]*framework.FieldSchema{
				"key_id": {
					Type:        framework.TypeString,
					Description: "Identifier of the key",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.handleKeyRead,
					Summary:  "Read one key's metadata",
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.handleKeyRemove,
					Summary:  "Remove a key",
				},
			},
			HelpSynopsis:    "Read or remove one key",
			HelpDescription: "GET returns the key's metadata, including the public half when the key is extractable. DELETE removes the key; removing an absent keyId succeeds without changing anything.",
		},
	}
}

// handleKeyGenerate creates fresh material and records it.
func (b *backend) handleKeyGenerate(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	w, caller, err := b.fetchAuthorized(ctx, req, authorize.OpGenerateKey)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	description := d.Get("description").(string)
	algorithm := d.Get("algorithm").(string)
	extractable := d.Get("extractable").(bool)

	rec, err := w.GenerateKey(b.provider, description, algorithm, extractable, caller)
	if err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}
	if err := w.save(ctx, b.storage); err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}

	b.logger.Info("key generated",
		logger.String("key_id", rec.KeyID),
		logger.String("algorithm", algorithm),
		logger.String("owner", caller))

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data:       rec.Metadata(),
	}, nil
}

// handleKeyImport brings external material under management.
func (b *backend) handleKeyImport(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	w, caller, err := b.fetchAuthorized(ctx, req, authorize.OpImportKey)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	description := d.Get("description").(string)
	format := d.Get("format").(string)
	keyData := d.Get("key_data").(string)
	algorithm := d.Get("algorithm").(string)
	extractable := d.Get("extractable").(bool)
	usages := d.Get("usages").([]string)

	rec, err := w.ImportKey(b.provider, description, format, keyData, algorithm, extractable, usages, caller)
	if err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}
	if err := w.save(ctx, b.storage); err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}

	b.logger.Info("key imported",
		logger.String("key_id", rec.KeyID),
		logger.String("algorithm", algorithm),
		logger.String("format", format),
		logger.String("owner", caller))

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data:       rec.Metadata(),
	}, nil
}

// handleKeyRemove deletes a key. An absent keyId is reported, not failed,
// and nothing is persisted for it.
func (b *backend) handleKeyRemove(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	w, caller, err := b.fetchAuthorized(ctx, req, authorize.OpRemoveKey)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	keyID := d.Get("key_id").(string)

	removed := w.RemoveKey(keyID)
	resp := &logical.Response{
		StatusCode: http.StatusOK,
		Data:       map[string]any{"removed": removed},
	}
	if !removed {
		resp.AddWarning(fmt.Sprintf("key %q was not present; nothing was removed", keyID))
		return resp, nil
	}

	if err := w.save(ctx, b.storage); err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}

	b.logger.Info("key removed",
		logger.String("key_id", keyID),
		logger.String("removed_by", caller))

	return resp, nil
}

// handleKeyRead returns one key's metadata. Extractable asymmetric keys
// also get their public half, PEM encoded.
func (b *backend) handleKeyRead(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	w, _, err := b.fetchAuthorized(ctx, req, authorize.OpReadKey)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	keyID := d.Get("key_id").(string)
	rec, ok := w.Key(keyID)
	if !ok {
		return logical.ErrorResponse(domainError(fmt.Errorf("%w: %q", ErrKeyNotFound, keyID))), nil
	}

	data := rec.Metadata()
	if rec.Extractable && rec.Algorithm != provider.AlgAESGCM {
		der, err := b.provider.ExportPublic(rec.Handle)
		if err != nil {
			return logical.ErrorResponse(domainError(err)), nil
		}
		data["public_key"] = string(pem.EncodeToMemory(&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: der,
		}))
	}

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data:       data,
	}, nil
}

// handleKeyList returns metadata for all keys, optionally restricted to
// one owner.
func (b *backend) handleKeyList(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	w, _, err := b.fetchAuthorized(ctx, req, authorize.OpListKeys)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	owner := d.Get("owner").(string)

	keys := w.ListKeys(owner)
	ids := make([]string, len(keys))
	info := make(map[string]any, len(keys))
	for i, k := range keys {
		ids[i] = k.KeyID
		info[k.KeyID] = k.Metadata()
	}

	resp := logical.ListResponse(ids)
	resp.StatusCode = http.StatusOK
	resp.Data["key_info"] = info
	return resp, nil
}
