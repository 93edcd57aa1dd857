package wallet

import (
	"context"
	"net/http"

	"github.com/stephnangue/walletd/authorize"
	"github.com/stephnangue/walletd/framework"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
)

// tokenPaths returns the token issue and verify paths.
func (b *backend) tokenPaths() []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "jwt/sign$",
			Fields: map[string]*framework.FieldSchema{
				"key_id": {
					Type:        framework.TypeString,
					Description: "Identifier of the signing key",
					Required:    true,
				},
				"payload": {
					Type:        framework.TypeString,
					Description: "Payload to sign, carried verbatim in the token",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.handleTokenSign,
					Summary:  "Issue a signed token",
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.handleTokenSign,
					Summary:  "Issue a signed token",
				},
			},
			HelpSynopsis:    "Issue a signed token",
			HelpDescription: "POST signs the payload with the named key and returns the compact three-segment token. The key must belong to a signing algorithm.",
		},
		{
			Pattern: "jwt/verify$",
			Fields: map[string]*framework.FieldSchema{
				"key_id": {
					Type:        framework.TypeString,
					Description: "Identifier of the verifying key",
					Required:    true,
				},
				"token": {
					Type:        framework.TypeString,
					Description: "Compact token to verify",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.handleTokenVerify,
					Summary:  "Verify a signed token",
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.handleTokenVerify,
					Summary:  "Verify a signed token",
				},
			},
			HelpSynopsis:    "Verify a signed token",
			HelpDescription: "POST checks the token's structure and signature against the named key. Structural failures are reported before the key is consulted.",
		},
	}
}

// handleTokenSign issues a compact signed token.
func (b *backend) handleTokenSign(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	w, caller, err := b.fetchAuthorized(ctx, req, authorize.OpSignToken)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	keyID := d.Get("key_id").(string)
	if keyID == "" {
		return logical.ErrorResponse(logical.ErrBadRequest("key_id cannot be empty")), nil
	}
	payload := d.Get("payload").(string)

	token, err := w.BuildToken(b.provider, keyID, payload)
	if err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}

	b.logger.Debug("token issued",
		logger.String("key_id", keyID),
		logger.String("issued_by", caller))

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data:       map[string]any{"token": token},
	}, nil
}

// handleTokenVerify checks a token against the named key. Successful
// verifications are cached against the current wallet revision, so any
// mutation of the aggregate forces a fresh check.
func (b *backend) handleTokenVerify(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	w, _, err := b.fetchAuthorized(ctx, req, authorize.OpVerifyToken)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	keyID := d.Get("key_id").(string)
	if keyID == "" {
		return logical.ErrorResponse(logical.ErrBadRequest("key_id cannot be empty")), nil
	}
	token := d.Get("token").(string)
	if token == "" {
		return logical.ErrorResponse(logical.ErrBadRequest("token cannot be empty")), nil
	}

	cacheKey := b.verifiedCacheKey(w.Revision, keyID, token)
	payload, cached := b.verified.Get(cacheKey)
	if !cached {
		payload, err = w.VerifyToken(b.provider, keyID, token)
		if err != nil {
			return logical.ErrorResponse(domainError(err)), nil
		}
		b.verified.Set(cacheKey, payload, int64(len(payload))+1)
	}

	b.logger.Debug("token verified",
		logger.String("key_id", keyID),
		logger.Bool("cache_hit", cached),
		logger.String("payload", payloadPreview(payload)))

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data:       map[string]any{"valid": true},
	}, nil
}
