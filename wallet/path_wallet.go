package wallet

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stephnangue/walletd/authorize"
	"github.com/stephnangue/walletd/framework"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
)

// walletPaths returns the path handling the aggregate itself: create on
// the mount root, read for a metadata summary.
func (b *backend) walletPaths() []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "^$",
			Fields: map[string]*framework.FieldSchema{
				"name": {
					Type:        framework.TypeString,
					Description: "Display name of the wallet",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.handleWalletCreate,
					Summary:  "Create the wallet",
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.handleWalletCreate,
					Summary:  "Create the wallet",
				},
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.handleWalletRead,
					Summary:  "Read wallet metadata",
				},
			},
			HelpSynopsis:    "Create or inspect the wallet",
			HelpDescription: "POST creates the wallet with the caller as its first admin. The operation fails once a wallet exists. GET returns wallet metadata.",
		},
	}
}

// handleWalletCreate creates the one wallet this mount manages. The caller
// becomes the first admin, which is why an identity is required even
// though no membership exists yet to authorize against.
func (b *backend) handleWalletCreate(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	caller, err := callerID(req)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}
	name := d.Get("name").(string)
	if name == "" {
		return logical.ErrorResponse(logical.ErrBadRequest("name cannot be empty")), nil
	}

	existing, err := load(ctx, b.storage)
	if err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}
	if existing != nil {
		return logical.ErrorResponse(domainError(fmt.Errorf("%w: %q", ErrExists, existing.Name))), nil
	}

	w := newWallet(name, caller)
	if err := w.save(ctx, b.storage); err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}

	b.logger.Info("wallet created",
		logger.String("name", name),
		logger.String("creator", caller))

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data: map[string]any{
			"name":       w.Name,
			"version":    w.Version,
			"created_at": w.CreatedAt.Format(time.RFC3339),
			"users":      []string{caller},
			"keys":       []string{},
		},
	}, nil
}

// handleWalletRead returns a metadata summary of the wallet.
func (b *backend) handleWalletRead(ctx context.Context, req *logical.Request, _ *framework.FieldData) (*logical.Response, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	w, _, err := b.fetchAuthorized(ctx, req, authorize.OpReadWallet)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data: map[string]any{
			"name":       w.Name,
			"version":    w.Version,
			"revision":   w.Revision,
			"created_at": w.CreatedAt.Format(time.RFC3339),
			"key_count":  len(w.Keys),
			"user_count": len(w.Users),
		},
	}, nil
}
