package wallet

import (
	"context"
	"fmt"
	"net/http"

	"github.com/stephnangue/walletd/authorize"
	"github.com/stephnangue/walletd/framework"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
)

// userPaths returns the membership paths: the collection for add and
// list, one member for read and remove.
func (b *backend) userPaths() []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "users/?$",
			Fields: map[string]*framework.FieldSchema{
				"user_id": {
					Type:        framework.TypeString,
					Description: "Identity of the user to add",
					Required:    true,
				},
				"role": {
					Type:          framework.TypeString,
					Description:   "Role of the new user",
					Required:      true,
					AllowedValues: []any{"admin", "user"},
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.handleUserAdd,
					Summary:  "Add a user to the wallet",
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.handleUserAdd,
					Summary:  "Add a user to the wallet",
				},
				logical.ListOperation: &framework.PathOperation{
					Callback: b.handleUserList,
					Summary:  "List wallet users",
				},
			},
			HelpSynopsis:    "Manage wallet membership",
			HelpDescription: "POST adds a user with a role. Duplicate user ids are refused. LIST returns all members with their roles.",
		},
		{
			Pattern: "users/" + framework.GenericNameRegex("user_id") + "$",
			Fields: map[string]*framework.FieldSchema{
				"user_id": {
					Type:        framework.TypeString,
					Description: "Identity of the user",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.handleUserRead,
					Summary:  "Read one wallet user",
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.handleUserRemove,
					Summary:  "Remove a user from the wallet",
				},
			},
			HelpSynopsis:    "Read or remove one wallet user",
			HelpDescription: "DELETE removes the user. Removing a user that is not a member succeeds without changing anything. The last admin can never be removed.",
		},
	}
}

// handleUserAdd registers a new member.
func (b *backend) handleUserAdd(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	w, caller, err := b.fetchAuthorized(ctx, req, authorize.OpAddUser)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	userID := d.Get("user_id").(string)
	role := d.Get("role").(string)

	rec, err := w.AddUser(userID, role)
	if err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}
	if err := w.save(ctx, b.storage); err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}

	b.logger.Info("user added",
		logger.String("user_id", userID),
		logger.String("role", role),
		logger.String("added_by", caller))

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data:       rec.Metadata(),
	}, nil
}

// handleUserRemove deletes a member. An absent userId is reported, not
// failed, and nothing is persisted for it.
func (b *backend) handleUserRemove(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	w, caller, err := b.fetchAuthorized(ctx, req, authorize.OpRemoveUser)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	userID := d.Get("user_id").(string)

	removed, err := w.RemoveUser(userID)
	if err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}

	resp := &logical.Response{
		StatusCode: http.StatusOK,
		Data:       map[string]any{"removed": removed},
	}
	if !removed {
		resp.AddWarning(fmt.Sprintf("user %q was not a member; nothing was removed", userID))
		return resp, nil
	}

	if err := w.save(ctx, b.storage); err != nil {
		return logical.ErrorResponse(domainError(err)), nil
	}

	b.logger.Info("user removed",
		logger.String("user_id", userID),
		logger.String("removed_by", caller))

	return resp, nil
}

// handleUserRead returns one member's metadata.
func (b *backend) handleUserRead(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	w, _, err := b.fetchAuthorized(ctx, req, authorize.OpReadUser)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	userID := d.Get("user_id").(string)
	rec, ok := w.User(userID)
	if !ok {
		return logical.ErrorResponse(domainError(fmt.Errorf("%w: %q", ErrUserNotFound, userID))), nil
	}

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data:       rec.Metadata(),
	}, nil
}

// handleUserList returns all members ordered by userId.
func (b *backend) handleUserList(ctx context.Context, req *logical.Request, _ *framework.FieldData) (*logical.Response, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	w, _, err := b.fetchAuthorized(ctx, req, authorize.OpListUsers)
	if err != nil {
		return logical.ErrorResponse(err), nil
	}

	users := w.ListUsers()
	ids := make([]string, len(users))
	info := make(map[string]any, len(users))
	for i, u := range users {
		ids[i] = u.UserID
		info[u.UserID] = u.Metadata()
	}

	resp := logical.ListResponse(ids)
	resp.StatusCode = http.StatusOK
	resp.Data["user_info"] = info
	return resp, nil
}
