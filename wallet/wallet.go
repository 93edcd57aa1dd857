package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"

	"github.com/stephnangue/walletd/authorize"
)

const (
	// storagePath is the single slot the wallet record occupies. There is
	// exactly one wallet per mount, so the path carries no identifier.
	storagePath = "wallet/record"

	// formatVersion is the persisted layout version this build reads and
	// writes. Records claiming a higher version belong to a newer build
	// and are refused rather than reinterpreted.
	formatVersion = 1
)

var (
	// ErrExists is returned when createWallet finds a wallet already
	// persisted under the slot.
	ErrExists = errors.New("wallet already exists")

	// ErrNotCreated is returned by every operation that needs a wallet
	// when none has been created yet.
	ErrNotCreated = errors.New("wallet has not been created")

	// ErrFutureVersion is returned when the persisted record was written
	// by a newer build than this one.
	ErrFutureVersion = errors.New("wallet record was written by a newer version")

	// ErrInvalidInput tags caller mistakes that have no more specific
	// sentinel, such as empty required values.
	ErrInvalidInput = errors.New("invalid input")
)

// Wallet is the single persisted aggregate. It owns the full set of keys
// and users and is loaded, mutated, and saved as one unit so that a record
// on disk is always the outcome of a completed operation.
type Wallet struct {
	// Version is the layout version of the persisted record.
	Version int `json:"version"`

	// Revision increments on every save. It never persists a failed
	// mutation and is used to fence caches keyed on wallet state.
	Revision int64 `json:"revision"`

	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	// Keys is indexed by keyId, Users by userId.
	Keys  map[string]*KeyRecord  `json:"keys"`
	Users map[string]*UserRecord `json:"users"`
}

// newWallet builds a fresh aggregate with the creator registered as the
// first admin. The creator registration is what seeds the admin invariant:
// from this point on the wallet can never drop to zero admins.
func newWallet(name, creator string) *Wallet {
	w := &Wallet{
		Version:   formatVersion,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Keys:      make(map[string]*KeyRecord),
		Users:     make(map[string]*UserRecord),
	}
	w.Users[creator] = &UserRecord{
		UserID:    creator,
		Role:      authorize.RoleAdmin,
		CreatedAt: w.CreatedAt,
	}
	return w
}

// load reads the wallet record from storage. A missing record returns
// (nil, nil); callers that require a wallet use fetch instead.
func load(ctx context.Context, s sdklogical.Storage) (*Wallet, error) {
	entry, err := s.Get(ctx, storagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet record: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	var w Wallet
	if err := entry.DecodeJSON(&w); err != nil {
		return nil, fmt.Errorf("failed to decode wallet record: %w", err)
	}
	if w.Version > formatVersion {
		return nil, fmt.Errorf("%w: record version %d, this build reads up to %d",
			ErrFutureVersion, w.Version, formatVersion)
	}
	if w.Keys == nil {
		w.Keys = make(map[string]*KeyRecord)
	}
	if w.Users == nil {
		w.Users = make(map[string]*UserRecord)
	}
	return &w, nil
}

// fetch reads the wallet record and fails when none exists.
func fetch(ctx context.Context, s sdklogical.Storage) (*Wallet, error) {
	w, err := load(ctx, s)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrNotCreated
	}
	return w, nil
}

// save persists the aggregate and bumps its revision. It is only called
// after a mutation has fully succeeded in memory, so storage never holds a
// partially applied operation.
func (w *Wallet) save(ctx context.Context, s sdklogical.Storage) error {
	w.Revision++
	entry, err := sdklogical.StorageEntryJSON(storagePath, w)
	if err != nil {
		w.Revision--
		return fmt.Errorf("failed to encode wallet record: %w", err)
	}
	if err := s.Put(ctx, entry); err != nil {
		w.Revision--
		return fmt.Errorf("failed to persist wallet record: %w", err)
	}
	return nil
}

// RoleOf reports the role of userID, or false when the user is not a
// member of the wallet.
func (w *Wallet) RoleOf(userID string) (authorize.Role, bool) {
	u, ok := w.Users[userID]
	if !ok {
		return "", false
	}
	return u.Role, true
}
