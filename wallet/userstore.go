package wallet

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stephnangue/walletd/authorize"
)

var (
	// ErrUserExists is returned when addUser targets a userId that is
	// already a member.
	ErrUserExists = errors.New("user already exists")

	// ErrUserNotFound is returned when a read addresses a userId that is
	// not a member. Removal of an absent user is not an error.
	ErrUserNotFound = errors.New("user not found")

	// ErrLastAdmin is returned when removing a user would leave the
	// wallet without any admin.
	ErrLastAdmin = errors.New("cannot remove the last admin")
)

// UserRecord is one wallet member. The userId doubles as the map key in
// the aggregate, kept on the record too so listings are self-contained.
type UserRecord struct {
	UserID    string         `json:"user_id"`
	Role      authorize.Role `json:"role"`
	CreatedAt time.Time      `json:"created_at"`
}

// Metadata returns the JSON-safe view of the record for responses.
func (u *UserRecord) Metadata() map[string]any {
	return map[string]any{
		"user_id":    u.UserID,
		"role":       string(u.Role),
		"created_at": u.CreatedAt.Format(time.RFC3339),
	}
}

// AddUser registers a new member with the given role. The userId must be
// non-empty and not already present, and the role must be one of the known
// roles.
func (w *Wallet) AddUser(userID, role string) (*UserRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id cannot be empty", ErrInvalidInput)
	}
	parsed, err := authorize.ParseRole(role)
	if err != nil {
		return nil, err
	}
	if _, ok := w.Users[userID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrUserExists, userID)
	}

	rec := &UserRecord{
		UserID:    userID,
		Role:      parsed,
		CreatedAt: time.Now().UTC(),
	}
	w.Users[userID] = rec
	return rec, nil
}

// RemoveUser deletes a member. Removing a userId that is not present is
// not an error and reports removed=false so the caller can skip the save.
// Removing the only remaining admin is refused: once a wallet has an
// admin it must always have one.
func (w *Wallet) RemoveUser(userID string) (bool, error) {
	u, ok := w.Users[userID]
	if !ok {
		return false, nil
	}
	if u.Role == authorize.RoleAdmin && w.adminCount() == 1 {
		return false, fmt.Errorf("%w: %q is the only admin", ErrLastAdmin, userID)
	}
	delete(w.Users, userID)
	return true, nil
}

// User returns the record for userID, or false when absent.
func (w *Wallet) User(userID string) (*UserRecord, bool) {
	u, ok := w.Users[userID]
	return u, ok
}

// ListUsers returns all members ordered by userId.
func (w *Wallet) ListUsers() []*UserRecord {
	out := make([]*UserRecord, 0, len(w.Users))
	for _, u := range w.Users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (w *Wallet) adminCount() int {
	n := 0
	for _, u := range w.Users {
		if u.Role == authorize.RoleAdmin {
			n++
		}
	}
	return n
}
