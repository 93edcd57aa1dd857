package authorize

import (
	"errors"
	"fmt"
)

// Role is a wallet user role. The set is closed: persisted records and API
// input are validated against it.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// ErrUnknownRole is returned when a role is outside the closed set.
var ErrUnknownRole = errors.New("unknown role")

// ParseRole validates s against the closed role set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleUser:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// roleRank orders roles by privilege so a stronger role satisfies a weaker
// requirement.
var roleRank = map[Role]int{
	RoleUser:  1,
	RoleAdmin: 2,
}

// Satisfies reports whether r meets the required role.
func (r Role) Satisfies(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// Op names a wallet operation for policy lookups and error messages.
type Op string

const (
	OpAddUser    Op = "add-user"
	OpRemoveUser Op = "remove-user"
	OpReadUser   Op = "read-user"
	OpListUsers  Op = "list-users"

	OpGenerateKey Op = "generate-key"
	OpImportKey   Op = "import-key"
	OpRemoveKey   Op = "remove-key"
	OpReadKey     Op = "read-key"
	OpListKeys    Op = "list-keys"

	OpSignToken   Op = "sign-token"
	OpVerifyToken Op = "verify-token"

	OpReadWallet Op = "read-wallet"
)

// Policy maps each wallet operation to the minimum role that may perform it.
// Wallet creation is absent on purpose: it bootstraps the first admin and is
// checked before any user record exists.
type Policy struct {
	required map[Op]Role
}

// DefaultPolicy returns the wallet policy table: mutations require admin,
// queries and token operations require any registered user.
func DefaultPolicy() *Policy {
	return &Policy{
		required: map[Op]Role{
			OpAddUser:    RoleAdmin,
			OpRemoveUser: RoleAdmin,
			OpReadUser:   RoleUser,
			OpListUsers:  RoleUser,

			OpGenerateKey: RoleAdmin,
			OpImportKey:   RoleAdmin,
			OpRemoveKey:   RoleAdmin,
			OpReadKey:     RoleUser,
			OpListKeys:    RoleUser,

			OpSignToken:   RoleUser,
			OpVerifyToken: RoleUser,

			OpReadWallet: RoleUser,
		},
	}
}

// RequiredRole returns the minimum role for op. Unknown operations report
// false and must be denied by the caller.
func (p *Policy) RequiredRole(op Op) (Role, bool) {
	role, ok := p.required[op]
	return role, ok
}

// IsAllowed reports whether a caller holding role may perform op. Operations
// absent from the table are denied.
func (p *Policy) IsAllowed(role Role, op Op) bool {
	required, ok := p.required[op]
	if !ok {
		return false
	}
	return role.Satisfies(required)
}
