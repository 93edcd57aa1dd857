package logical

// Identity describes the resolved caller of a request: the wallet user the
// request claimed plus the role the wallet currently assigns to it. It is
// attached to audit entries so access decisions stay reconstructable.
type Identity struct {
	// UserID is the wallet user identifier the caller presented.
	UserID string `json:"user_id" mapstructure:"user_id"`

	// Role is the role the wallet assigns to UserID at the time of the
	// request. Empty when the caller is unknown to the wallet.
	Role string `json:"role" mapstructure:"role"`

	// ClientIP records where the request came from.
	ClientIP string `json:"client_ip" mapstructure:"client_ip"`
}
