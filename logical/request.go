package logical

import (
	"net/http"
)

// Operation is an enum that is used to specify the type
// of request being made
type Operation string

const (
	CreateOperation Operation = "create"
	ReadOperation   Operation = "read"
	UpdateOperation Operation = "update"
	PatchOperation  Operation = "patch"
	DeleteOperation Operation = "delete"
	ListOperation   Operation = "list"
	HelpOperation   Operation = "help"
)

// Request is a struct that stores the parameters and context of a request
// being made to walletd. It is used to abstract the details of the higher
// level request protocol from the handlers.
type Request struct {

	// Operation is the requested operation type
	Operation Operation `json:"operation" structs:"operation" mapstructure:"operation"`

	// Request data is an opaque map that must have string keys.
	Data map[string]any `json:"data" structs:"data" mapstructure:"data"`

	// Path is the full path of the request
	Path string `json:"path" structs:"path" mapstructure:"path"`

	// MountPoint is provided so that a logical backend can generate
	// paths relative to itself. The `Path` is effectively the client
	// request path with the MountPoint trimmed off.
	MountPoint string `json:"mount_point" structs:"mount_point" mapstructure:"mount_point"`

	// MountType is provided so that a logical backend can make decisions
	// based on the specific mount type it is served under.
	MountType string `json:"mount_type" structs:"mount_type" mapstructure:"mount_type"`

	// MountAccessor identifies the mount instance that routed this request.
	MountAccessor string `json:"mount_accessor" structs:"mount_accessor" mapstructure:"mount_accessor"`

	// HTTPRequest, if set, can be used to access fields from the HTTP request
	// that generated this logical.Request object, such as headers.
	HTTPRequest *http.Request `json:"-"`

	// ClientUser is the wallet user identity the caller claims, taken from
	// the X-Walletd-User header. Authentication of that identity is the
	// deployment's concern; backends authorize against it.
	ClientUser string `json:"client_user" structs:"client_user" mapstructure:"client_user"`

	// Request metadata
	ClientIP  string `json:"client_ip" structs:"client_ip" mapstructure:"client_ip"`
	RequestID string `json:"request_id" structs:"request_id" mapstructure:"request_id"`

	// Whether the request carried no caller identity. Useful where the
	// identity header is not made accessible.
	Unauthenticated bool `json:"unauthenticated" structs:"unauthenticated" mapstructure:"unauthenticated"`
}

// Get retrieves a value from the request data, or nil if absent.
func (r *Request) Get(key string) any {
	if r.Data == nil {
		return nil
	}
	return r.Data[key]
}

// GetString retrieves a string value from the request data, or "" if the
// key is absent or not a string.
func (r *Request) GetString(key string) string {
	s, _ := r.Get(key).(string)
	return s
}

type ContextKey string

const (
	OriginalPath ContextKey = "originalPath"
)
