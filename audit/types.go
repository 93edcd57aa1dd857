package audit

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/stephnangue/walletd/logger"
)

// LogEntry is one audit record. Request entries are written before a
// request is routed, response entries after the handler returns; both
// share the same envelope.
type LogEntry struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Identity  *Identity              `json:"identity,omitempty"`
	Request   *Request               `json:"request,omitempty"`
	Response  *Response              `json:"response,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Clone deep-copies the entry. Formatters mutate entries in place when
// salting and omitting fields, so each device gets its own copy.
func (e *LogEntry) Clone() *LogEntry {
	if e == nil {
		return nil
	}

	clone := *e
	clone.Metadata = maps.Clone(e.Metadata)

	if e.Identity != nil {
		identity := *e.Identity
		clone.Identity = &identity
	}

	if e.Request != nil {
		req := *e.Request
		req.Data = maps.Clone(e.Request.Data)
		req.Headers = cloneHeaders(e.Request.Headers)
		clone.Request = &req
	}

	if e.Response != nil {
		resp := *e.Response
		resp.Data = maps.Clone(e.Response.Data)
		resp.Headers = cloneHeaders(e.Response.Headers)
		resp.Warnings = slices.Clone(e.Response.Warnings)
		clone.Response = &resp
	}

	return &clone
}

// cloneHeaders copies the header map including the value slices.
func cloneHeaders(h map[string][]string) map[string][]string {
	if h == nil {
		return nil
	}
	clone := make(map[string][]string, len(h))
	for k, v := range h {
		if v != nil {
			clone[k] = slices.Clone(v)
		}
	}
	return clone
}

// Identity records the wallet user a request claimed and the role the
// wallet assigned to it when the entry was written.
type Identity struct {
	UserID   string `json:"user_id,omitempty"`
	Role     string `json:"role,omitempty"`
	ClientIP string `json:"client_ip,omitempty"`
}

// Request contains request information
type Request struct {
	ID              string                 `json:"id"`
	Method          string                 `json:"method"`
	Operation       string                 `json:"operation"`
	ClientIP        string                 `json:"client_ip"`
	Path            string                 `json:"path"`
	Data            map[string]interface{} `json:"data,omitempty"`
	Headers         map[string][]string    `json:"headers,omitempty"`
	MountType       string                 `json:"mount_type,omitempty"`
	MountAccessor   string                 `json:"mount_accessor,omitempty"`
	MountPath       string                 `json:"mount_path,omitempty"`
	Unauthenticated bool                   `json:"unauthenticated,omitempty"`
}

// Response contains response information
type Response struct {
	Data          map[string]interface{} `json:"data,omitempty"`
	StatusCode    int                    `json:"status_code,omitempty"`
	Message       string                 `json:"message,omitempty"`
	MountType     string                 `json:"mount_type,omitempty"`
	MountAccessor string                 `json:"mount_accessor,omitempty"`
	MountPath     string                 `json:"mount_path,omitempty"`
	Warnings      []string               `json:"warnings,omitempty"`
	Headers       map[string][]string    `json:"headers,omitempty"`
}

// EntryType defines the type of audit entry
type EntryType string

const (
	EntryTypeRequest  EntryType = "request"
	EntryTypeResponse EntryType = "response"
)

// Format serializes entries for a sink. Name reports the format
// identifier used in device configuration ("json").
type Format interface {
	FormatRequest(ctx context.Context, entry *LogEntry) ([]byte, error)
	FormatResponse(ctx context.Context, entry *LogEntry) ([]byte, error)
	Name() string
}

// Sink is an audit log destination. Name identifies the configured
// instance, Type the kind of destination (file, socket, ...).
type Sink interface {
	Write(ctx context.Context, entry []byte) error
	Close() error
	Name() string
	Type() string
}

// Device combines a format and a sink behind an enabled flag.
// LogTestRequest writes a synthetic entry so enabling a device can
// verify it end to end before it counts toward quorum.
type Device interface {
	LogRequest(ctx context.Context, entry *LogEntry) error
	LogResponse(ctx context.Context, entry *LogEntry) error
	LogTestRequest(ctx context.Context) error
	Close() error
	Name() string
	Enabled() bool
	SetEnabled(enabled bool)
	GetType() string
	GetDescription() string
	GetAccessor() string
}

// FilterFunc is a function that filters audit entries
type FilterFunc func(entry *LogEntry) bool

// SaltFunc is a function that salts sensitive data
type SaltFunc func(ctx context.Context, data string) (string, error)

// DeviceConfig contains configuration for an audit device
type DeviceConfig struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Accessor    string                 `json:"accessor,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
	Enabled     bool                   `json:"enabled"`
	Format      string                 `json:"format"`
	Prefix      string                 `json:"prefix,omitempty"`
	HMACKey     string                 `json:"hmac_key,omitempty"`

	// Filtering options
	ExcludePaths []string `json:"exclude_paths,omitempty"`
	IncludePaths []string `json:"include_paths,omitempty"`

	// Performance options
	BufferSize  int           `json:"buffer_size,omitempty"`
	FlushPeriod time.Duration `json:"flush_period,omitempty"`
}

// AuditManager fans entries out to the registered devices. LogRequest
// and LogResponse return (continue, error): continue is true when at
// least one device accepted the entry, which is what request handling
// keys off before letting a request proceed.
type AuditManager interface {
	RegisterDevice(name string, device Device) error
	UnregisterDevice(name string) error
	GetDevice(name string) (Device, error)
	ListDevices() []string
	LogRequest(ctx context.Context, entry *LogEntry) (bool, error)
	LogResponse(ctx context.Context, entry *LogEntry) (bool, error)

	// Reset unregisters every device, Close shuts them down.
	Reset(ctx context.Context) error
	Close() error
}

// AuditAccess is the narrow view of the manager handed to callers that
// only write entries.
type AuditAccess interface {
	LogRequest(ctx context.Context, entry *LogEntry) (bool, error)
	LogResponse(ctx context.Context, entry *LogEntry) (bool, error)
}

// Factory constructs audit devices of a given type.
type Factory interface {
	Type() string
	Create(ctx context.Context,
		mountPath string,
		description string,
		accessor string,
		config map[string]any) (Device, error)
	Initialize(logger logger.Logger) error
}
