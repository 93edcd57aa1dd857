package audit

import (
	"context"
	"encoding/json"
	"strings"
)

// JSONFormat renders audit entries as single-line JSON, optionally
// behind a fixed prefix. Sensitive fields can be salted through a
// SaltFunc and noisy fields can be dropped entirely.
type JSONFormat struct {
	prefix     string
	saltFn     SaltFunc
	omitFields []string
	saltFields []string
}

// JSONFormatOption is a functional option for JSONFormat
type JSONFormatOption func(*JSONFormat)

// NewJSONFormat creates a new JSON format
func NewJSONFormat(opts ...JSONFormatOption) *JSONFormat {
	f := &JSONFormat{
		omitFields: []string{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithPrefix sets a prefix for each log line
func WithPrefix(prefix string) JSONFormatOption {
	return func(f *JSONFormat) { f.prefix = prefix }
}

// WithSaltFunc sets a salt function for sensitive data
func WithSaltFunc(fn SaltFunc) JSONFormatOption {
	return func(f *JSONFormat) { f.saltFn = fn }
}

// WithOmitFields sets fields to omit from output
func WithOmitFields(fields []string) JSONFormatOption {
	return func(f *JSONFormat) { f.omitFields = fields }
}

// WithSaltFields sets fields to salt in the output
func WithSaltFields(fields []string) JSONFormatOption {
	return func(f *JSONFormat) { f.saltFields = fields }
}

// FormatRequest formats a request entry as JSON
func (f *JSONFormat) FormatRequest(ctx context.Context, entry *LogEntry) ([]byte, error) {
	return f.format(ctx, entry, EntryTypeRequest)
}

// FormatResponse formats a response entry as JSON
func (f *JSONFormat) FormatResponse(ctx context.Context, entry *LogEntry) ([]byte, error) {
	return f.format(ctx, entry, EntryTypeResponse)
}

// Name returns the format name
func (f *JSONFormat) Name() string {
	return "json"
}

func (f *JSONFormat) format(ctx context.Context, entry *LogEntry, entryType EntryType) ([]byte, error) {
	entry.Type = string(entryType)

	if f.saltFn != nil {
		if err := f.saltEntry(ctx, entry); err != nil {
			return nil, err
		}
	}
	f.omitFromEntry(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if f.prefix != "" {
		return append([]byte(f.prefix), data...), nil
	}
	return data, nil
}

// saltEntry salts every configured field path. A path that fails to
// salt is skipped so the remaining paths still get processed.
func (f *JSONFormat) saltEntry(ctx context.Context, entry *LogEntry) error {
	for _, fieldPath := range f.saltFields {
		parts := strings.Split(fieldPath, ".")
		if len(parts) < 2 {
			continue
		}
		switch parts[0] {
		case "identity":
			f.saltIdentity(ctx, entry.Identity, parts[1])
		case "request":
			if entry.Request != nil {
				f.saltSection(ctx, parts[1:], entry.Request.Data, &entry.Request.ClientIP)
			}
		case "response":
			if entry.Response != nil {
				f.saltSection(ctx, parts[1:], entry.Response.Data, nil)
			}
		}
	}
	return nil
}

// saltString replaces s with its salted form. Empty strings and salt
// errors leave the value untouched.
func (f *JSONFormat) saltString(ctx context.Context, s *string) {
	if s == nil || *s == "" {
		return
	}
	if salted, err := f.saltFn(ctx, *s); err == nil {
		*s = salted
	}
}

func (f *JSONFormat) saltIdentity(ctx context.Context, identity *Identity, field string) {
	if identity == nil {
		return
	}
	switch field {
	case "user_id":
		f.saltString(ctx, &identity.UserID)
	case "client_ip":
		f.saltString(ctx, &identity.ClientIP)
	}
}

// saltSection handles the sub-paths shared by request and response
// entries: "data" (every string value), "data.<key>" (one value), and
// "client_ip" when the section carries one.
func (f *JSONFormat) saltSection(ctx context.Context, parts []string, data map[string]interface{}, clientIP *string) {
	switch parts[0] {
	case "data":
		if data == nil {
			return
		}
		if len(parts) == 1 {
			for key := range data {
				f.saltDataKey(ctx, data, key)
			}
			return
		}
		f.saltDataKey(ctx, data, parts[1])
	case "client_ip":
		f.saltString(ctx, clientIP)
	}
}

func (f *JSONFormat) saltDataKey(ctx context.Context, data map[string]interface{}, key string) {
	strValue, ok := data[key].(string)
	if !ok || strValue == "" {
		return
	}
	if salted, err := f.saltFn(ctx, strValue); err == nil {
		data[key] = salted
	}
}

// omitFromEntry removes configured fields before serialization. Paths
// are dot separated: a bare section name ("identity", "request.data")
// drops the whole section, deeper paths blank individual fields.
func (f *JSONFormat) omitFromEntry(entry *LogEntry) {
	for _, fieldPath := range f.omitFields {
		parts := strings.Split(fieldPath, ".")
		switch parts[0] {
		case "identity":
			if len(parts) == 1 {
				entry.Identity = nil
			} else {
				omitIdentityField(entry.Identity, parts[1])
			}
		case "request":
			if len(parts) == 1 {
				entry.Request = nil
			} else {
				omitRequestField(entry.Request, parts[1:])
			}
		case "response":
			if len(parts) == 1 {
				entry.Response = nil
			} else {
				omitResponseField(entry.Response, parts[1:])
			}
		case "metadata":
			if len(parts) == 1 {
				entry.Metadata = nil
			} else if entry.Metadata != nil {
				delete(entry.Metadata, parts[1])
			}
		case "error":
			entry.Error = ""
		}
	}
}

func omitIdentityField(identity *Identity, field string) {
	if identity == nil {
		return
	}
	switch field {
	case "user_id":
		identity.UserID = ""
	case "role":
		identity.Role = ""
	case "client_ip":
		identity.ClientIP = ""
	}
}

func omitRequestField(request *Request, parts []string) {
	if request == nil {
		return
	}
	switch parts[0] {
	case "id":
		request.ID = ""
	case "method":
		request.Method = ""
	case "operation":
		request.Operation = ""
	case "client_ip":
		request.ClientIP = ""
	case "path":
		request.Path = ""
	case "data":
		request.Data = omitMapField(request.Data, parts)
	case "headers":
		request.Headers = omitMapField(request.Headers, parts)
	case "mount_type":
		request.MountType = ""
	case "mount_accessor":
		request.MountAccessor = ""
	case "mount_path":
		request.MountPath = ""
	}
}

func omitResponseField(response *Response, parts []string) {
	if response == nil {
		return
	}
	switch parts[0] {
	case "status_code":
		response.StatusCode = 0
	case "message":
		response.Message = ""
	case "warnings":
		response.Warnings = nil
	case "data":
		response.Data = omitMapField(response.Data, parts)
	case "headers":
		response.Headers = omitMapField(response.Headers, parts)
	case "mount_type":
		response.MountType = ""
	case "mount_accessor":
		response.MountAccessor = ""
	case "mount_path":
		response.MountPath = ""
	}
}

// omitMapField drops the whole map when the path stops at it, or just
// the named key when the path goes one level deeper.
func omitMapField[V any](m map[string]V, parts []string) map[string]V {
	if len(parts) == 1 {
		return nil
	}
	if m != nil {
		delete(m, parts[1])
	}
	return m
}
