package api

import (
	"context"
	"fmt"
	"net/http"
)

// Audit describes an enabled audit device as reported by the server.
type Audit struct {
	Type        string            `json:"type" mapstructure:"type"`
	Description string            `json:"description" mapstructure:"description"`
	Accessor    string            `json:"accessor" mapstructure:"accessor"`
	Options     map[string]string `json:"options" mapstructure:"options"`
}

// EnableAuditOptions is the request body for enabling an audit device.
type EnableAuditOptions struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

func (c *Sys) ListAudit() (map[string]*Audit, error) {
	return c.ListAuditWithContext(context.Background())
}

func (c *Sys) ListAuditWithContext(ctx context.Context) (map[string]*Audit, error) {
	devices := map[string]*Audit{}
	if err := c.doResource(ctx, http.MethodGet, "/v1/sys/audit", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *Sys) EnableAudit(path string, options *EnableAuditOptions) error {
	return c.EnableAuditWithContext(context.Background(), path, options)
}

func (c *Sys) EnableAuditWithContext(ctx context.Context, path string, options *EnableAuditOptions) error {
	return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/v1/sys/audit/%s", path), options, nil)
}

func (c *Sys) DisableAudit(path string) error {
	return c.DisableAuditWithContext(context.Background(), path)
}

func (c *Sys) DisableAuditWithContext(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/sys/audit/%s", path), nil, nil)
}
