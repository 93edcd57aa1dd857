package core

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/stephnangue/walletd/framework"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
)

// SystemBackend serves the sys/ mount: seal status and sealing, health,
// runtime audit device management, and storage inspection. It is built on
// the framework pattern like any other logical backend, but holds a
// reference back to the core for the operations that reach below the
// mount layer.
type SystemBackend struct {
	*framework.Backend
	core   *Core
	logger logger.Logger
}

// NewSystemBackend creates the system backend. It is registered as the
// factory for the "system" mount type on every core.
func NewSystemBackend(core *Core, conf *logical.BackendConfig) (*SystemBackend, error) {
	b := &SystemBackend{
		core:   core,
		logger: conf.Logger,
	}

	b.Backend = &framework.Backend{
		Help:        systemBackendHelp,
		BackendType: mountTypeSystem,
		PathsSpecial: &logical.Paths{
			Unauthenticated: []string{
				"seal-status",
				"health",
			},
		},
		Paths: framework.PathAppend(
			b.sealPaths(),
			b.healthPaths(),
			b.auditPaths(),
			b.mountPaths(),
			b.storagePaths(),
		),
	}

	if err := b.Backend.Setup(context.Background(), conf); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SystemBackend) sealPaths() []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "seal-status$",
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.handleSealStatus,
					Summary:  "Read the seal status",
				},
			},
			HelpSynopsis: "Returns the seal status of the node.",
		},
		{
			Pattern: "seal$",
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.handleSeal,
					Summary:  "Seal the node",
				},
			},
			HelpSynopsis:    "Seals the node.",
			HelpDescription: "Sealing tears down every mount and audit device and discards the in-memory root key. Unsealing requires the unseal keys again.",
		},
	}
}

func (b *SystemBackend) healthPaths() []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "health$",
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.handleHealth,
					Summary:  "Read the node health",
				},
			},
			HelpSynopsis: "Returns the health of the node.",
		},
	}
}

func (b *SystemBackend) auditPaths() []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "audit$",
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.handleAuditList,
					Summary:  "List enabled audit devices",
				},
				logical.ListOperation: &framework.PathOperation{
					Callback: b.handleAuditList,
					Summary:  "List enabled audit devices",
				},
			},
			HelpSynopsis: "Lists the enabled audit devices.",
		},
		{
			Pattern: "audit/(?P<path>.+)",
			Fields: map[string]*framework.FieldSchema{
				"path": {
					Type:        framework.TypeString,
					Description: "Mount path of the audit device",
				},
				"type": {
					Type:        framework.TypeString,
					Description: "Type of the audit device, e.g. file",
				},
				"description": {
					Type:        framework.TypeString,
					Description: "Human-friendly description of the audit device",
				},
				"options": {
					Type:        framework.TypeKVPairs,
					Description: "Device-specific options such as file_path",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.handleAuditEnable,
					Summary:  "Enable an audit device",
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.handleAuditEnable,
					Summary:  "Enable an audit device",
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.handleAuditDisable,
					Summary:  "Disable an audit device",
				},
			},
			HelpSynopsis:    "Enable or disable an audit device.",
			HelpDescription: "New devices must pass a test log before they are accepted, unless skip_test is set in the options.",
		},
	}
}

func (b *SystemBackend) mountPaths() []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "mounts$",
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.handleMountsRead,
					Summary:  "List the mounted backends",
				},
				logical.ListOperation: &framework.PathOperation{
					Callback: b.handleMountsRead,
					Summary:  "List the mounted backends",
				},
			},
			HelpSynopsis: "Lists the mounted backends and their metadata.",
		},
	}
}

func (b *SystemBackend) storagePaths() []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "storage/info$",
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.handleStorageInfo,
					Summary:  "Read information about the configured storage",
				},
			},
			HelpSynopsis: "Returns the configured storage type and its HA capability.",
		},
	}
}

// sealStatus assembles the data shared by seal-status and health.
func (b *SystemBackend) sealStatus(ctx context.Context) (map[string]any, error) {
	return b.core.SealStatus(ctx)
}

func (b *SystemBackend) handleSealStatus(ctx context.Context, _ *logical.Request, _ *framework.FieldData) (*logical.Response, error) {
	status, err := b.sealStatus(ctx)
	if err != nil {
		return logical.ErrorResponse(logical.ErrInternalf("failed to read seal status: %v", err)), nil
	}
	return &logical.Response{
		StatusCode: http.StatusOK,
		Data:       status,
	}, nil
}

// handleSeal seals the core. The teardown is deferred to a goroutine so
// the response can be written before the active context is canceled.
func (b *SystemBackend) handleSeal(ctx context.Context, req *logical.Request, _ *framework.FieldData) (*logical.Response, error) {
	b.logger.Info("seal requested", logger.String("user", req.ClientUser))

	go func() {
		if err := b.core.Seal(); err != nil {
			b.logger.Error("failed to seal", logger.Err(err))
		}
	}()

	return &logical.Response{
		StatusCode: http.StatusNoContent,
	}, nil
}

func (b *SystemBackend) handleHealth(ctx context.Context, _ *logical.Request, _ *framework.FieldData) (*logical.Response, error) {
	c := b.core

	standby, _ := c.Standby()
	data := map[string]any{
		"initialized": c.IsInitialized(),
		"sealed":      c.Sealed(),
		"standby":     standby,
	}

	code := http.StatusOK
	switch {
	case !c.IsInitialized():
		code = http.StatusNotImplemented
	case c.Sealed():
		code = http.StatusServiceUnavailable
	case standby:
		code = http.StatusTooManyRequests
	}

	return &logical.Response{
		StatusCode: code,
		Data:       data,
	}, nil
}

func (b *SystemBackend) handleAuditList(ctx context.Context, _ *logical.Request, _ *framework.FieldData) (*logical.Response, error) {
	c := b.core

	c.auditLock.RLock()
	defer c.auditLock.RUnlock()

	data := make(map[string]any, len(c.audit.Entries))
	for _, entry := range c.audit.Entries {
		// The per-device HMAC salt never leaves the barrier.
		options := make(map[string]string, len(entry.Config))
		for k, v := range entry.Config {
			if k == "hmac_key" {
				continue
			}
			options[k] = v
		}
		data[entry.Path] = map[string]any{
			"type":        entry.Type,
			"description": entry.Description,
			"accessor":    entry.Accessor,
			"options":     options,
		}
	}

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data:       data,
	}, nil
}

func (b *SystemBackend) handleAuditEnable(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	path := d.Get("path").(string)
	deviceType := d.Get("type").(string)
	description := d.Get("description").(string)

	if deviceType == "" {
		return logical.ErrorResponse(logical.ErrBadRequest("audit device type is required")), nil
	}

	var options map[string]string
	if raw, ok := d.GetOk("options"); ok {
		options = raw.(map[string]string)
	}

	entry := &MountEntry{
		Path:        sanitizePath(path),
		Type:        deviceType,
		Description: description,
		Config:      options,
	}

	if err := b.core.EnableAudit(ctx, entry, true); err != nil {
		b.logger.Error("failed to enable audit device",
			logger.String("path", entry.Path), logger.Err(err))
		return logical.ErrorResponse(err), nil
	}

	b.logger.Info("audit device enabled",
		logger.String("path", entry.Path),
		logger.String("type", deviceType),
		logger.String("user", req.ClientUser))

	return &logical.Response{
		StatusCode: http.StatusNoContent,
	}, nil
}

func (b *SystemBackend) handleAuditDisable(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	path := sanitizePath(d.Get("path").(string))

	existed, err := b.core.DisableAudit(ctx, path, true)
	if err != nil {
		b.logger.Error("failed to disable audit device",
			logger.String("path", path), logger.Err(err))
		return logical.ErrorResponse(err), nil
	}
	if !existed {
		return logical.ErrorResponse(logical.ErrNotFoundf("no audit device at %q", path)), nil
	}

	b.logger.Info("audit device disabled",
		logger.String("path", path),
		logger.String("user", req.ClientUser))

	return &logical.Response{
		StatusCode: http.StatusNoContent,
	}, nil
}

func (b *SystemBackend) handleMountsRead(ctx context.Context, _ *logical.Request, _ *framework.FieldData) (*logical.Response, error) {
	c := b.core

	c.mountsLock.RLock()
	defer c.mountsLock.RUnlock()

	data := make(map[string]any, len(c.mounts.Entries))
	for _, entry := range c.mounts.Entries {
		data[entry.Path] = map[string]any{
			"type":        entry.Type,
			"description": entry.Description,
			"accessor":    entry.Accessor,
			"uuid":        entry.UUID,
		}
	}

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data:       data,
	}, nil
}

func (b *SystemBackend) handleStorageInfo(ctx context.Context, _ *logical.Request, _ *framework.FieldData) (*logical.Response, error) {
	c := b.core

	haEnabled := c.ha != nil
	data := map[string]any{
		"storage_type": c.StorageType(),
		"ha_enabled":   haEnabled,
	}
	if haEnabled {
		if isLeader, leaderAddr, _, err := c.Leader(); err == nil {
			data["is_leader"] = isLeader
			if leaderAddr != "" {
				data["leader_address"] = leaderAddr
			}
		}
	}

	return &logical.Response{
		StatusCode: http.StatusOK,
		Data:       data,
	}, nil
}

// sanitizePath normalizes a relative mount path: no leading slash, one
// trailing slash.
func sanitizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	if path == "" {
		return ""
	}
	return fmt.Sprintf("%s/", path)
}

const systemBackendHelp = `
The system backend is built into Walletd and is mounted at sys/ on every
node. It exposes the seal status, node health, audit device management
and storage information.
`
