package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/openbao/openbao/sdk/v2/helper/jsonutil"
	sdklogical "github.com/openbao/openbao/sdk/v2/logical"

	"github.com/stephnangue/walletd/audit"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
)

const (
	// coreAuditConfigPath is used to store the audit configuration.
	// Audit configuration is protected within the barrier, which means it
	// can only be viewed or modified after an unseal.
	coreAuditConfigPath = "core/audit"

	auditTypeFile = "file"
)

// generateAuditHMACSalt generates a cryptographically secure random salt
// for HMAC operations.
func generateAuditHMACSalt() (string, error) {
	salt, err := base62.Random(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate HMAC salt: %w", err)
	}
	return salt, nil
}

// normalizeDevicePath forces the trailing slash on an audit device path
// and rejects the empty path.
func normalizeDevicePath(path string) (string, error) {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	if path == "/" {
		return "", logical.ErrBadRequest("device path must be specified")
	}
	return path, nil
}

// loadAudits is invoked as part of postUnseal to load the audit table
// from storage
func (c *Core) loadAudits(ctx context.Context) error {
	c.auditLock.Lock()
	defer c.auditLock.Unlock()

	raw, err := c.barrier.Get(ctx, coreAuditConfigPath)
	if err != nil {
		return fmt.Errorf("failed to read audit table: %w", err)
	}

	c.audit = NewMountTable()

	if raw == nil {
		return c.setupDefaultAudit(ctx)
	}

	if err := jsonutil.DecodeJSON(raw.Value, c.audit); err != nil {
		c.logger.Error("failed to decode audit table", logger.Err(err))
		return fmt.Errorf("failed to decode audit table: %w", err)
	}

	c.logger.Info("loaded audit table from storage", logger.Int("count", len(c.audit.Entries)))

	// Re-create and register every persisted device.
	for _, entry := range c.audit.Entries {
		backend, err := c.newAuditBackend(ctx, entry)
		if err != nil {
			c.logger.Error("failed to create audit device during load",
				logger.String("path", entry.Path),
				logger.String("type", entry.Type),
				logger.Err(err),
			)
			return fmt.Errorf("failed to create audit device %s: %w", entry.Path, err)
		}
		if backend != nil {
			c.auditManager.RegisterDevice(entry.Path, backend)
			c.logger.Info("registered audit device",
				logger.String("path", entry.Path),
				logger.String("type", entry.Type),
			)
		}
	}

	return nil
}

// setupDefaultAudit builds, tests and persists the file audit device a
// node starts with when no audit table exists yet. Caller must hold
// auditLock.
func (c *Core) setupDefaultAudit(ctx context.Context) error {
	c.logger.Info("no audit table in storage; creating default audit device")

	salt, err := generateAuditHMACSalt()
	if err != nil {
		return fmt.Errorf("failed to generate HMAC salt for default audit device: %w", err)
	}

	defaultEntry := &MountEntry{
		Type:        auditTypeFile,
		Path:        "file/",
		Description: "default file audit device",
		Config: map[string]string{
			"file_path": "walletd-audit.log",
			"hmac_key":  salt,
		},
	}

	accessor, err := c.generateMountAccessor("audit_" + auditTypeFile)
	if err != nil {
		return fmt.Errorf("failed to generate accessor for default audit device: %w", err)
	}
	defaultEntry.Accessor = accessor

	backend, err := c.newAuditBackend(ctx, defaultEntry)
	if err != nil {
		return fmt.Errorf("failed to create default audit device: %w", err)
	}
	if backend == nil {
		return errors.New("nil device returned for default audit device")
	}

	if err := backend.LogTestRequest(ctx); err != nil {
		c.logger.Error("default audit device failed test", logger.Err(err))
		return fmt.Errorf("default audit device failed test: %w", err)
	}

	c.audit.Entries = append(c.audit.Entries, defaultEntry)
	c.auditManager.RegisterDevice(defaultEntry.Path, backend)

	if err := c.persistAuditsLocked(ctx); err != nil {
		return fmt.Errorf("failed to persist default audit table: %w", err)
	}

	c.logger.Info("created and persisted default audit device",
		logger.String("path", defaultEntry.Path),
		logger.String("type", defaultEntry.Type),
	)

	return nil
}

// persistAudits saves the audit table to storage
func (c *Core) persistAudits(ctx context.Context) error {
	c.auditLock.Lock()
	defer c.auditLock.Unlock()
	return c.persistAuditsLocked(ctx)
}

// persistAuditsLocked saves the audit table to storage (caller must hold
// auditLock)
func (c *Core) persistAuditsLocked(ctx context.Context) error {
	encoded, err := jsonutil.EncodeJSON(c.audit)
	if err != nil {
		return fmt.Errorf("failed to encode audit table: %w", err)
	}

	if err := c.barrier.Put(ctx, &sdklogical.StorageEntry{
		Key:   coreAuditConfigPath,
		Value: encoded,
	}); err != nil {
		return fmt.Errorf("failed to persist audit table: %w", err)
	}

	c.logger.Debug("persisted audit table", logger.Int("count", len(c.audit.Entries)))
	return nil
}

func (c *Core) teardownAudits(ctx context.Context) error {
	// Reset the audit mount table to empty instead of nil to avoid
	// a nil dereference when loadAudits runs during the next unseal
	c.audit = NewMountTable()
	return c.auditManager.Reset(ctx)
}

// EnableAudit is used to enable a new audit device
func (c *Core) EnableAudit(ctx context.Context, entry *MountEntry, updateStorage bool) error {
	path, err := normalizeDevicePath(entry.Path)
	if err != nil {
		return err
	}
	entry.Path = path

	c.auditLock.Lock()
	defer c.auditLock.Unlock()

	// Reject overlapping paths in either direction: an existing sql/mysql/
	// blocks a new sql/, and an existing sql/ blocks a new sql/mysql/.
	for _, ent := range c.audit.Entries {
		if strings.HasPrefix(ent.Path, entry.Path) || strings.HasPrefix(entry.Path, ent.Path) {
			return logical.ErrBadRequest("path already in use")
		}
	}

	// The table keeps its own copy so later mutations never alias the
	// caller's entry.
	clone, err := entry.Clone()
	if err != nil {
		return fmt.Errorf("failed to copy audit entry: %w", err)
	}
	entry = clone

	if entry.Accessor == "" {
		accessor, err := c.generateMountAccessor("audit_" + entry.Type)
		if err != nil {
			return err
		}
		entry.Accessor = accessor
	}

	// Every device gets its own HMAC salt, so entries in one log cannot
	// be correlated with another device's log.
	if entry.Config == nil {
		entry.Config = make(map[string]string)
	}
	if entry.Config["hmac_key"] == "" {
		salt, err := generateAuditHMACSalt()
		if err != nil {
			return err
		}
		entry.Config["hmac_key"] = salt
	}

	backend, err := c.newAuditBackend(ctx, entry)
	if err != nil {
		return err
	}
	if backend == nil {
		return fmt.Errorf("nil device of type %s returned from creation function", entry.Type)
	}

	if entry.Config["skip_test"] != "true" {
		// Test the new audit device and report failure if it doesn't work.
		if err := backend.LogTestRequest(ctx); err != nil {
			c.logger.Error("new audit device failed test",
				logger.String("path", entry.Path),
				logger.String("type", entry.Type),
				logger.Err(err),
			)
			return fmt.Errorf("audit device failed test message: %w", err)
		}
	}

	newTable := c.audit.shallowClone()
	newTable.Entries = append(newTable.Entries, entry)
	c.audit = newTable

	if updateStorage {
		if err := c.persistAuditsLocked(ctx); err != nil {
			c.logger.Error("failed to persist audit table after enable", logger.Err(err))
			return fmt.Errorf("failed to persist audit table: %w", err)
		}
	}

	c.auditManager.RegisterDevice(entry.Path, backend)

	c.logger.Info("audit device successfully enabled",
		logger.String("path", entry.Path),
		logger.String("type", entry.Type),
	)

	return nil
}

// newAuditBackend is used to create and configure a new audit device by
// type.
func (c *Core) newAuditBackend(ctx context.Context, entry *MountEntry) (audit.Device, error) {
	factory := c.auditDevices[entry.Type]
	if factory == nil {
		return nil, logical.ErrBadRequestf("audit device type not supported: %s", entry.Type)
	}

	backend, err := factory.Create(
		ctx,
		entry.Path,
		entry.Description,
		entry.Accessor,
		auditDeviceOptions(entry.Config),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit device: %w", err)
	}
	return backend, nil
}

// auditDeviceOptions widens the string-valued mount config into the
// option map the device factories expect. The factories decode weakly
// typed values themselves.
func auditDeviceOptions(config map[string]string) map[string]any {
	options := make(map[string]any, len(config))
	for k, v := range config {
		options[k] = v
	}
	return options
}

// DisableAudit is used to disable an existing audit device
func (c *Core) DisableAudit(ctx context.Context, path string, updateStorage bool) (bool, error) {
	path, err := normalizeDevicePath(path)
	if err != nil {
		return false, err
	}

	c.auditLock.Lock()
	defer c.auditLock.Unlock()

	newTable := c.audit.shallowClone()
	entry := newTable.remove(path)
	if entry == nil {
		return false, logical.ErrNotFound("no matching audit device")
	}

	// When unmounting all entries the JSON code will load back up from
	// storage as a nil slice, which kills tests...just set it nil explicitly
	if len(newTable.Entries) == 0 {
		newTable.Entries = nil
	}

	c.audit = newTable

	if updateStorage {
		if err := c.persistAuditsLocked(ctx); err != nil {
			c.logger.Error("failed to persist audit table after disable", logger.Err(err))
			return true, fmt.Errorf("failed to persist audit table: %w", err)
		}
	}

	c.auditManager.UnregisterDevice(path)

	c.logger.Info("audit device successfully disabled",
		logger.String("path", path),
	)

	return true, nil
}
