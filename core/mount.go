package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/hashicorp/go-uuid"
	"github.com/mitchellh/copystructure"
	"github.com/openbao/openbao/sdk/v2/helper/jsonutil"
	sdklogical "github.com/openbao/openbao/sdk/v2/logical"

	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
)

const (
	// coreMountConfigPath is used to store the mount configuration.
	// Mounts are protected within the barrier, which means they can
	// only be viewed or modified after an unseal.
	coreMountConfigPath = "core/mounts"

	mountPathSystem = "sys/"
	mountPathWallet = "wallet/"

	mountTypeSystem = "system"
	mountTypeWallet = "wallet"

	MountTableUpdateStorage   = true
	MountTableNoUpdateStorage = false

	mountStateUnmounting = "unmounting"

	// backendBarrierPrefix is the prefix to the UUID used in the
	// barrier view for the logical backends.
	backendBarrierPrefix = "logical/"

	// systemBarrierPrefix is the prefix used for the
	// system logical backend.
	systemBarrierPrefix = "sys/"
)

var (
	errLoadMountsFailed = errors.New("failed to setup mount table")

	// protectedMounts cannot be unmounted or remounted
	protectedMounts = []string{
		mountPathSystem,
		mountPathWallet,
	}

	// singletonMounts can only exist in one location and are
	// loaded by default. These are types, not paths.
	singletonMounts = []string{
		mountTypeSystem,
	}
)

func (c *Core) generateMountAccessor(entryType string) (string, error) {
	var accessor string
	for {
		randBytes, err := uuid.GenerateRandomBytes(4)
		if err != nil {
			return "", err
		}
		accessor = fmt.Sprintf("%s_%08x", entryType, randBytes[0:4])
		if entry := c.router.MatchingMountByAccessor(accessor); entry == nil {
			break
		}
	}

	return accessor, nil
}

// MountTable is used to represent the internal mount table
type MountTable struct {
	Entries []*MountEntry `json:"entries"`
}

func NewMountTable() *MountTable {
	return &MountTable{
		Entries: make([]*MountEntry, 0),
	}
}

// shallowClone returns a copy of the mount table that
// keeps the MountEntry locations, so as not to invalidate
// other locations holding pointers. Care needs to be taken
// if modifying entries rather than modifying the table itself
func (t *MountTable) shallowClone() *MountTable {
	return &MountTable{
		Entries: slices.Clone(t.Entries),
	}
}

// setTaint is used to set the taint on given entry
func (t *MountTable) setTaint(path string, tainted bool, mountState string) *MountEntry {
	for _, entry := range t.Entries {
		if entry.Path == path {
			entry.Tainted = tainted
			entry.MountState = mountState
			return entry
		}
	}
	return nil
}

// remove is used to remove a given path entry; returns the entry that was
// removed
func (t *MountTable) remove(path string) *MountEntry {
	for i, entry := range t.Entries {
		if entry.Path == path {
			t.Entries = append(t.Entries[:i], t.Entries[i+1:]...)
			return entry
		}
	}
	return nil
}

// findByPath returns the entry mounted at the given path, or nil
func (t *MountTable) findByPath(path string) *MountEntry {
	for _, entry := range t.Entries {
		if entry.Path == path {
			return entry
		}
	}
	return nil
}

// sortEntriesByPathDepth orders entries so shallower mounts are set up
// first, giving a deterministic setup order.
func (t *MountTable) sortEntriesByPathDepth() *MountTable {
	sort.SliceStable(t.Entries, func(i, j int) bool {
		di := strings.Count(t.Entries[i].Path, "/")
		dj := strings.Count(t.Entries[j].Path, "/")
		if di != dj {
			return di < dj
		}
		return t.Entries[i].Path < t.Entries[j].Path
	})
	return t
}

// MountEntry is used to represent a mount table entry
type MountEntry struct {
	Type        string            `json:"type"`                  // The mount type, e.g. "wallet"
	Path        string            `json:"path"`                  // The mount path
	Description string            `json:"description"`           // User-provided description
	UUID        string            `json:"uuid"`                  // Barrier view UUID
	Accessor    string            `json:"accessor"`              // Unique but more human-friendly ID
	Tainted     bool              `json:"tainted,omitempty"`     // Set as a write-ahead flag for unmount
	MountState  string            `json:"mount_state,omitempty"` // The current mount state
	Config      map[string]string `json:"config,omitempty"`      // Config options for this mount
}

// Clone returns a deep copy of the mount entry
func (e *MountEntry) Clone() (*MountEntry, error) {
	cp, err := copystructure.Copy(e)
	if err != nil {
		return nil, err
	}
	return cp.(*MountEntry), nil
}

// APIPath returns the full API path for the given mount entry
func (e *MountEntry) APIPath() string {
	return e.Path
}

func (e *MountEntry) Deserialize() map[string]interface{} {
	return map[string]interface{}{
		"mount_path": e.Path,
		"uuid":       e.UUID,
		"accessor":   e.Accessor,
		"mount_type": e.Type,
	}
}

// mount is used to mount a new backend to the mount table.
func (c *Core) mount(ctx context.Context, entry *MountEntry) error {
	// Ensure we end the path in a slash
	if !strings.HasSuffix(entry.Path, "/") {
		entry.Path += "/"
	}

	// Prevent protected paths from being shadowed
	for _, p := range protectedMounts {
		if strings.HasPrefix(entry.Path, p) {
			return logical.ErrForbiddenf("cannot mount %q", entry.Path)
		}
	}

	// Do not allow more than one instance of a singleton mount
	if slices.Contains(singletonMounts, entry.Type) {
		return logical.ErrForbiddenf("mount type of %q is not mountable", entry.Type)
	}

	return c.mountInternal(ctx, entry, MountTableUpdateStorage)
}

func (c *Core) mountInternal(ctx context.Context, entry *MountEntry, updateStorage bool) error {
	c.mountsLock.Lock()
	defer c.mountsLock.Unlock()

	// Verify there are no conflicting mounts
	if match := c.router.MatchingMount(ctx, entry.Path); match != "" {
		return logical.ErrConflictf("path is already in use at %s", match)
	}

	if entry.UUID == "" {
		entryUUID, err := uuid.GenerateUUID()
		if err != nil {
			return err
		}
		entry.UUID = entryUUID
	}
	if entry.Accessor == "" {
		accessor, err := c.generateMountAccessor(entry.Type)
		if err != nil {
			return err
		}
		entry.Accessor = accessor
	}

	view, err := c.mountEntryView(entry)
	if err != nil {
		return err
	}

	backend, err := c.newLogicalBackend(ctx, entry, view)
	if err != nil {
		return err
	}
	if backend == nil {
		return fmt.Errorf("created mount entry of type %q is nil", entry.Type)
	}

	newTable := c.mounts.shallowClone()
	newTable.Entries = append(newTable.Entries, entry)
	if updateStorage {
		if err := c.persistMounts(ctx, newTable); err != nil {
			return errors.New("failed to update mount table")
		}
	}
	c.mounts = newTable

	if err := c.router.Mount(entry.Path, backend, entry); err != nil {
		return err
	}

	if err := backend.Initialize(ctx); err != nil {
		return err
	}

	c.logger.Info("successful mount",
		logger.String("path", entry.Path),
		logger.String("type", entry.Type),
	)
	return nil
}

// unmount is used to unmount a path from the mount table
func (c *Core) unmount(ctx context.Context, path string) error {
	// Ensure we end the path in a slash
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	// Prevent protected paths from being unmounted
	for _, p := range protectedMounts {
		if path == p {
			return logical.ErrForbiddenf("cannot unmount %q", path)
		}
	}
	return c.unmountInternal(ctx, path, MountTableUpdateStorage)
}

func (c *Core) unmountInternal(ctx context.Context, path string, updateStorage bool) error {
	c.mountsLock.Lock()
	defer c.mountsLock.Unlock()

	// Verify exact match of the route
	match := c.router.MatchingMount(ctx, path)
	if match == "" || path != match {
		return logical.ErrNotFoundf("no matching mount at %q", path)
	}

	// Mark the entry as tainted so no new requests route to it while we
	// tear it down.
	entry := c.mounts.setTaint(path, true, mountStateUnmounting)
	if entry == nil {
		return logical.ErrNotFoundf("no mount entry found at %q", path)
	}
	if err := c.router.Taint(ctx, path); err != nil {
		return err
	}

	if backend := c.router.MatchingBackend(ctx, path); backend != nil {
		backend.Cleanup(ctx)
	}

	if err := c.router.Unmount(ctx, path); err != nil {
		return err
	}

	newTable := c.mounts.shallowClone()
	newTable.remove(path)
	if updateStorage {
		if err := c.persistMounts(ctx, newTable); err != nil {
			return errors.New("failed to update mount table")
		}
	}
	c.mounts = newTable

	c.logger.Info("successfully unmounted", logger.String("path", path))
	return nil
}

// newLogicalBackend constructs a backend for the entry using the
// registered factory of its type.
func (c *Core) newLogicalBackend(ctx context.Context, entry *MountEntry, view BarrierView) (logical.Backend, error) {
	factory, ok := c.logicalBackends[entry.Type]
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %q", entry.Type)
	}

	conf := &logical.BackendConfig{
		StorageView: view,
		Logger:      c.logger.WithSystem(entry.Type),
		Config:      entry.Config,
		BackendUUID: entry.UUID,
	}

	backend, err := factory(ctx, conf)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

// loadMounts reads the mount table from the barrier, falling back to the
// default table on a fresh install.
func (c *Core) loadMounts(ctx context.Context) error {
	c.mountsLock.Lock()
	defer c.mountsLock.Unlock()

	// Start with an empty mount table.
	c.mounts = nil

	c.logger.Info("reading mount table")
	raw, err := c.barrier.Get(ctx, coreMountConfigPath)
	if err != nil {
		return fmt.Errorf("failed to read mount table: %w", err)
	}

	if raw != nil {
		mountTable := new(MountTable)
		if err := jsonutil.DecodeJSON(raw.Value, mountTable); err != nil {
			return fmt.Errorf("failed to decode mount table: %w", err)
		}
		c.mounts = mountTable
	}

	var needPersist bool
	if c.mounts == nil {
		c.logger.Info("no mounts; adding default mount table")
		c.mounts = c.defaultMountTable()
		needPersist = true
	}

	// Ensure the required mounts are present even in tables persisted by
	// older installs.
	for _, requiredPath := range []string{mountPathSystem, mountPathWallet} {
		if c.mounts.findByPath(requiredPath) == nil {
			required, err := c.requiredMountTable()
			if err != nil {
				return err
			}
			if entry := required.findByPath(requiredPath); entry != nil {
				c.mounts.Entries = append(c.mounts.Entries, entry)
				needPersist = true
			}
		}
	}

	if needPersist {
		if err := c.persistMounts(ctx, c.mounts); err != nil {
			return fmt.Errorf("failed to persist mount table: %w", err)
		}
	}
	return nil
}

// defaultMountTable creates a default mount table
func (c *Core) defaultMountTable() *MountTable {
	table, err := c.requiredMountTable()
	if err != nil {
		panic(fmt.Sprintf("failed to create required mounts: %v", err))
	}
	return table
}

// requiredMountTable creates a mount table with entries required
// to be available
func (c *Core) requiredMountTable() (*MountTable, error) {
	table := &MountTable{}

	sysUUID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("could not create sys UUID: %w", err)
	}
	sysAccessor, err := c.generateMountAccessor(mountTypeSystem)
	if err != nil {
		return nil, fmt.Errorf("could not generate sys accessor: %w", err)
	}
	table.Entries = append(table.Entries, &MountEntry{
		Path:        mountPathSystem,
		Type:        mountTypeSystem,
		Description: "system endpoints used for control and debugging",
		UUID:        sysUUID,
		Accessor:    sysAccessor,
	})

	walletUUID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("could not create wallet UUID: %w", err)
	}
	walletAccessor, err := c.generateMountAccessor(mountTypeWallet)
	if err != nil {
		return nil, fmt.Errorf("could not generate wallet accessor: %w", err)
	}
	table.Entries = append(table.Entries, &MountEntry{
		Path:        mountPathWallet,
		Type:        mountTypeWallet,
		Description: "wallet of cryptographic keys and users",
		UUID:        walletUUID,
		Accessor:    walletAccessor,
	})

	return table, nil
}

// setupMounts is invoked after an unseal to initialize the mount table
func (c *Core) setupMounts(ctx context.Context) error {
	c.mountsLock.Lock()
	defer c.mountsLock.Unlock()

	for _, entry := range c.mounts.sortEntriesByPathDepth().Entries {
		// Initialize the backend, special casing for system
		view, err := c.mountEntryView(entry)
		if err != nil {
			return err
		}

		origReadOnlyErr := view.GetReadOnlyErr()

		// Mark the view as read-only until the mounting is complete and
		// ensure that it is reset after. This ensures that there will be no
		// writes during the construction of the backend.
		view.SetReadOnlyErr(sdklogical.ErrSetupReadOnly)
		if slices.Contains(singletonMounts, entry.Type) {
			defer view.SetReadOnlyErr(origReadOnlyErr)
		}

		backend, err := c.newLogicalBackend(ctx, entry, view)
		if err != nil {
			c.logger.Error("failed to create mount entry",
				logger.String("path", entry.Path),
				logger.Err(err),
			)
			return errLoadMountsFailed
		}
		if backend == nil {
			return fmt.Errorf("created mount entry of type %q is nil", entry.Type)
		}

		c.setCoreBackend(entry, backend, view)

		if err := c.router.Mount(entry.Path, backend, entry); err != nil {
			c.logger.Error("failed to mount entry",
				logger.String("path", entry.Path),
				logger.Err(err),
			)
			return errLoadMountsFailed
		}

		// Initialize once the barrier is writable again
		localEntry := entry
		c.postUnsealFuncs = append(c.postUnsealFuncs, func() {
			if !slices.Contains(singletonMounts, localEntry.Type) {
				view.SetReadOnlyErr(origReadOnlyErr)
			}
			if err := backend.Initialize(ctx); err != nil {
				c.logger.Error("failed to initialize mount backend",
					logger.String("path", localEntry.Path),
					logger.Err(err),
				)
			}
		})

		c.logger.Info("successfully mounted",
			logger.String("type", entry.Type),
			logger.String("path", entry.Path),
		)

		// Ensure the path is tainted if set in the mount table
		if entry.Tainted {
			c.router.Taint(ctx, entry.Path)
		}
	}
	return nil
}

// unloadMounts is used before sealing to reset the mounts to their
// unloaded state, calling Cleanup if defined. This is reversed by
// loadMounts and setupMounts.
func (c *Core) unloadMounts(ctx context.Context) error {
	c.mountsLock.Lock()
	defer c.mountsLock.Unlock()

	if c.mounts != nil {
		mountTable := c.mounts.shallowClone()
		for _, e := range mountTable.Entries {
			backend := c.router.MatchingBackend(ctx, e.Path)
			if backend != nil {
				backend.Cleanup(ctx)
			}
		}
	}

	c.mounts = nil
	c.router.reset()
	c.systemBarrierView = nil
	c.systemBackend = nil
	return nil
}

func (c *Core) setCoreBackend(entry *MountEntry, backend logical.Backend, view BarrierView) {
	if entry.Type == mountTypeSystem {
		if sys, ok := backend.(*SystemBackend); ok {
			c.systemBackend = sys
		}
		c.systemBarrierView = view
	}
}

// mountEntryView returns the barrier view with a prefix depending on the
// mount entry type
func (c *Core) mountEntryView(me *MountEntry) (BarrierView, error) {
	switch me.Type {
	case mountTypeSystem:
		return NewBarrierView(c.barrier, systemBarrierPrefix), nil
	default:
		return NewBarrierView(c.barrier, backendBarrierPrefix+me.UUID+"/"), nil
	}
}

// persistMounts is used to persist the mount table after modification.
func (c *Core) persistMounts(ctx context.Context, table *MountTable) error {
	for _, entry := range table.Entries {
		if entry.Type == "" || entry.Path == "" || entry.UUID == "" {
			return fmt.Errorf("invalid mount entry %q in table", entry.Path)
		}
	}

	raw, err := jsonutil.EncodeJSON(table)
	if err != nil {
		return fmt.Errorf("failed to encode mount table: %w", err)
	}

	return c.barrier.Put(ctx, &sdklogical.StorageEntry{
		Key:   coreMountConfigPath,
		Value: raw,
	})
}
