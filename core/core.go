package core

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/errwrap"
	"github.com/hashicorp/go-multierror"
	wrapping "github.com/openbao/go-kms-wrapping/v2"
	aeadwrapper "github.com/openbao/go-kms-wrapping/wrappers/aead/v2"
	"github.com/openbao/openbao/helper/locking"
	"github.com/openbao/openbao/sdk/v2/helper/jsonutil"
	"github.com/stephnangue/walletd/api"
	"github.com/stephnangue/walletd/audit"
	"github.com/stephnangue/walletd/config"
	"github.com/stephnangue/walletd/core/seal"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
	"github.com/stephnangue/walletd/physical"
)

const (
	// CoreLockPath is the storage path of the leadership lock in a
	// highly-available deploy.
	CoreLockPath = "core/lock"

	// CoreInitLockPath is the storage path of the lock that serializes
	// initialization across the nodes of an HA deploy.
	CoreInitLockPath = "core/initialize-lock"

	// DefaultMaxRequestDuration is how long in-flight requests are given to
	// drain before a seal cancels the active context out from under them.
	DefaultMaxRequestDuration = 90 * time.Second
)

var (
	// ErrAlreadyInit rejects a second initialization attempt.
	ErrAlreadyInit = errors.New("Walletd is already initialized")

	// ErrParallelInit rejects initialization while another node holds
	// the init lock.
	ErrParallelInit = errors.New("Walletd is being initialized on another node")

	// ErrNotInit rejects unseal attempts against a barrier that was
	// never initialized.
	ErrNotInit = errors.New("Walletd is not initialized")

	// ErrInternalError is what callers see when the real cause must not
	// leak to the client.
	ErrInternalError = errors.New("internal error")

	// ErrHANotEnabled rejects HA-only operations on a single node.
	ErrHANotEnabled = errors.New("Walletd is not configured for highly-available mode")

	// ErrStandby rejects operations that only the active node may run.
	ErrStandby = errors.New("operation cannot be completed on a standby node")
)

// NonFatalError wraps a NewCore error that should be displayed but not
// cause a program exit.
type NonFatalError struct {
	Err error
}

func (e *NonFatalError) WrappedErrors() []error {
	return []error{e.Err}
}

func (e *NonFatalError) Error() string {
	return e.Err.Error()
}

// NewNonFatalError returns a new non-fatal error.
func NewNonFatalError(err error) *NonFatalError {
	return &NonFatalError{Err: err}
}

// IsFatalError returns true if the given error is a fatal error.
func IsFatalError(err error) bool {
	return !errwrap.ContainsType(err, new(NonFatalError))
}

// ErrInvalidKey flags a user-supplied unseal key as unusable. The
// reason is shown to the user, so it must not carry anything sensitive.
type ErrInvalidKey struct {
	Reason string
}

func (e *ErrInvalidKey) Error() string {
	return fmt.Sprintf("invalid key: %v", e.Reason)
}

// unlockInformation accumulates unseal key parts across Unseal calls
// until the threshold is reached. The nonce ties the parts to one
// attempt.
type unlockInformation struct {
	Parts [][]byte
	Nonce string
}

// Core ties the barrier, seal, router, mount tables and audit broker
// together into one node. All server surfaces (HTTP, CLI helpers,
// tests) drive the node through this type.
type Core struct {
	// storageType is the storage type set in the storage configuration
	storageType string

	// ha may be available depending on the physical backend
	ha physical.HABackend

	// physical is the storage stack requests go through: cache and
	// encoding checks over the raw backend. underlyingPhysical always
	// points at the raw backend itself. Both sit outside the barrier
	// and hold only ciphertext.
	physical           physical.Backend
	underlyingPhysical physical.Backend

	// seal holds the seal configuration and wraps or splits the root key
	seal Seal

	// barrier is the security barrier wrapping the physical backend
	barrier SecurityBarrier

	// unlockInfo has the keys provided to Unseal until the threshold number of parts is available, as well as the operation nonce
	unlockInfo *unlockInformation

	// systemBarrierView is the barrier view for the system backend
	systemBarrierView BarrierView

	// activeTime is set on active nodes indicating the time at which this node
	// became active.
	activeTime time.Time

	// rawConfig stores the config as-is from the provided server configuration.
	rawConfig *atomic.Value

	logger logger.Logger

	// logicalBackends maps mount types to the factory constructing them
	logicalBackends map[string]logical.Factory

	// auditDevices maps audit device types to the factory constructing them
	auditDevices map[string]audit.Factory

	auditManager audit.AuditManager

	// audit is the table of enabled audit devices, auditLock keeps it
	// stable under concurrent enable/disable.
	audit     *MountTable
	auditLock sync.RWMutex

	router *Router

	// mounts is the table of mounted logical backends, mountsLock keeps
	// it stable under concurrent mount/unmount.
	mounts     *MountTable
	mountsLock locking.DeadlockRWMutex

	// initialized tracks whether walletd init has been called
	initialized bool
	initLock    sync.RWMutex

	// cachingDisabled indicates whether caches are disabled
	cachingDisabled bool
	// Cache stores the actual cache; we always have this but may bypass it if
	// disabled
	physicalCache physical.ToggleablePurgemonster

	// activeContext is canceled when the node seals, steps down or
	// shuts down, which aborts operations derived from it.
	activeContext           context.Context
	activeContextCancelFunc *atomic.Value

	// unsealWithStoredKeysLock serializes stored-key unseal attempts.
	unsealWithStoredKeysLock sync.Mutex

	// postUnsealFuncs run after a successful postUnseal
	postUnsealFuncs []func()

	// secureRandomReader is the reader used for CSP operations
	secureRandomReader io.Reader

	// keyRotateGracePeriod is how long we allow an upgrade path
	// for standby instances before we delete the upgrade keys
	keyRotateGracePeriod *int64

	// Config value for "detect_deadlocks".
	detectDeadlocks []string

	standby              atomic.Bool
	standbyDoneCh        chan struct{}
	standbyStopCh        *atomic.Value
	standbyRestartCh     *atomic.Value
	manualStepDownCh     chan struct{}
	keepHALockOnStepDown *uint32
	heldHALock           physical.Lock

	// shutdownDoneCh is used to notify when core.Shutdown() completes.
	// core.Shutdown() is typically issued in a goroutine to allow Walletd to
	// release the stateLock. This channel is marked atomic to prevent race
	// conditions.
	shutdownDoneCh *atomic.Value

	// redirectAddr is the address we advertise as leader if held
	redirectAddr string

	// clusterAddr is the address we use for clustering
	clusterAddr *atomic.Value

	// stateLock protects mutable state
	stateLock locking.RWMutex
	sealed    *uint32

	// systemBackend is the backend which is used to manage internal operations
	systemBackend *SystemBackend
}

type CoreConfig struct {
	RawConfig *config.Config

	// LogicalBackends maps mount types to factories, e.g. "wallet"
	LogicalBackends map[string]logical.Factory

	AuditDevices map[string]audit.Factory

	Physical physical.Backend

	Logger logger.Logger

	StorageType string

	// May be nil, which disables HA operations
	HAPhysical physical.HABackend

	// Seal is the configured seal, or if none is configured explicitly, a
	// shamir seal.
	Seal Seal

	SecureRandomReader io.Reader

	// Disables the LRU cache on the physical storage
	DisableCache bool

	// Custom cache size for the LRU cache on the physical storage, or zero for default
	CacheSize int

	DisableKeyEncodingChecks bool

	// Set as the leader address for HA
	RedirectAddr string

	// Set as the cluster address for HA
	ClusterAddr string

	// Use the deadlocks library to detect deadlocks
	DetectDeadlocks string
}

// Shutdown seals the core and releases anything waiting on ShutdownDone.
func (c *Core) Shutdown() error {
	c.logger.Info("shutting down the core")

	err := c.sealInternal()

	doneCh := c.shutdownDoneCh.Load().(chan struct{})
	if doneCh != nil {
		close(doneCh)
		c.shutdownDoneCh.Store((chan struct{})(nil))
	}

	c.logger.Info("core shutdown complete")
	return err
}

// ShutdownDone returns a channel that is closed after Shutdown completes
func (c *Core) ShutdownDone() <-chan struct{} {
	doneCh := c.shutdownDoneCh.Load().(chan struct{})
	return doneCh
}

// CreateCore conducts static validations on the Core Config
// and returns an uninitialized core.
func CreateCore(conf *CoreConfig) (*Core, error) {
	if conf.HAPhysical != nil && conf.HAPhysical.HAEnabled() {
		if conf.RedirectAddr == "" {
			return nil, errors.New("missing API address, please set in configuration or via environment")
		}
	}
	if conf.RedirectAddr != "" {
		u, err := url.Parse(conf.RedirectAddr)
		if err != nil {
			return nil, fmt.Errorf("redirect address is not valid url: %w", err)
		}
		if u.Scheme == "" {
			return nil, errors.New("redirect address must include scheme (ex. 'http')")
		}
	}

	if conf.Logger == nil {
		conf.Logger, _ = logger.NewGatedLogger(logger.DefaultConfig(), logger.GatedWriterConfig{})
	}
	if conf.RawConfig == nil {
		conf.RawConfig = new(config.Config)
	}
	if conf.SecureRandomReader == nil {
		conf.SecureRandomReader = rand.Reader
	}

	detectDeadlocks := parseDetectDeadlocks(conf.DetectDeadlocks)

	c := &Core{
		physical:                conf.Physical,
		underlyingPhysical:      conf.Physical,
		storageType:             conf.StorageType,
		redirectAddr:            conf.RedirectAddr,
		clusterAddr:             new(atomic.Value),
		seal:                    conf.Seal,
		stateLock:               newStateLock(detectDeadlocks),
		rawConfig:               new(atomic.Value),
		logger:                  conf.Logger,
		auditManager:            audit.NewAuditManager(conf.Logger.WithSystem("audit")),
		router:                  NewRouter(conf.Logger.WithSystem("router")),
		mounts:                  NewMountTable(),
		audit:                   NewMountTable(),
		sealed:                  new(uint32),
		standbyStopCh:           new(atomic.Value),
		standbyRestartCh:        new(atomic.Value),
		cachingDisabled:         conf.DisableCache,
		shutdownDoneCh:          new(atomic.Value),
		keepHALockOnStepDown:    new(uint32),
		activeContextCancelFunc: new(atomic.Value),
		secureRandomReader:      conf.SecureRandomReader,
		keyRotateGracePeriod:    new(int64),
		detectDeadlocks:         detectDeadlocks,
	}

	// A fresh core starts sealed and standby.
	c.standby.Store(true)
	c.standbyStopCh.Store(make(chan struct{}, 1))
	c.standbyRestartCh.Store(make(chan struct{}, 1))
	atomic.StoreUint32(c.sealed, 1)

	c.shutdownDoneCh.Store(make(chan struct{}))

	c.SetConfig(conf.RawConfig)

	// Fall back to a Shamir seal when none is configured.
	if c.seal == nil {
		wrapper := aeadwrapper.NewShamirWrapper()
		wrapper.SetConfig(context.Background())

		c.seal = NewDefaultSeal(seal.NewAccess(wrapper))
	}
	c.seal.SetCore(c)

	return c, nil
}

// parseDetectDeadlocks splits the "detect_deadlocks" config value into
// normalized lock names.
func parseDetectDeadlocks(raw string) []string {
	if raw == "" {
		return nil
	}
	names := strings.Split(raw, ",")
	for i, v := range names {
		names[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return names
}

// newStateLock swaps the state lock for the deadlock-detecting variant
// when "statelock" is listed in detect_deadlocks.
func newStateLock(detectDeadlocks []string) locking.RWMutex {
	for _, v := range detectDeadlocks {
		if v == "statelock" {
			return &locking.DeadlockRWMutex{}
		}
	}
	return &locking.SyncRWMutex{}
}

// coreInit stacks the cache and encoding-check layers on top of the
// raw physical backend.
func coreInit(c *Core, conf *CoreConfig) error {
	cacheLogger := c.logger.WithSystem("storage.cache")
	c.physical = physical.NewCache(conf.Physical, conf.CacheSize, cacheLogger, nil)
	c.physicalCache = c.physical.(physical.ToggleablePurgemonster)

	if !conf.DisableKeyEncodingChecks {
		c.physical = physical.NewStorageEncoding(c.physical)
	}

	return nil
}

// NewCore creates, initializes and configures a Walletd node (core).
func NewCore(conf *CoreConfig) (*Core, error) {
	c, err := CreateCore(conf)
	if err != nil {
		return nil, err
	}

	if err := coreInit(c, conf); err != nil {
		return nil, err
	}

	c.barrier, err = NewAESGCMBarrier(c.physical)
	if err != nil {
		return nil, fmt.Errorf("barrier setup failed: %w", err)
	}

	if conf.HAPhysical != nil && conf.HAPhysical.HAEnabled() {
		c.ha = conf.HAPhysical
	}

	c.configureLogicalBackends(conf.LogicalBackends)
	c.configureAuditDevices(conf.AuditDevices)

	return c, nil
}

func (c *Core) configureLogicalBackends(backends map[string]logical.Factory) {
	logicalBackends := make(map[string]logical.Factory, len(backends))
	maps.Copy(logicalBackends, backends)

	// The system backend is always available.
	if _, ok := logicalBackends[mountTypeSystem]; !ok {
		logicalBackends[mountTypeSystem] = func(ctx context.Context, conf *logical.BackendConfig) (logical.Backend, error) {
			sysBackend, err := NewSystemBackend(c, conf)
			if err != nil {
				return nil, err
			}
			return sysBackend, nil
		}
	}

	c.logicalBackends = logicalBackends
}

func (c *Core) configureAuditDevices(backends map[string]audit.Factory) {
	audits := make(map[string]audit.Factory, len(backends))
	maps.Copy(audits, backends)
	c.auditDevices = audits
}

// IsInitialized returns whether walletd init has been called
func (c *Core) IsInitialized() bool {
	c.initLock.RLock()
	defer c.initLock.RUnlock()
	return c.initialized
}

// MarkInitialized marks walletd as initialized
func (c *Core) MarkInitialized() {
	c.initLock.Lock()
	defer c.initLock.Unlock()
	c.initialized = true
}

// SetConfig sets core's config object to the newly provided config.
func (c *Core) SetConfig(conf *config.Config) {
	c.rawConfig.Store(conf)
}

// RawConfig returns the config as provided by the server configuration.
func (c *Core) RawConfig() *config.Config {
	conf := c.rawConfig.Load()
	if conf == nil {
		return nil
	}
	return conf.(*config.Config)
}

// StorageType returns the storage type configured for the node.
func (c *Core) StorageType() string {
	return c.storageType
}

// PhysicalSealConfigs loads the barrier and recovery seal configs from
// storage. A nil barrier config means the node was never initialized.
func (c *Core) PhysicalSealConfigs(ctx context.Context) (*SealConfig, *SealConfig, error) {
	barrierConf, err := c.loadSealConfig(ctx, barrierSealConfigPath, "barrier", (*SealConfig).Validate)
	if err != nil {
		return nil, nil, err
	}
	if barrierConf == nil {
		return nil, nil, nil
	}

	recoveryConf, err := c.loadSealConfig(ctx, recoverySealConfigPath, "recovery", (*SealConfig).ValidateRecovery)
	if err != nil {
		return nil, nil, err
	}

	return barrierConf, recoveryConf, nil
}

func (c *Core) loadSealConfig(ctx context.Context, path, kind string, validate func(*SealConfig) error) (*SealConfig, error) {
	pe, err := c.physical.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s seal configuration: %w", kind, err)
	}
	if pe == nil {
		return nil, nil
	}

	conf := new(SealConfig)
	if err := jsonutil.DecodeJSON(pe.Value, conf); err != nil {
		return nil, fmt.Errorf("failed to decode %s seal configuration: %w", kind, err)
	}
	if err := validate(conf); err != nil {
		return nil, fmt.Errorf("failed to validate %s seal configuration: %w", kind, err)
	}

	// Older versions of walletd did not store a type for the default
	// seal.
	if conf.Type == "" {
		conf.Type = wrapping.WrapperTypeShamir.String()
	}
	return conf, nil
}

func (c *Core) SealAccess() *SealAccess {
	return NewSealAccess(c.seal)
}

// Sealed checks if Walletd is currently sealed
func (c *Core) Sealed() bool {
	return atomic.LoadUint32(c.sealed) == 1
}

// Standby checks if the Walletd is in standby mode
func (c *Core) Standby() (bool, error) {
	return c.standby.Load(), nil
}

// unsealInternal takes in the root key and attempts to unseal the barrier.
// N.B.: This must be called with the state write lock held.
func (c *Core) unsealInternal(ctx context.Context, rootKey []byte) error {
	if err := c.barrier.Unseal(ctx, rootKey); err != nil {
		return err
	}

	if c.ha == nil {
		// Single node: do the post-unseal setup right here.
		ctx, ctxCancel := context.WithCancel(context.Background())
		if err := c.postUnseal(ctx, ctxCancel, standardUnsealStrategy{}); err != nil {
			c.logger.Error("post-unseal setup failed", logger.Err(err))
			c.barrier.Seal()
			c.logger.Warn("walletd is sealed")
			return err
		}

		// Force a cache bust here, which will also run migration code
		if c.seal.RecoveryKeySupported() {
			c.seal.SetRecoveryConfig(ctx, nil)
		}

		c.standby.Store(false)
	} else {
		// HA: go to standby and wait to be elected active.
		c.standbyDoneCh = make(chan struct{})
		c.manualStepDownCh = make(chan struct{}, 1)
		c.standbyStopCh.Store(make(chan struct{}, 1))
		c.standbyRestartCh.Store(make(chan struct{}, 1))
		go c.runStandby(c.standbyDoneCh, c.manualStepDownCh, c.standbyStopCh.Load().(chan struct{}))
	}

	atomic.StoreUint32(c.sealed, 0)

	c.logger.Info("walletd is unsealed")

	return nil
}

func (c *Core) Logger() logger.Logger {
	return c.logger
}

// postUnseal is invoked on the active node
// after the barrier is unsealed, but before
// allowing any user operations. This allows us to setup any state that
// requires Walletd to be unsealed such as mount tables
func (c *Core) postUnseal(ctx context.Context, ctxCancelFunc context.CancelFunc, unsealer UnsealStrategy) (retErr error) {
	c.postUnsealFuncs = nil

	c.activeContext = ctx
	c.activeContextCancelFunc.Store(ctxCancelFunc)

	defer func() {
		if retErr != nil {
			ctxCancelFunc()
			_ = c.preSeal()
		}
	}()
	c.logger.Info("post-unseal setup starting")

	c.physicalCache.Purge(ctx)
	if !c.cachingDisabled {
		c.physicalCache.SetEnabled(true)
	}

	// Purge these for safety in case of a rotation
	_ = c.seal.SetBarrierConfig(ctx, nil)
	if c.seal.RecoveryKeySupported() {
		_ = c.seal.SetRecoveryConfig(ctx, nil)
	}

	if err := unsealer.unseal(ctx, c.logger, c); err != nil {
		return err
	}

	// Automatically re-encrypt the keys used for auto unsealing when the
	// seal's encryption key changes. The regular rotation of cryptographic
	// keys is a NIST recommendation. Access to prior keys for decryption
	// is normally supported for a configurable time period. Re-encrypting
	// the keys used for auto unsealing ensures Walletd and its data will
	// continue to be accessible even after prior seal keys are destroyed.
	if seal, ok := c.seal.(*autoSeal); ok {
		if err := seal.UpgradeKeys(c.activeContext); err != nil {
			c.logger.Warn("post-unseal upgrade seal keys failed",
				logger.Err(err),
			)
		}

		// Detect auto-seal backend outages at runtime rather than at
		// the next need to unseal.
		seal.StartHealthCheck()
	}

	// This is intentionally the last step. We want to allow writes just
	// before allowing client requests, to ensure everything has been set
	// up properly before any writes can have happened.
	c.runPostUnsealFuncs()

	c.logger.Info("post-unseal setup complete")
	return nil
}

// runPostUnsealFuncs drains postUnsealFuncs through a temporary worker
// pool sized from the CPU count, overridable through
// WALLETD_POSTUNSEAL_FUNC_CONCURRENCY.
func (c *Core) runPostUnsealFuncs() {
	concurrency := runtime.NumCPU() * 2
	if v := api.ReadWalletdVariable("WALLETD_POSTUNSEAL_FUNC_CONCURRENCY"); v != "" {
		pv, err := strconv.Atoi(v)
		if err != nil || pv < 1 {
			c.logger.Warn("invalid value for WALLETD_POSTUNSEAL_FUNC_CONCURRENCY, must be a positive integer",
				logger.Err(err),
				logger.Any("value", pv),
			)
		} else {
			concurrency = pv
		}
	}

	if concurrency <= 1 {
		for _, v := range c.postUnsealFuncs {
			v()
		}
		return
	}

	jobs := make(chan func())
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		go func() {
			for v := range jobs {
				v()
				wg.Done()
			}
		}()
	}
	for _, v := range c.postUnsealFuncs {
		wg.Add(1)
		jobs <- v
	}
	wg.Wait()
	close(jobs)
}

// preSeal is invoked before the barrier is sealed, allowing
// for any state teardown required.
func (c *Core) preSeal() error {
	c.logger.Info("pre-seal teardown starting")

	if seal, ok := c.seal.(*autoSeal); ok {
		seal.StopHealthCheck()
	}
	c.postUnsealFuncs = nil
	c.activeTime = time.Time{}

	var result error

	if err := c.teardownAudits(context.Background()); err != nil {
		result = multierror.Append(result, fmt.Errorf("error tearing down audits: %w", err))
	}
	if err := c.unloadMounts(context.Background()); err != nil {
		result = multierror.Append(result, fmt.Errorf("error unloading mounts: %w", err))
	}

	c.physicalCache.SetEnabled(false)
	c.physicalCache.Purge(context.Background())

	c.logger.Info("pre-seal teardown complete")
	return result
}

type UnsealStrategy interface {
	unseal(context.Context, logger.Logger, *Core) error
}

type standardUnsealStrategy struct {
	// Inherit read-only unseal methods
	readonlyUnsealStrategy
}

func (s standardUnsealStrategy) unseal(ctx context.Context, logger logger.Logger, c *Core) error {
	c.logger.Debug("standard unseal starting")

	c.activeTime = time.Now().UTC()

	return s.unsealShared(ctx, logger, c, false /* active */)
}

// readonlyUnsealStrategy is called directly on standby nodes and indirectly
// (via standardUnsealStrategy) on active nodes to handle the core shared
// unseal work: startup of various internal subsystems, mounts, &c.
type readonlyUnsealStrategy struct{}

func (s readonlyUnsealStrategy) unseal(ctx context.Context, logger logger.Logger, c *Core) error {
	c.logger.Debug("read-only unseal starting")
	return s.unsealShared(ctx, logger, c, true /* standby */)
}

func (readonlyUnsealStrategy) unsealShared(ctx context.Context, log logger.Logger, c *Core, standby bool) error {
	if err := c.loadMounts(ctx); err != nil {
		return err
	}
	if err := c.setupMounts(ctx); err != nil {
		return err
	}

	return c.loadAudits(ctx)
}

// HandleRequest is the entry point for requests that have cleared the
// transport layer. It enforces the seal and standby gates, runs the audit
// broker on both sides of the dispatch, and routes the request to the
// owning mount.
func (c *Core) HandleRequest(ctx context.Context, req *logical.Request) (*logical.Response, error) {
	if c.Sealed() {
		return nil, logical.ErrServiceUnavailable("Walletd is sealed")
	}

	if c.activeContext == nil || c.activeContext.Err() != nil {
		if c.standby.Load() {
			return nil, logical.ErrServiceUnavailable("standby node, please forward to active")
		}
		return nil, logical.ErrServiceUnavailable("server context canceled")
	}

	if err := c.auditRequest(ctx, req); err != nil {
		return nil, err
	}

	// Derive the request context from the active context so sealing aborts
	// in-flight requests, and watch the inbound context so a disconnected
	// client does the same.
	reqCtx, cancel := context.WithCancel(c.activeContext)
	defer cancel()
	go func() {
		select {
		case <-reqCtx.Done():
		case <-ctx.Done():
			cancel()
		}
	}()

	resp, err := c.router.Route(reqCtx, req)

	if auditErr := c.auditResponse(ctx, req, resp, err); auditErr != nil {
		return nil, auditErr
	}

	return resp, err
}
