package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/errwrap"
	wrapping "github.com/openbao/go-kms-wrapping/v2"
	aeadwrapper "github.com/openbao/go-kms-wrapping/wrappers/aead/v2"
	"github.com/openbao/openbao/sdk/v2/logical"
	"github.com/spf13/cobra"
	walletdapi "github.com/stephnangue/walletd/api"
	"github.com/stephnangue/walletd/audit"
	"github.com/stephnangue/walletd/config"
	"github.com/stephnangue/walletd/core"
	walletdseal "github.com/stephnangue/walletd/core/seal"
	walletdhttp "github.com/stephnangue/walletd/http"
	"github.com/stephnangue/walletd/internal/configutil"
	"github.com/stephnangue/walletd/listener"
	"github.com/stephnangue/walletd/listener/api"
	log "github.com/stephnangue/walletd/logger"
	walletdlogical "github.com/stephnangue/walletd/logical"
	"github.com/stephnangue/walletd/physical"
	inmemStorage "github.com/stephnangue/walletd/physical/inmem"
	postgresqlStorage "github.com/stephnangue/walletd/physical/postgres"
	vaultkvStorage "github.com/stephnangue/walletd/physical/vaultkv"
	"github.com/stephnangue/walletd/wallet"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// Subsystem names for logging
	subsystemCore     = "core"
	subsystemListener = "listener"

	// Listener type names
	listenerTypeTCP  = "tcp"
	listenerTypeUnix = "unix"
)

var (
	configPath string

	flagDev         bool
	flagDevAutoSeal bool

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a Walletd server that responds to API requests",
		Long: `
Usage: walletd server [options]

  This command starts a Walletd server that responds to API requests. By default,
  Start a server with a configuration file:

      $ walletd server --config=/etc/walletd/config.hcl

  For a full list of examples, please see the documentation.
  `,
		RunE: run,
	}

	auditDevices = map[string]audit.Factory{
		"file":   &audit.FileDeviceFactory{},
		"socket": &audit.SocketDeviceFactory{},
	}

	logicalBackends = map[string]walletdlogical.Factory{
		"wallet": wallet.Factory,
	}

	storageBackends = map[string]physical.Factory{
		"inmem_ha": inmemStorage.NewInmemHA,
		"inmem":    inmemStorage.NewInmem,
		"postgres": postgresqlStorage.NewPostgreSQLStorage,
		"vaultkv":  vaultkvStorage.NewVaultKVStorage,
	}
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/walletd.hcl)")
	ServerCmd.Flags().BoolVar(&flagDev, "dev", false, "Start in dev mode: in-memory storage, auto-initialized and auto-unsealed")
	ServerCmd.Flags().BoolVar(&flagDevAutoSeal, "dev-auto-seal", false, "Use autoseal in dev mode")
}

// serverInfo accumulates the key/value pairs printed in the startup
// banner, keeping insertion independent of print order.
type serverInfo struct {
	keys []string
	vals map[string]string
}

func newServerInfo() *serverInfo {
	return &serverInfo{vals: make(map[string]string)}
}

func (si *serverInfo) add(key, value string) {
	if _, seen := si.vals[key]; !seen {
		si.keys = append(si.keys, key)
	}
	si.vals[key] = value
}

func (si *serverInfo) print(w io.Writer) {
	sort.Strings(si.keys)
	fmt.Fprintf(w, "\n==> Walletd server configuration:\n\n")
	titleCaser := cases.Title(language.English, cases.NoLower)
	for _, k := range si.keys {
		fmt.Fprintf(w, "%24s: %s\n", titleCaser.String(k), si.vals[k])
	}
}

// loadServerConfig resolves the effective configuration: the built-in
// dev config when --dev is set, otherwise the file named by --config.
func loadServerConfig() (*config.Config, error) {
	if flagDev {
		// Dev mode always runs behind an auto seal.
		flagDevAutoSeal = true
		return devModeConfig(), nil
	}

	if configPath == "" {
		return nil, fmt.Errorf("config file path is required. Use -c or --config flag")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return conf, nil
}

func gatherLogInfo(si *serverInfo, conf *config.Config) {
	si.add("log level", conf.LogLevel)
	si.add("log file", conf.LogFile)
	si.add("log format", conf.LogFormat)
	si.add("log rotate max files", fmt.Sprintf("%d", conf.LogRotateMaxFiles))
	si.add("log rotate max size", fmt.Sprintf("%d", conf.LogRotateMegabytes))
	si.add("log rotation period", fmt.Sprintf("%d", conf.LogRotationPeriod))
}

func gatherEnvInfo(si *serverInfo) {
	var envVarKeys []string
	for _, v := range os.Environ() {
		envVarKeys = append(envVarKeys, strings.SplitN(v, "=", 2)[0])
	}
	sort.Strings(envVarKeys)
	si.add("environment variables", strings.Join(envVarKeys, ", "))
}

func run(cmd *cobra.Command, args []string) error {
	conf, err := loadServerConfig()
	if err != nil {
		return err
	}

	// The gate stays closed until startup completes, so initialization
	// noise only streams once the banner is out.
	logger := buildGatedLogger(conf)

	storage, err := buildStorage(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the storage: %w", err)
	}

	si := newServerInfo()
	gatherLogInfo(si, conf)
	gatherEnvInfo(si)

	barrierSeal, barrierWrapper, seals, sealConfigError, err := setSeal(conf, logger, si)
	if err != nil {
		return fmt.Errorf("failed to set seal: %w", err)
	}

	for _, seal := range seals {
		if seal == nil {
			continue
		}
		seal := seal
		// Runs even on the verify-only path.
		defer func(seal *core.Seal) {
			if err := (*seal).Finalize(context.Background()); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "error finalizing seals: %v\n", err)
			}
		}(&seal)
	}

	if barrierSeal == nil {
		return fmt.Errorf("could not create barrier seal! Most likely proper Seal configuration information was not set, but no error was generated")
	}

	// TODO : improve this, because it uses rand.Reader
	secureRandomReader, err := configutil.CreateSecureRandomReaderFunc(barrierWrapper)
	if err != nil {
		return fmt.Errorf("failed to create the secure random reader: %w", err)
	}

	coreConfig := createCoreConfig(logger, conf, storage, barrierSeal, secureRandomReader)

	newCore, newCoreError := core.NewCore(&coreConfig)
	if newCoreError != nil {
		if core.IsFatalError(newCoreError) {
			return fmt.Errorf("error initializing core: %w", newCoreError)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "A non-fatal error occurred during initialization. Please check the logs for more information: %v\n", newCoreError)
	}

	si.add("storage", conf.Storage.Type)
	if coreConfig.ClusterAddr != "" {
		si.add("cluster address", coreConfig.ClusterAddr)
	}
	if coreConfig.RedirectAddr != "" {
		si.add("api address", coreConfig.RedirectAddr)
	}

	httpHandler := walletdhttp.Handler(&walletdhttp.HandlerProperties{
		Core:   newCore,
		Logger: logger,
	})

	lns, err := initListeners(httpHandler, conf, logger)
	if err != nil {
		return err
	}
	for _, ln := range lns {
		si.add(fmt.Sprintf("listener (%s)", ln.Type()), ln.Addr())
	}

	var shutdownErrs []error
	var shutdownErrsMu sync.Mutex

	var cleanupGuard sync.Once
	listenerCloseFunc := func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Stopping all listeners\n")
		for _, ln := range lns {
			if err := ln.Stop(); err != nil {
				shutdownErrsMu.Lock()
				shutdownErrs = append(shutdownErrs, fmt.Errorf("failed to stop %s listener at %s: %w", ln.Type(), ln.Addr(), err))
				shutdownErrsMu.Unlock()
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Listener stopped successfully: type=%s, address=%s\n", ln.Type(), ln.Addr())
			}
		}
	}

	// Stopped exactly once, whether through this defer (panic/error) or
	// the explicit call before core shutdown.
	defer cleanupGuard.Do(listenerCloseFunc)

	si.print(cmd.OutOrStdout())

	// Attempt unsealing in a background goroutine. This is needed for when a
	// Walletd cluster with multiple servers is configured with auto-unseal but is
	// uninitialized. Once one server initializes the storage backend, this
	// goroutine will pick up the unseal keys and unseal this instance.
	go runUnseal(cmd.Context(), newCore, context.Background())

	if sealConfigError != nil {
		init, err := newCore.InitializedLocally(context.Background())
		if err != nil {
			return fmt.Errorf("error checking if core is initialized: %w", err)
		}
		if init {
			return fmt.Errorf("walletd is initialized but no Seal key could be loaded")
		}
	}

	// The cobra command context respects signal interrupts.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	errChan := make(chan error, len(lns))
	var wg sync.WaitGroup
	for _, ln := range lns {
		wg.Go(func() {
			if err := ln.Start(ctx); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "failed to start listener: %v\n", err)
				errChan <- err
			}
		})
	}

	if flagDev {
		result, err := devModeInit(newCore)
		if err != nil {
			return err
		}
		printDevBanner(cmd.OutOrStdout(), result)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Walletd server started! Log data will stream in below:\n")
	logger.OpenGate()

	listenerErrs := waitForShutdown(cmd.OutOrStdout(), ctx, cancel, errChan, len(lns))

	// Stop the listeners so that we don't process further client requests
	cleanupGuard.Do(listenerCloseFunc)

	// Wait for all listener goroutines to finish and collect any remaining errors
	wg.Wait()
	close(errChan)
	for err := range errChan {
		listenerErrs = append(listenerErrs, err)
	}
	if len(listenerErrs) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Listener errors occurred during runtime: %v, error_count=%d\n", errors.Join(listenerErrs...), len(listenerErrs))
	}

	if err := newCore.Shutdown(); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "core shutdown failed: %v\n", err)
		shutdownErrsMu.Lock()
		shutdownErrs = append(shutdownErrs, fmt.Errorf("core shutdown failed: %w", err))
		shutdownErrsMu.Unlock()
	}

	if len(shutdownErrs) > 0 {
		aggregated := errors.Join(shutdownErrs...)
		fmt.Fprintf(cmd.OutOrStdout(), "Shutdown completed with errors: %v, error_count=%d\n", aggregated, len(shutdownErrs))
		return aggregated
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Server shutdown completed successfully\n")
	return nil
}

// waitForShutdown blocks until the context is canceled or every
// listener has failed, returning the listener errors seen so far.
func waitForShutdown(w io.Writer, ctx context.Context, cancel context.CancelFunc, errChan <-chan error, totalListeners int) []error {
	var listenerErrs []error
	for {
		select {
		case err := <-errChan:
			listenerErrs = append(listenerErrs, err)
			fmt.Fprintf(w, "Listener error occurred: failed_count=%d, total_listeners=%d\n", len(listenerErrs), totalListeners)

			// A single bad listener should not take down the rest.
			if len(listenerErrs) >= totalListeners {
				fmt.Fprintf(w, "All listeners have failed, triggering shutdown: failed_count=%d\n", len(listenerErrs))
				cancel()
				return listenerErrs
			}
		case <-ctx.Done():
			fmt.Fprintf(w, "Walletd shutdown triggered\n")
			cancel()
			return listenerErrs
		}
	}
}

func buildGatedLogger(config *config.Config) *log.GatedLogger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(config.LogLevel),
		Subsystem: subsystemCore,
		FileConfig: &log.FileConfig{
			Filename:   config.LogFile,
			MaxSize:    config.LogRotateMegabytes,
			MaxAge:     config.LogRotationPeriod,
			MaxBackups: config.LogRotateMaxFiles,
		},
		Format:  log.ParseOutPutFormat(config.LogFormat),
		Outputs: []io.Writer{os.Stdout},
	}

	gateConfig := log.GatedWriterConfig{
		Underlying:    os.Stdout,
		InitialState:  log.GateClosed,
		MaxBufferSize: 10 * 1024 * 1024, // 10MB buffer for initialization logs
	}

	gatedLogger, _ := log.NewGatedLogger(logConfig, gateConfig)

	return gatedLogger
}

func buildStorage(config *config.Config, logger log.Logger) (physical.Backend, error) {
	if config.Storage == nil {
		return nil, errors.New("a storage backend must be specified")
	}

	factory, exists := storageBackends[config.Storage.Type]
	if !exists {
		return nil, fmt.Errorf("unknown storage type %s", config.Storage.Type)
	}

	storage, err := factory(config.Storage.Config(), logger.WithSystem("storage."+config.Storage.Type))
	if err != nil {
		return nil, fmt.Errorf("error initializing storage of type %s: %w", config.Storage.Type, err)
	}

	return storage, nil
}

func initListeners(httpHandler http.Handler, config *config.Config, logger log.Logger) ([]listener.Listener, error) {
	lns := make([]listener.Listener, 0, len(config.Listeners))

	for _, lnConfig := range config.Listeners {
		switch lnConfig.Protocol {
		case listenerTypeTCP, listenerTypeUnix:
			ln, err := api.NewApiListener(api.ApiListenerConfig{
				Logger:          logger.WithSystem(subsystemListener),
				Address:         lnConfig.Address,
				TLSCertFile:     lnConfig.TLSCertFile,
				TLSKeyFile:      lnConfig.TLSKeyFile,
				TLSClientCAFile: lnConfig.TLSClientCAFile,
				TLSEnabled:      lnConfig.TLSEnabled,
			}, httpHandler)
			if err != nil {
				return nil, fmt.Errorf("error initializing listener %s: %s", lnConfig.Name, err)
			}
			lns = append(lns, ln)
		default:
			return nil, fmt.Errorf("unknown listener protocol: %s", lnConfig.Protocol)
		}
	}

	return lns, nil
}

// setSeal returns barrierSeal, barrierWrapper, and all the created seals
// from the configs so we can close them in run. The two errors are the
// sealConfigError and the regular error.
func setSeal(conf *config.Config, logger log.Logger, si *serverInfo) (core.Seal, wrapping.Wrapper, []core.Seal, error, error) {
	if flagDevAutoSeal {
		return devAutoSeal()
	}

	var barrierSeal core.Seal
	var sealConfigError error
	var wrapper wrapping.Wrapper
	var barrierWrapper wrapping.Wrapper

	// Handle the case where no seal is provided
	if len(conf.Seals) == 0 {
		conf.Seals = append(conf.Seals, &config.KMS{Type: wrapping.WrapperTypeShamir.String()})
	}
	createdSeals := make([]core.Seal, 0, len(conf.Seals))
	for _, configSeal := range conf.Seals {
		if configSeal.Disabled {
			return nil, nil, nil, nil, errors.New("disabled seals are not supported; remove the disabled seal stanza")
		}

		sealType := configSeal.Type
		if walletdapi.ReadWalletdVariable("WALLETD_SEAL_TYPE") != "" {
			sealType = walletdapi.ReadWalletdVariable("WALLETD_SEAL_TYPE")
			configSeal.Type = sealType
		}

		var seal core.Seal
		sealLogger := logger.WithSystem(fmt.Sprintf("seal.%s", sealType))
		defaultSeal := core.NewDefaultSeal(walletdseal.NewAccess(aeadwrapper.NewShamirWrapper()))
		var sealInfoKeys []string
		sealInfoMap := map[string]string{}
		wrapper, sealConfigError = configutil.ConfigureWrapper(configSeal, &sealInfoKeys, &sealInfoMap, sealLogger)
		if sealConfigError != nil {
			if !errwrap.ContainsType(sealConfigError, new(logical.KeyNotFoundError)) {
				return barrierSeal, barrierWrapper, createdSeals, sealConfigError, fmt.Errorf(
					"Error parsing Seal configuration: %w", sealConfigError)
			}
		}
		if wrapper == nil {
			seal = defaultSeal
		} else {
			var err error
			seal, err = core.NewAutoSeal(walletdseal.NewAccess(wrapper))
			if err != nil {
				return nil, nil, nil, nil, err
			}
		}
		barrierSeal = seal
		barrierWrapper = wrapper
		for _, k := range sealInfoKeys {
			si.add(k, sealInfoMap[k])
		}
		createdSeals = append(createdSeals, seal)
	}
	return barrierSeal, barrierWrapper, createdSeals, sealConfigError, nil
}

// devAutoSeal stands in for an external KMS with an in-memory AEAD
// wrapper keyed from a random 32-byte key.
func devAutoSeal() (core.Seal, wrapping.Wrapper, []core.Seal, error, error) {
	devWrapper := aeadwrapper.NewWrapper()
	if _, err := devWrapper.SetConfig(context.Background(), wrapping.WithKeyId("dev-auto-seal")); err != nil {
		return nil, nil, nil, nil, err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, nil, nil, err
	}
	if err := devWrapper.SetAesGcmKeyBytes(key); err != nil {
		return nil, nil, nil, nil, err
	}
	devSeal, err := core.NewAutoSeal(walletdseal.NewAccess(devWrapper))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return devSeal, devWrapper, []core.Seal{devSeal}, nil, nil
}

func createCoreConfig(logger log.Logger, conf *config.Config, backend physical.Backend, barrierSeal core.Seal, secureRandomReader io.Reader,
) core.CoreConfig {
	coreConfig := &core.CoreConfig{
		RawConfig:          conf,
		Physical:           backend,
		RedirectAddr:       conf.ApiAddr,
		ClusterAddr:        conf.ClusterAddr,
		StorageType:        conf.Storage.Type,
		Seal:               barrierSeal,
		AuditDevices:       auditDevices,
		LogicalBackends:    logicalBackends,
		Logger:             logger,
		SecureRandomReader: secureRandomReader,
		DisableCache:       conf.DisableCache,
		CacheSize:          conf.CacheSize,
		DetectDeadlocks:    conf.DetectDeadlocks,
	}
	if ha, ok := backend.(physical.HABackend); ok && ha.HAEnabled() {
		coreConfig.HAPhysical = ha
	}
	return *coreConfig
}

func runUnseal(cmdContext context.Context, c *core.Core, ctx context.Context) {
	for {
		err := c.UnsealWithStoredKeys(ctx)
		if err == nil {
			return
		}

		if core.IsFatalError(err) {
			c.Logger().Error("error unsealing core",
				log.Err(err),
			)
			return
		}
		c.Logger().Warn("failed to unseal core",
			log.Err(err),
		)

		timer := time.NewTimer(5 * time.Second)
		select {
		case <-cmdContext.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
