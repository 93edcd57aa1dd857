package core

import (
	"context"
	"testing"

	"github.com/stephnangue/walletd/audit"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
	"github.com/stephnangue/walletd/physical/inmem"
	"github.com/stephnangue/walletd/wallet"
)

// TestCore returns a pure in-memory core for testing, uninitialized and
// sealed, with the wallet backend registered.
func TestCore(t testing.TB) *Core {
	return TestCoreWithSeal(t, nil)
}

// TestCoreWithSeal returns an in-memory core using the given seal, or the
// default Shamir seal when nil.
func TestCoreWithSeal(t testing.TB, testSeal Seal) *Core {
	t.Helper()

	inm, err := inmem.NewInmem(nil, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	return TestCoreWithConfig(t, &CoreConfig{
		Physical:    inm,
		Seal:        testSeal,
		StorageType: "inmem",
	})
}

// TestCoreWithConfig builds a core from the given config, filling in test
// defaults for everything left unset.
func TestCoreWithConfig(t testing.TB, conf *CoreConfig) *Core {
	t.Helper()

	if conf.Logger == nil {
		conf.Logger, _ = logger.NewGatedLogger(logger.DefaultConfig(), logger.GatedWriterConfig{})
	}
	if conf.LogicalBackends == nil {
		conf.LogicalBackends = map[string]logical.Factory{
			mountTypeWallet: wallet.Factory,
		}
	}
	if conf.AuditDevices == nil {
		conf.AuditDevices = map[string]audit.Factory{
			auditTypeFile: &testAuditFactory{},
		}
	}

	c, err := NewCore(conf)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	t.Cleanup(func() {
		_ = c.Shutdown()
	})

	return c
}

// TestCoreInit initializes the core and returns the unseal keys.
func TestCoreInit(t testing.TB, core *Core) [][]byte {
	t.Helper()

	barrierConfig := &SealConfig{
		SecretShares:    3,
		SecretThreshold: 3,
	}
	var recoveryConfig *SealConfig
	if core.seal.RecoveryKeySupported() {
		recoveryConfig = &SealConfig{
			SecretShares:    3,
			SecretThreshold: 3,
		}
	}

	result, err := core.Initialize(context.Background(), &InitParams{
		BarrierConfig:  barrierConfig,
		RecoveryConfig: recoveryConfig,
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if len(result.RecoveryShares) > 0 {
		return result.RecoveryShares
	}
	return result.SecretShares
}

// TestCoreUnseal submits a single unseal key part to the core.
func TestCoreUnseal(core *Core, key []byte) (bool, error) {
	return core.Unseal(key)
}

// TestCoreUnsealed returns an initialized and unsealed in-memory core
// along with its unseal keys.
func TestCoreUnsealed(t testing.TB) (*Core, [][]byte) {
	t.Helper()

	c := TestCore(t)
	keys := TestCoreInit(t, c)
	for _, key := range keys {
		if _, err := TestCoreUnseal(c, key); err != nil {
			t.Fatalf("unseal err: %v", err)
		}
	}
	if c.Sealed() {
		t.Fatal("should not be sealed")
	}

	return c, keys
}

// testAuditFactory builds no-op audit devices so tests do not write audit
// logs to the working directory.
type testAuditFactory struct{}

func (f *testAuditFactory) Type() string { return auditTypeFile }

func (f *testAuditFactory) Initialize(logger.Logger) error { return nil }

func (f *testAuditFactory) Create(_ context.Context, mountPath, _, _ string, _ map[string]any) (audit.Device, error) {
	return &testAuditDevice{name: mountPath, enabled: true}, nil
}

type testAuditDevice struct {
	name     string
	enabled  bool
	requests []*audit.LogEntry
}

func (d *testAuditDevice) LogRequest(_ context.Context, entry *audit.LogEntry) error {
	d.requests = append(d.requests, entry)
	return nil
}

func (d *testAuditDevice) LogResponse(_ context.Context, entry *audit.LogEntry) error {
	d.requests = append(d.requests, entry)
	return nil
}

func (d *testAuditDevice) LogTestRequest(context.Context) error { return nil }

func (d *testAuditDevice) Close() error { return nil }

func (d *testAuditDevice) Name() string { return d.name }

func (d *testAuditDevice) Enabled() bool { return d.enabled }

func (d *testAuditDevice) SetEnabled(enabled bool) { d.enabled = enabled }

func (d *testAuditDevice) GetType() string { return auditTypeFile }

func (d *testAuditDevice) GetDescription() string { return "" }

func (d *testAuditDevice) GetAccessor() string { return "" }
