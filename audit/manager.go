package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/stephnangue/walletd/logger"
)

// manager fans audit entries out to every enabled device.
type manager struct {
	mu       sync.RWMutex
	devices  map[string]Device
	log      logger.Logger
	parallel bool
}

// AuditManagerConfig configures a manager built with
// NewAuditManagerWithConfig.
type AuditManagerConfig struct {
	// Parallel logs to multiple devices concurrently. Turn it off when
	// strict ordering across devices matters more than latency.
	Parallel bool

	Logger logger.Logger
}

// NewAuditManager returns a manager that logs to devices in parallel.
func NewAuditManager(log logger.Logger) AuditManager {
	return NewAuditManagerWithConfig(AuditManagerConfig{
		Parallel: true,
		Logger:   log,
	})
}

func NewAuditManagerWithConfig(config AuditManagerConfig) AuditManager {
	return &manager{
		devices:  make(map[string]Device),
		parallel: config.Parallel,
		log:      config.Logger,
	}
}

func (m *manager) RegisterDevice(name string, device Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	m.devices[name] = device
	return nil
}

// UnregisterDevice closes the named device and removes it. The device
// stays registered when closing fails, so the caller can retry.
func (m *manager) UnregisterDevice(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, exists := m.devices[name]
	if !exists {
		return fmt.Errorf("device %q not found", name)
	}

	if err := device.Close(); err != nil {
		return fmt.Errorf("failed to close device: %w", err)
	}

	delete(m.devices, name)
	return nil
}

func (m *manager) GetDevice(name string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[name]
	if !exists {
		return nil, fmt.Errorf("device %q not found", name)
	}

	return device, nil
}

func (m *manager) ListDevices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}

	return names
}

// LogRequest sends the entry to every enabled device. The returned bool
// is true when at least one device accepted it, which is what the caller
// needs to decide whether the request may proceed.
func (m *manager) LogRequest(ctx context.Context, entry *LogEntry) (bool, error) {
	return m.dispatch(ctx, entry, Device.LogRequest)
}

// LogResponse sends the entry to every enabled device, with the same
// at-least-one semantics as LogRequest.
func (m *manager) LogResponse(ctx context.Context, entry *LogEntry) (bool, error) {
	return m.dispatch(ctx, entry, Device.LogResponse)
}

type deviceLogFunc func(Device, context.Context, *LogEntry) error

func (m *manager) dispatch(ctx context.Context, entry *LogEntry, logFn deviceLogFunc) (bool, error) {
	m.mu.RLock()
	parallel := m.parallel
	enabled := make([]Device, 0, len(m.devices))
	for _, device := range m.devices {
		if device.Enabled() {
			enabled = append(enabled, device)
		}
	}
	m.mu.RUnlock()

	if len(enabled) == 0 {
		return false, nil
	}

	// One device needs no fan-out machinery.
	if len(enabled) == 1 {
		if err := logFn(enabled[0], ctx, entry); err != nil {
			return false, fmt.Errorf("device %q: %w", enabled[0].Name(), err)
		}
		return true, nil
	}

	if parallel {
		return m.dispatchParallel(ctx, enabled, entry, logFn)
	}
	return m.dispatchSequential(ctx, enabled, entry, logFn)
}

func (m *manager) dispatchParallel(ctx context.Context, devices []Device, entry *LogEntry, logFn deviceLogFunc) (bool, error) {
	type outcome struct {
		name string
		err  error
	}

	results := make(chan outcome, len(devices))
	for _, device := range devices {
		go func(d Device) {
			results <- outcome{name: d.Name(), err: logFn(d, ctx, entry)}
		}(device)
	}

	var merr *multierror.Error
	succeeded := false
	for range devices {
		res := <-results
		if res.err == nil {
			succeeded = true
			continue
		}
		merr = multierror.Append(merr, fmt.Errorf("device %q: %w", res.name, res.err))
	}

	return succeeded, merr.ErrorOrNil()
}

func (m *manager) dispatchSequential(ctx context.Context, devices []Device, entry *LogEntry, logFn deviceLogFunc) (bool, error) {
	var merr *multierror.Error
	succeeded := false

	for _, device := range devices {
		if err := logFn(device, ctx, entry); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("device %q: %w", device.Name(), err))
			continue
		}
		succeeded = true
	}

	return succeeded, merr.ErrorOrNil()
}

// Reset closes and unregisters all devices, leaving the manager empty.
// Devices that fail to close are dropped anyway.
func (m *manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var merr *multierror.Error
	for name, device := range m.devices {
		if err := device.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("device %q: %w", name, err))
		}
	}
	m.devices = make(map[string]Device)

	return merr.ErrorOrNil()
}

// Close closes every device but keeps the registrations.
func (m *manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var merr *multierror.Error
	for name, device := range m.devices {
		if err := device.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("device %q: %w", name, err))
		}
	}

	return merr.ErrorOrNil()
}
