package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// device implements the Device interface by pairing one Format with one
// Sink and applying the configured path filters in front of both.
type device struct {
	mu      sync.RWMutex
	name    string
	format  Format
	sink    Sink
	enabled bool
	filters []FilterFunc
	config  *DeviceConfig
}

// NewDevice creates a new audit device
func NewDevice(name string, format Format, sink Sink, config *DeviceConfig) Device {
	if config == nil {
		config = &DeviceConfig{
			Name:    name,
			Enabled: true,
		}
	}

	d := &device{
		name:    name,
		format:  format,
		sink:    sink,
		enabled: config.Enabled,
		config:  config,
	}

	if len(config.ExcludePaths) > 0 {
		d.AddFilter(excludePathsFilter(config.ExcludePaths))
	}
	if len(config.IncludePaths) > 0 {
		d.AddFilter(includePathsFilter(config.IncludePaths))
	}

	return d
}

// pathMatches reports whether the request path matches the pattern,
// either as a filepath glob or as a plain prefix.
func pathMatches(pattern, path string) bool {
	if matched, _ := filepath.Match(pattern, path); matched {
		return true
	}
	return strings.HasPrefix(path, pattern)
}

// excludePathsFilter drops entries whose request path matches any of the
// patterns. Entries without a request pass through.
func excludePathsFilter(patterns []string) FilterFunc {
	return func(entry *LogEntry) bool {
		if entry.Request == nil {
			return true
		}
		for _, pattern := range patterns {
			if pathMatches(pattern, entry.Request.Path) {
				return false
			}
		}
		return true
	}
}

// includePathsFilter keeps only entries whose request path matches one of
// the patterns. Entries without a request are dropped.
func includePathsFilter(patterns []string) FilterFunc {
	return func(entry *LogEntry) bool {
		if entry.Request == nil {
			return false
		}
		for _, pattern := range patterns {
			if pathMatches(pattern, entry.Request.Path) {
				return true
			}
		}
		return false
	}
}

// AddFilter adds a filter function to the device
func (d *device) AddFilter(filter FilterFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filters = append(d.filters, filter)
}

// shouldLog checks whether the entry passes every filter while the
// device is enabled.
func (d *device) shouldLog(entry *LogEntry) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.enabled {
		return false
	}
	for _, filter := range d.filters {
		if !filter(entry) {
			return false
		}
	}
	return true
}

// log formats the entry with formatFn and hands it to the sink.
func (d *device) log(ctx context.Context, entry *LogEntry, what string, formatFn func(context.Context, *LogEntry) ([]byte, error)) error {
	if !d.shouldLog(entry) {
		return nil
	}

	formatted, err := formatFn(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to format %s: %w", what, err)
	}

	if err := d.sink.Write(ctx, formatted); err != nil {
		return fmt.Errorf("failed to write to sink: %w", err)
	}

	return nil
}

// LogRequest logs a request
func (d *device) LogRequest(ctx context.Context, entry *LogEntry) error {
	return d.log(ctx, entry, "request", d.format.FormatRequest)
}

// LogResponse logs a response
func (d *device) LogResponse(ctx context.Context, entry *LogEntry) error {
	return d.log(ctx, entry, "response", d.format.FormatResponse)
}

// LogTestRequest writes a synthetic entry straight through the format and
// sink, bypassing filters, so enabling a device fails fast when its sink
// is unusable.
func (d *device) LogTestRequest(ctx context.Context) error {
	entry := &LogEntry{
		Type:      "test",
		Timestamp: time.Now().UTC(),
		Request: &Request{
			ID:       "test-request-id",
			Method:   "GET",
			Path:     "sys/audit/test",
			ClientIP: "127.0.0.1",
		},
	}

	formatted, err := d.format.FormatRequest(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to format test request: %w", err)
	}

	if err := d.sink.Write(ctx, formatted); err != nil {
		return fmt.Errorf("failed to write test request to sink: %w", err)
	}

	return nil
}

// Close closes the device
func (d *device) Close() error {
	return d.sink.Close()
}

// Name returns the device name
func (d *device) Name() string {
	return d.name
}

// Enabled returns whether the device is enabled
func (d *device) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled sets the enabled state
func (d *device) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

func (d *device) GetType() string {
	return d.config.Type
}

func (d *device) GetDescription() string {
	return d.config.Description
}

func (d *device) GetAccessor() string {
	return d.config.Accessor
}
