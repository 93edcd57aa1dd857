package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileSink(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")

	sink, err := NewFileSink(FileSinkConfig{
		Path: logPath,
	})
	if err != nil {
		t.Fatalf("Failed to create file sink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	testData := []byte(`{"type":"request","operation":"read"}`)

	if err := sink.Write(ctx, testData); err != nil {
		t.Errorf("Failed to write to sink: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Errorf("Failed to read log file: %v", err)
	}
	if !strings.HasSuffix(string(content), "\n") {
		t.Error("Entry should be newline-terminated")
	}
}

func TestFileSink_SizeRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")

	sink, err := NewFileSink(FileSinkConfig{
		Path:       logPath,
		RotateSize: 64,
	})
	if err != nil {
		t.Fatalf("Failed to create file sink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	entry := []byte(`{"type":"request","operation":"sign","path":"wallet/keys/key1/sign"}`)

	// Second write crosses the threshold and rotates before writing
	for i := 0; i < 3; i++ {
		if err := sink.Write(ctx, entry); err != nil {
			t.Fatalf("Failed to write entry %d: %v", i, err)
		}
	}

	backups, err := filepath.Glob(logPath + ".*")
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(backups) == 0 {
		t.Error("Expected at least one rotated backup file")
	}

	// The live file still receives entries after rotation
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if len(content) == 0 {
		t.Error("Live log file is empty after rotation")
	}
}

func TestPathFiltering(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")

	sink, err := NewFileSink(FileSinkConfig{
		Path: logPath,
	})
	if err != nil {
		t.Fatalf("Failed to create file sink: %v", err)
	}

	format := NewJSONFormat()
	device := NewDevice("test", format, sink, &DeviceConfig{
		Name:         "test",
		Enabled:      true,
		ExcludePaths: []string{"/health", "/metrics"},
	})
	defer device.Close()

	ctx := context.Background()

	excludedEntry := &LogEntry{
		Timestamp: time.Now(),
		Request: &Request{
			ID:        "req-001",
			Operation: "read",
			Path:      "/health",
			ClientIP:  "192.168.1.100",
		},
	}
	if err := device.LogRequest(ctx, excludedEntry); err != nil {
		t.Errorf("Failed to log request: %v", err)
	}

	includedEntry := &LogEntry{
		Timestamp: time.Now(),
		Request: &Request{
			ID:        "req-002",
			Operation: "read",
			Path:      "/v1/wallet/keys/key1",
			ClientIP:  "192.168.1.100",
		},
	}
	if err := device.LogRequest(ctx, includedEntry); err != nil {
		t.Errorf("Failed to log request: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Errorf("Failed to read log file: %v", err)
	}

	if strings.Contains(string(content), "/health") {
		t.Error("Excluded path /health was logged")
	}
	if !strings.Contains(string(content), "/v1/wallet/keys/key1") {
		t.Error("Included path /v1/wallet/keys/key1 was not logged")
	}
}
