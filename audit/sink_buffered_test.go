package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestBufferedSink(t *testing.T, bufferSize int, flushPeriod time.Duration) (*BufferedSink, string) {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "audit.log")
	fileSink, err := NewFileSink(FileSinkConfig{Path: logPath})
	if err != nil {
		t.Fatalf("Failed to create file sink: %v", err)
	}

	bufferedSink, err := NewBufferedSink(BufferedSinkConfig{
		Sink:        fileSink,
		BufferSize:  bufferSize,
		FlushPeriod: flushPeriod,
	})
	if err != nil {
		t.Fatalf("Failed to create buffered sink: %v", err)
	}
	return bufferedSink, logPath
}

func writeEntries(t *testing.T, sink *BufferedSink, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		data := []byte(fmt.Sprintf(`{"request":{"id":"req-%03d","path":"wallet/keys"}}`, i))
		if err := sink.Write(ctx, data); err != nil {
			t.Errorf("Failed to write entry %d: %v", i, err)
		}
	}
}

func TestBufferedSinkPeriodicFlush(t *testing.T) {
	sink, logPath := newTestBufferedSink(t, 10, 100*time.Millisecond)
	defer sink.Close()

	writeEntries(t, sink, 5)

	// Fewer entries than the buffer holds, so only the ticker can
	// move them to the file.
	time.Sleep(200 * time.Millisecond)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Errorf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "req-004") {
		t.Error("Last buffered entry did not reach the file after flush period")
	}
}

func TestBufferedSinkCloseFlushes(t *testing.T) {
	sink, logPath := newTestBufferedSink(t, 100, time.Hour)

	writeEntries(t, sink, 3)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("req-%03d", i)
		if !strings.Contains(string(content), id) {
			t.Errorf("Entry %s lost on close", id)
		}
	}
}

func TestBufferedSinkExplicitFlush(t *testing.T) {
	sink, logPath := newTestBufferedSink(t, 100, time.Hour)
	defer sink.Close()

	writeEntries(t, sink, 2)
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "req-001") {
		t.Error("Flush did not drain the buffer to the file")
	}
}
