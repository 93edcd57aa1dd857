package logger

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

// newClosedWriter returns a gate starting closed plus the underlying
// buffer it flushes into.
func newClosedWriter(t *testing.T, maxBuffer int) (*GatedWriter, *bytes.Buffer) {
	t.Helper()

	buf := &bytes.Buffer{}
	return NewGatedWriter(GatedWriterConfig{
		Underlying:    buf,
		InitialState:  GateClosed,
		MaxBufferSize: maxBuffer,
	}), buf
}

func writeLines(gw *GatedWriter, lines ...string) {
	for _, line := range lines {
		gw.Write([]byte(line + "\n"))
	}
}

func TestGatedWriter_ClosedGate(t *testing.T) {
	gw, buf := newClosedWriter(t, 0)

	writeLines(gw, "storage configured", "seal configured", "core initialized")

	if buf.Len() != 0 {
		t.Errorf("Expected no output to underlying writer, got %d bytes", buf.Len())
	}
	if gw.BufferedSize() == 0 {
		t.Error("Expected writes to be buffered")
	}
}

func TestGatedWriter_OpenGate(t *testing.T) {
	gw, buf := newClosedWriter(t, 0)

	writeLines(gw, "storage configured", "seal configured")

	if err := gw.OpenGate(); err != nil {
		t.Fatalf("OpenGate failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "storage configured") || !strings.Contains(output, "seal configured") {
		t.Errorf("Expected buffered lines to be flushed, got: %s", output)
	}
	if gw.BufferedSize() != 0 {
		t.Errorf("Expected buffer to be empty after opening gate, got %d bytes", gw.BufferedSize())
	}

	// Once open, writes pass straight through
	buf.Reset()
	writeLines(gw, "listeners started")

	if !strings.Contains(buf.String(), "listeners started") {
		t.Error("Expected write to pass through open gate")
	}
}

func TestGatedWriter_MaxBufferSize(t *testing.T) {
	gw, buf := newClosedWriter(t, 50)

	for i := 0; i < 10; i++ {
		writeLines(gw, "this is a log line")
	}

	if gw.BufferedSize() > 50 {
		t.Errorf("Buffer size %d exceeds max %d", gw.BufferedSize(), 50)
	}

	// The overflow drops oldest bytes, not everything
	gw.OpenGate()
	if buf.Len() == 0 {
		t.Error("Expected the newest buffered bytes to survive the cap")
	}
}

func TestGatedWriter_Flush(t *testing.T) {
	gw, buf := newClosedWriter(t, 0)

	writeLines(gw, "storage configured")

	if err := gw.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if !strings.Contains(buf.String(), "storage configured") {
		t.Error("Expected buffered line to be flushed")
	}
	if gw.IsOpen() {
		t.Error("Expected gate to remain closed after flush")
	}
	if gw.BufferedSize() != 0 {
		t.Error("Expected buffer to be empty after flush")
	}

	// Subsequent writes still buffer
	buf.Reset()
	writeLines(gw, "seal configured")
	if buf.Len() != 0 {
		t.Error("Expected new writes to be buffered since the gate is still closed")
	}
}

func TestGatedWriter_Clear(t *testing.T) {
	gw, buf := newClosedWriter(t, 0)

	writeLines(gw, "storage configured", "seal configured")

	gw.Clear()

	if gw.BufferedSize() != 0 {
		t.Errorf("Expected buffer to be empty, got %d bytes", gw.BufferedSize())
	}

	gw.OpenGate()
	if buf.Len() != 0 {
		t.Error("Expected nothing to be written after clear")
	}
}

func TestGatedLogger_Integration(t *testing.T) {
	var buf bytes.Buffer

	logger, gate := NewGatedLogger(
		&Config{
			Level:       DebugLevel,
			Format:      JSONFormat,
			Outputs:     []io.Writer{&buf},
			Environment: "production",
		},
		GatedWriterConfig{Underlying: &buf, InitialState: GateClosed},
	)

	logger.Info("storage configured")
	logger.Debug("seal configured")
	logger.Warn("mlock unavailable")

	if buf.Len() != 0 {
		t.Error("Expected no output while gate is closed")
	}
	if gate.BufferedSize() == 0 {
		t.Error("Expected entries to be buffered")
	}

	if err := logger.OpenGate(); err != nil {
		t.Fatalf("Failed to open gate: %v", err)
	}

	output := buf.String()
	for _, msg := range []string{"storage configured", "seal configured", "mlock unavailable"} {
		if !strings.Contains(output, msg) {
			t.Errorf("Expected %q in output, got: %s", msg, output)
		}
	}

	buf.Reset()
	logger.Info("core unsealed")

	if !strings.Contains(buf.String(), "core unsealed") {
		t.Error("Expected new entry to flow through open gate")
	}
}

func TestGatedLogger_CloseReopenGate(t *testing.T) {
	var buf bytes.Buffer

	config := DefaultConfig()
	config.Format = JSONFormat
	config.Environment = "production"

	logger, _ := NewGatedLogger(config, GatedWriterConfig{
		Underlying:   &buf,
		InitialState: GateOpen,
	})

	logger.Info("core unsealed")
	if !strings.Contains(buf.String(), "core unsealed") {
		t.Error("Expected entry to appear immediately")
	}

	buf.Reset()
	logger.CloseGate()
	logger.Info("core sealed")

	if buf.Len() != 0 {
		t.Error("Expected no output while gate is closed")
	}

	logger.OpenGate()
	if !strings.Contains(buf.String(), "core sealed") {
		t.Error("Expected buffered entry to be flushed")
	}
}
