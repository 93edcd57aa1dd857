package logger

import (
	"bytes"
	"io"
	"sync"
)

// GateState is the state of the log gate.
type GateState int

const (
	// GateClosed buffers writes instead of passing them through.
	GateClosed GateState = iota
	// GateOpen passes writes straight to the underlying writer.
	GateOpen
)

// GatedWriter buffers log output while the gate is closed and replays
// it once the gate opens. The server keeps the gate closed during
// startup so early log lines only appear if startup actually succeeds.
type GatedWriter struct {
	mu         sync.RWMutex
	underlying io.Writer
	buffer     bytes.Buffer
	open       bool
	maxBuffer  int
}

type GatedWriterConfig struct {
	// Underlying writer to flush to when the gate opens.
	Underlying io.Writer

	InitialState GateState

	// MaxBufferSize caps buffered bytes (0 = unlimited). When the cap
	// is hit the oldest bytes are dropped first.
	MaxBufferSize int
}

func NewGatedWriter(config GatedWriterConfig) *GatedWriter {
	underlying := config.Underlying
	if underlying == nil {
		underlying = io.Discard
	}
	return &GatedWriter{
		underlying: underlying,
		open:       config.InitialState == GateOpen,
		maxBuffer:  config.MaxBufferSize,
	}
}

func (w *GatedWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.open {
		return w.underlying.Write(p)
	}

	if excess := w.buffer.Len() + len(p) - w.maxBuffer; w.maxBuffer > 0 && excess > 0 {
		w.buffer.Next(excess)
	}
	return w.buffer.Write(p)
}

// OpenGate flushes everything buffered and lets subsequent writes pass
// through.
func (w *GatedWriter) OpenGate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.open {
		return nil
	}
	w.open = true
	return w.flushLocked()
}

// CloseGate makes subsequent writes buffer again.
func (w *GatedWriter) CloseGate() {
	w.mu.Lock()
	w.open = false
	w.mu.Unlock()
}

// Flush writes buffered logs without opening the gate.
func (w *GatedWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *GatedWriter) flushLocked() error {
	if w.buffer.Len() == 0 {
		return nil
	}
	if _, err := w.underlying.Write(w.buffer.Bytes()); err != nil {
		return err
	}
	w.buffer.Reset()
	return nil
}

func (w *GatedWriter) IsOpen() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.open
}

// BufferedSize returns the number of buffered bytes.
func (w *GatedWriter) BufferedSize() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.buffer.Len()
}

// Clear discards all buffered logs without flushing.
func (w *GatedWriter) Clear() {
	w.mu.Lock()
	w.buffer.Reset()
	w.mu.Unlock()
}

// GatedLogger is a Logger whose output runs through a shared
// GatedWriter. Derived loggers (WithSystem, WithSubsystem, WithFields)
// keep pointing at the same gate, so opening it anywhere opens it for
// the whole tree.
type GatedLogger struct {
	Logger
	gate *GatedWriter
}

var _ Logger = (*GatedLogger)(nil)

// NewGatedLogger builds a logger whose outputs are replaced by a single
// gated writer. It also returns the writer for callers that manage the
// gate directly.
func NewGatedLogger(config *Config, gateConfig GatedWriterConfig) (*GatedLogger, *GatedWriter) {
	if config == nil {
		config = DefaultConfig()
	}
	if gateConfig.Underlying == nil && len(config.Outputs) > 0 {
		gateConfig.Underlying = config.Outputs[0]
	}

	gate := NewGatedWriter(gateConfig)
	config.Outputs = []io.Writer{gate}

	return &GatedLogger{
		Logger: NewZerologLogger(config),
		gate:   gate,
	}, gate
}

// derive rewraps a derived Logger around the shared gate.
func (gl *GatedLogger) derive(inner Logger) Logger {
	return &GatedLogger{Logger: inner, gate: gl.gate}
}

func (gl *GatedLogger) WithSystem(name string) Logger {
	return gl.derive(gl.Logger.WithSystem(name))
}

func (gl *GatedLogger) WithSubsystem(name string) Logger {
	return gl.derive(gl.Logger.WithSubsystem(name))
}

func (gl *GatedLogger) WithFields(fields ...TypedField) Logger {
	return gl.derive(gl.Logger.WithFields(fields...))
}

func (gl *GatedLogger) OpenGate() error { return gl.gate.OpenGate() }

func (gl *GatedLogger) CloseGate() { gl.gate.CloseGate() }

func (gl *GatedLogger) IsGateOpen() bool { return gl.gate.IsOpen() }

// FlushGate flushes buffered logs without opening the gate.
func (gl *GatedLogger) FlushGate() error { return gl.gate.Flush() }

// ClearGate discards buffered logs.
func (gl *GatedLogger) ClearGate() { gl.gate.Clear() }

func (gl *GatedLogger) BufferedSize() int { return gl.gate.BufferedSize() }
