package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stephnangue/walletd/logger"
)

// DefaultCloseTimeout bounds how long Close waits for the flush
// goroutine and the final drain.
const DefaultCloseTimeout = 10 * time.Second

// BufferedSink batches entries in memory and writes them to the wrapped
// sink when the batch fills or the flush period elapses. Entries that
// fail to write stay buffered for the next attempt.
type BufferedSink struct {
	mu           sync.Mutex
	sink         Sink
	buffer       [][]byte
	bufferSize   int
	flushPeriod  time.Duration
	closeTimeout time.Duration
	done         chan struct{}
	closed       bool
	wg           sync.WaitGroup
	logger       logger.Logger
}

// BufferedSinkConfig configures NewBufferedSink. Zero values fall back
// to 100 entries, a 5s flush period and DefaultCloseTimeout.
type BufferedSinkConfig struct {
	Sink         Sink
	BufferSize   int
	FlushPeriod  time.Duration
	CloseTimeout time.Duration
	Logger       logger.Logger
}

func NewBufferedSink(config BufferedSinkConfig) (*BufferedSink, error) {
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushPeriod <= 0 {
		config.FlushPeriod = 5 * time.Second
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = DefaultCloseTimeout
	}

	bs := &BufferedSink{
		sink:         config.Sink,
		buffer:       make([][]byte, 0, config.BufferSize),
		bufferSize:   config.BufferSize,
		flushPeriod:  config.FlushPeriod,
		closeTimeout: config.CloseTimeout,
		done:         make(chan struct{}),
		logger:       config.Logger,
	}

	bs.wg.Add(1)
	go bs.flushLoop()

	return bs, nil
}

// Write buffers the entry, flushing when the buffer reaches capacity.
// The entry is copied so the caller may reuse its slice.
func (bs *BufferedSink) Write(ctx context.Context, entry []byte) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.closed {
		return fmt.Errorf("sink is closed")
	}

	entryCopy := make([]byte, len(entry))
	copy(entryCopy, entry)
	bs.buffer = append(bs.buffer, entryCopy)

	if len(bs.buffer) >= bs.bufferSize {
		return bs.flushLocked(ctx)
	}

	return nil
}

// Flush drains the buffer into the wrapped sink. It works on a closed
// sink too, since Close relies on it for the final drain.
func (bs *BufferedSink) Flush(ctx context.Context) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.flushLocked(ctx)
}

// flushLocked writes buffered entries in order, stopping at the first
// failure. Entries already written are dropped from the buffer; the
// failed one and everything after it wait for the next flush. Callers
// must hold bs.mu.
func (bs *BufferedSink) flushLocked(ctx context.Context) error {
	written := 0
	for _, entry := range bs.buffer {
		if err := bs.sink.Write(ctx, entry); err != nil {
			bs.buffer = bs.buffer[written:]
			return fmt.Errorf("failed to write buffered entry: %w", err)
		}
		written++
	}

	bs.buffer = bs.buffer[:0]
	return nil
}

func (bs *BufferedSink) flushLoop() {
	defer bs.wg.Done()

	ticker := time.NewTicker(bs.flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bs.Flush(context.Background()); err != nil && bs.logger != nil {
				bs.logger.Warn("periodic flush error",
					logger.String("sink", bs.sink.Name()),
					logger.Err(err),
				)
			}
		case <-bs.done:
			return
		}
	}
}

// Close stops the flush goroutine, drains what is left in the buffer and
// closes the wrapped sink. Both waits are bounded by the close timeout
// so shutdown cannot hang on a stuck sink.
func (bs *BufferedSink) Close() error {
	bs.mu.Lock()
	if bs.closed {
		bs.mu.Unlock()
		return nil
	}
	bs.closed = true
	bs.mu.Unlock()

	close(bs.done)

	waitDone := make(chan struct{})
	go func() {
		bs.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(bs.closeTimeout):
		if bs.logger != nil {
			bs.logger.Warn("timeout waiting for periodic flush goroutine to stop",
				logger.String("sink", bs.sink.Name()),
				logger.Duration("timeout", bs.closeTimeout),
			)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), bs.closeTimeout)
	defer cancel()

	if err := bs.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush on close: %w", err)
	}

	return bs.sink.Close()
}

func (bs *BufferedSink) Name() string {
	return bs.sink.Name()
}

func (bs *BufferedSink) Type() string {
	return "buffered-" + bs.sink.Type()
}
