package audit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// SocketSink streams audit entries to a TCP or unix socket, one JSON
// document per line. A broken connection is redialed once per write; the
// entry is lost only if the redial or the retried write fails too.
type SocketSink struct {
	mu           sync.Mutex
	network      string
	address      string
	conn         net.Conn
	writeTimeout time.Duration
}

type SocketSinkConfig struct {
	Network      string // "tcp", "tcp4", "tcp6", "unix" or "unixpacket"
	Address      string
	WriteTimeout time.Duration
}

func NewSocketSink(config SocketSinkConfig) (*SocketSink, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("socket sink address is required")
	}
	if config.Network == "" {
		config.Network = "tcp"
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	sink := &SocketSink{
		network:      config.Network,
		address:      config.Address,
		writeTimeout: config.WriteTimeout,
	}

	// Dial eagerly so a bad address fails the device test on enable
	// instead of the first audited request.
	if err := sink.dial(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s://%s: %w", config.Network, config.Address, err)
	}

	return sink, nil
}

func (s *SocketSink) dial() error {
	conn, err := net.DialTimeout(s.network, s.address, s.writeTimeout)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *SocketSink) redial() error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return s.dial()
}

func (s *SocketSink) writeOnce(entry []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(append(entry, '\n'))
	return err
}

func (s *SocketSink) Write(ctx context.Context, entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		if err := s.dial(); err != nil {
			return fmt.Errorf("audit socket connect failed: %w", err)
		}
	}

	err := s.writeOnce(entry)
	if err == nil {
		return nil
	}

	// The peer may have dropped an idle connection; redial and retry once.
	if redialErr := s.redial(); redialErr != nil {
		return fmt.Errorf("audit socket write failed: %w (redial: %v)", err, redialErr)
	}
	if err := s.writeOnce(entry); err != nil {
		return fmt.Errorf("audit socket write failed after redial: %w", err)
	}
	return nil
}

func (s *SocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *SocketSink) Name() string {
	return fmt.Sprintf("%s://%s", s.network, s.address)
}

func (s *SocketSink) Type() string {
	return "socket"
}
