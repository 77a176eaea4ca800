// Package logsender is a UDP/TCP log client for tests.
package logsender

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Sender writes log lines to a listener over UDP or TCP.
type Sender struct {
	// Network is "udp" or "tcp".
	Network   string
	Address   string
	UseTLS    bool
	TLSConfig *tls.Config

	// LineDelay pauses before every line.
	LineDelay time.Duration

	conn      net.Conn
	LinesSent int
	Errors    []error
}

// Option is a functional option for configuring Sender.
type Option func(*Sender)

// WithTLS enables TLS for TCP senders.
func WithTLS(config *tls.Config) Option {
	return func(s *Sender) {
		s.UseTLS = true
		s.TLSConfig = config
	}
}

// WithLineDelay sets the delay between sending lines.
func WithLineDelay(delay time.Duration) Option {
	return func(s *Sender) {
		s.LineDelay = delay
	}
}

// New creates a sender for network ("udp" or "tcp") and address.
func New(network, address string, opts ...Option) *Sender {
	s := &Sender{Network: strings.ToLower(network), Address: address}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the listener. For UDP this only fixes the peer address.
func (s *Sender) Connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	var conn net.Conn
	var err error
	if s.UseTLS && s.Network == "tcp" {
		if s.TLSConfig == nil {
			// #nosec G402 -- test helper talking to listeners with self-signed certificates.
			s.TLSConfig = &tls.Config{InsecureSkipVerify: true}
		}
		td := &tls.Dialer{NetDialer: dialer, Config: s.TLSConfig}
		conn, err = td.DialContext(ctx, "tcp", s.Address)
	} else {
		conn, err = dialer.DialContext(ctx, s.Network, s.Address)
	}
	if err != nil {
		s.Errors = append(s.Errors, err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.conn = conn
	slog.Debug("logsender connected", "network", s.Network, "local_addr", conn.LocalAddr().String(), "remote_addr", conn.RemoteAddr().String())
	return nil
}

// SendLine sends one record terminated by a newline. Over UDP each line is
// its own datagram.
func (s *Sender) SendLine(line string) error {
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	if s.LineDelay > 0 {
		time.Sleep(s.LineDelay)
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := s.conn.Write([]byte(line)); err != nil {
		s.Errors = append(s.Errors, err)
		return fmt.Errorf("failed to send line: %w", err)
	}
	s.LinesSent++
	return nil
}

// SendLines sends each line in turn.
func (s *Sender) SendLines(lines []string) error {
	for i, line := range lines {
		if err := s.SendLine(line); err != nil {
			return fmt.Errorf("failed to send line %d: %w", i, err)
		}
	}
	return nil
}

// SendRaw writes payload as is. Over UDP it is a single datagram.
func (s *Sender) SendRaw(payload []byte) error {
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	_, err := s.conn.Write(payload)
	if err != nil {
		s.Errors = append(s.Errors, err)
	}
	return err
}

// LocalAddr returns the sender's local address, or nil before Connect.
func (s *Sender) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Close closes the connection.
func (s *Sender) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// OversizedLine generates a line of the given size in bytes.
func OversizedLine(size int) string {
	if size < 20 {
		size = 20
	}
	return fmt.Sprintf(`{"payload":"%s"}`, strings.Repeat("A", size-14))
}
