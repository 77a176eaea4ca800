// Package listener binds one UDP or TCP socket per source and feeds every
// received record into that source's queue.
package listener

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/scottbrown/logcollector/internal/acl"
	"github.com/scottbrown/logcollector/internal/metrics"
	"github.com/scottbrown/logcollector/internal/queue"
	"github.com/scottbrown/logcollector/internal/source"
)

const (
	// DefaultMaxLineBytes caps a single TCP record.
	DefaultMaxLineBytes = 1 << 20
	// maxDatagram is the largest UDP payload.
	maxDatagram = 65535
)

var (
	// ErrDuplicateBinding is reported for a source whose protocol and port are
	// already bound by another source.
	ErrDuplicateBinding = errors.New("listener key already bound")
	// ErrRunning is returned by Start when the manager is already started.
	ErrRunning = errors.New("listener manager already running")
)

// Config holds listener settings shared by every source.
type Config struct {
	MaxLineBytes int `mapstructure:"max_line_bytes"`
	// IdleTimeout closes TCP connections that send nothing for this long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// UDPReadBuffer sets SO_RCVBUF on UDP sockets when positive.
	UDPReadBuffer int `mapstructure:"udp_read_buffer"`
	// TLSCertFile and TLSKeyFile enable TLS on TCP listeners when both are set.
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

// StartResult lists the sources that are listening and those that failed to bind.
type StartResult struct {
	Started []string
	Failed  map[string]error
}

// StuckError names listener tasks that did not exit within the stop timeout.
type StuckError struct {
	Tasks []string
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("%d listener(s) did not stop in time: %s", len(e.Tasks), strings.Join(e.Tasks, ", "))
}

// Manager owns every listener binding, keyed "PROTOCOL:port".
type Manager struct {
	config    Config
	queues    *queue.Set
	tlsConfig *tls.Config

	mu       sync.Mutex
	bindings map[string]*binding
	failed   map[string]bool
	running  bool
}

// New creates a listener manager that enqueues into queues. It loads the
// TLS key pair when configured.
func New(queues *queue.Set, config Config) (*Manager, error) {
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = DefaultMaxLineBytes
	}

	m := &Manager{
		config:   config,
		queues:   queues,
		bindings: map[string]*binding{},
		failed:   map[string]bool{},
	}

	if config.TLSCertFile != "" && config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLSCertFile, config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		m.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return m, nil
}

// binding is one bound socket and the tasks serving it.
type binding struct {
	key   string
	src   source.Source
	acl   *acl.List
	q     *queue.Queue
	alive atomic.Bool

	packet net.PacketConn
	stream net.Listener

	connMu  sync.Mutex
	conns   map[string]net.Conn
	closing bool
	tasks   sync.WaitGroup
	done    chan struct{}

	received prometheus.Counter
	depth    prometheus.Gauge
	fullDrop prometheus.Counter
	longDrop prometheus.Counter
	rejected prometheus.Counter
	dropLog  rate.Sometimes
	aclLog   rate.Sometimes
}

// Start binds a listener for each source. A source that fails to bind is
// reported in Failed and does not stop the others.
func (m *Manager) Start(ctx context.Context, sources map[string]source.Source) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := StartResult{Failed: map[string]error{}}
	if m.running {
		return res, ErrRunning
	}
	m.bindings = map[string]*binding{}
	m.failed = map[string]bool{}

	for _, src := range source.Sorted(sources) {
		key := src.ListenerKey()
		if other, ok := m.bindings[key]; ok {
			err := fmt.Errorf("%s used by source %q: %w", key, other.src.Name, ErrDuplicateBinding)
			slog.Error("failed to start listener", "source_id", src.ID, "listener", key, "error", err)
			res.Failed[src.ID] = err
			continue
		}

		b, err := m.bind(ctx, src)
		if err != nil {
			slog.Error("failed to start listener", "source_id", src.ID, "listener", key, "error", err)
			res.Failed[src.ID] = err
			m.failed[key] = true
			metrics.ListenerUp.WithLabelValues(key).Set(0)
			continue
		}

		m.bindings[key] = b
		delete(m.failed, key)
		res.Started = append(res.Started, src.ID)
	}

	m.running = true
	return res, nil
}

func (m *Manager) bind(ctx context.Context, src source.Source) (*binding, error) {
	list, err := acl.New(src.AllowedCIDRs)
	if err != nil {
		return nil, err
	}

	key := src.ListenerKey()
	b := &binding{
		key:      key,
		src:      src,
		acl:      list,
		q:        m.queues.Ensure(src.ID),
		conns:    map[string]net.Conn{},
		done:     make(chan struct{}),
		received: metrics.RecordsReceived.WithLabelValues(src.ID),
		depth:    metrics.QueueDepth.WithLabelValues(src.ID),
		fullDrop: metrics.RecordsDropped.WithLabelValues(src.ID, "queue_full"),
		longDrop: metrics.RecordsDropped.WithLabelValues(src.ID, "oversized"),
		rejected: metrics.ConnectionsRejected.WithLabelValues(src.ID),
		dropLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
		aclLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}

	var lc net.ListenConfig
	switch src.Protocol {
	case source.UDP:
		pc, err := lc.ListenPacket(ctx, src.Protocol.Network(), src.Address())
		if err != nil {
			return nil, err
		}
		if m.config.UDPReadBuffer > 0 {
			if uc, ok := pc.(*net.UDPConn); ok {
				if err := uc.SetReadBuffer(m.config.UDPReadBuffer); err != nil {
					slog.Warn("failed to set UDP read buffer", "listener", key, "error", err)
				}
			}
		}
		b.packet = pc
		b.alive.Store(true)
		go m.serveUDP(b)

	case source.TCP:
		ln, err := lc.Listen(ctx, src.Protocol.Network(), src.Address())
		if err != nil {
			return nil, err
		}
		if m.tlsConfig != nil {
			ln = tls.NewListener(ln, m.tlsConfig)
		}
		b.stream = ln
		b.alive.Store(true)
		go m.serveTCP(b)

	default:
		return nil, fmt.Errorf("unsupported protocol %q", src.Protocol)
	}

	metrics.ListenerUp.WithLabelValues(key).Set(1)
	slog.Info("listener started", "listener", key, "addr", src.Address(),
		"source_id", src.ID, "source_name", src.Name, "tls_enabled", src.Protocol == source.TCP && m.tlsConfig != nil)
	return b, nil
}

// Stop closes every socket and open connection, then waits up to timeout
// for the tasks serving them. The sockets are released on return even when
// a *StuckError is reported.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	keys := make([]string, 0, len(m.bindings))
	for key, b := range m.bindings {
		keys = append(keys, key)
		b.close()
	}
	sort.Strings(keys)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var stuck []string
	expired := false
	for _, key := range keys {
		b := m.bindings[key]
		if !expired {
			select {
			case <-b.done:
			case <-deadline.C:
				expired = true
			}
		}
		if expired {
			select {
			case <-b.done:
			default:
				stuck = append(stuck, key)
			}
		}
		metrics.ListenerUp.WithLabelValues(key).Set(0)
	}

	m.bindings = map[string]*binding{}
	m.failed = map[string]bool{}

	if len(stuck) > 0 {
		slog.Error("listeners did not stop in time", "listeners", stuck)
		return &StuckError{Tasks: stuck}
	}
	slog.Info("stopped listeners", "count", len(keys))
	return nil
}

// Liveness reports, per listener key, whether its socket is serving.
// Keys that failed to bind in the last Start are reported as false.
func (m *Manager) Liveness() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]bool, len(m.bindings)+len(m.failed))
	for key := range m.failed {
		out[key] = false
	}
	for key, b := range m.bindings {
		out[key] = b.alive.Load()
	}
	return out
}

// Addr returns the bound address for a listener key.
func (m *Manager) Addr(key string) (net.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[key]
	if !ok {
		return nil, false
	}
	if b.packet != nil {
		return b.packet.LocalAddr(), true
	}
	return b.stream.Addr(), true
}

// close shuts the socket and every tracked connection.
func (b *binding) close() {
	b.connMu.Lock()
	b.closing = true
	conns := make([]net.Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.connMu.Unlock()

	if b.packet != nil {
		_ = b.packet.Close()
	}
	if b.stream != nil {
		_ = b.stream.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

// track registers conn so close can reach it. It reports false when the
// binding is already closing, in which case conn has been closed.
func (b *binding) track(id string, conn net.Conn) bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.closing {
		_ = conn.Close()
		return false
	}
	b.conns[id] = conn
	b.tasks.Add(1)
	return true
}

func (b *binding) untrack(id string) {
	b.connMu.Lock()
	delete(b.conns, id)
	b.connMu.Unlock()
	b.tasks.Done()
}

func (b *binding) enqueue(line []byte, now time.Time) {
	ok := b.q.Offer(queue.Entry{Data: line, Received: now})
	b.depth.Set(float64(b.q.Len()))
	if ok {
		b.received.Inc()
		return
	}
	b.fullDrop.Inc()
	b.dropLog.Do(func() {
		slog.Warn("queue full, dropping records", "source_id", b.src.ID, "listener", b.key,
			"capacity", b.q.Cap(), "dropped_total", b.q.Dropped())
	})
}

func (b *binding) reject(addr net.Addr) {
	b.rejected.Inc()
	b.aclLog.Do(func() {
		slog.Warn("traffic denied by ACL", "source_id", b.src.ID, "listener", b.key, "client_addr", addr.String())
	})
}

func (m *Manager) serveUDP(b *binding) {
	defer close(b.done)
	defer b.alive.Store(false)

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := b.packet.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("UDP read error", "listener", b.key, "error", err)
			continue
		}
		if !b.acl.AllowsAddr(addr) {
			b.reject(addr)
			continue
		}

		now := time.Now()
		for _, line := range SplitDatagram(buf[:n]) {
			b.enqueue(line, now)
		}
	}
}

func (m *Manager) serveTCP(b *binding) {
	defer close(b.done)
	defer b.tasks.Wait()
	defer b.alive.Store(false)

	var backoff time.Duration
	for {
		conn, err := b.stream.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept failures (e.g. EMFILE) back off like net/http.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			slog.Warn("accept error", "listener", b.key, "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !b.acl.AllowsAddr(conn.RemoteAddr()) {
			b.reject(conn.RemoteAddr())
			if err := conn.Close(); err != nil {
				slog.Warn("failed to close denied connection", "error", err)
			}
			continue
		}

		connID := uuid.NewString()
		if !b.track(connID, conn) {
			return
		}
		go m.handleConnection(b, connID, conn)
	}
}

func (m *Manager) handleConnection(b *binding, connID string, conn net.Conn) {
	defer b.untrack(connID)
	defer conn.Close()

	clientAddr := conn.RemoteAddr().String()
	slog.Info("connection accepted", "conn_id", connID, "listener", b.key, "client_addr", clientAddr)

	br := bufio.NewReader(conn)
	for {
		if m.config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.config.IdleTimeout))
		}

		line, err := ReadLineLimited(br, m.config.MaxLineBytes)
		switch {
		case err == nil:
		case errors.Is(err, ErrLineTooLong):
			b.longDrop.Inc()
			slog.Warn("dropped oversized line", "conn_id", connID, "listener", b.key, "limit", m.config.MaxLineBytes)
			continue
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			slog.Debug("connection closed", "conn_id", connID, "client_addr", clientAddr)
			return
		case errors.Is(err, os.ErrDeadlineExceeded):
			slog.Info("closing idle connection", "conn_id", connID, "client_addr", clientAddr)
			return
		default:
			slog.Warn("read error", "conn_id", connID, "client_addr", clientAddr, "error", err)
			return
		}

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		b.enqueue(line, time.Now())
	}
}
