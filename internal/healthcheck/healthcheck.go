// Package healthcheck periodically posts a synthetic event to an HEC
// endpoint to confirm it is reachable.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scottbrown/logcollector/internal/event"
	"github.com/scottbrown/logcollector/internal/forwarder"
	"github.com/scottbrown/logcollector/internal/metrics"
	"github.com/scottbrown/logcollector/internal/source"
)

const (
	// ProbeSource is the source name carried by probe events.
	ProbeSource = "logcollector-health"
	// ProbeMessage is the message carried by probe events.
	ProbeMessage = "Health Check - OK"

	defaultStopTimeout  = 5 * time.Second
	defaultProbeTimeout = 10 * time.Second
)

var (
	// ErrNotConfigured is returned by Start before Configure succeeded.
	ErrNotConfigured = errors.New("health check not configured")
	// ErrStopTimeout is returned by Stop when the loop did not exit in time.
	ErrStopTimeout = errors.New("health check loop did not stop in time")
)

// Config is the monitor target and interval.
type Config struct {
	URL      string
	Token    string
	Interval time.Duration
}

// Status is a read-only view of the monitor for status output.
type Status struct {
	Configured  bool      `json:"configured"`
	Running     bool      `json:"running"`
	URL         string    `json:"hec_url,omitempty"`
	Token       string    `json:"hec_token,omitempty"`
	Interval    string    `json:"interval,omitempty"`
	Probes      uint64    `json:"probes"`
	Failures    uint64    `json:"failures"`
	LastProbe   time.Time `json:"last_probe,omitzero"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// RedactToken keeps the first four characters of a token.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithStopTimeout bounds how long Stop waits for the loop.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.stopTimeout = d }
}

// WithProbeTimeout bounds a single probe request.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.probeTimeout = d }
}

// Monitor sends a probe every interval while running.
type Monitor struct {
	stopTimeout  time.Duration
	probeTimeout time.Duration

	mu      sync.Mutex
	config  *Config
	sender  *forwarder.HEC
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statsMu     sync.Mutex
	probes      uint64
	failures    uint64
	lastProbe   time.Time
	lastSuccess time.Time
	lastError   string
}

// New creates an unconfigured monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		stopTimeout:  defaultStopTimeout,
		probeTimeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configure validates and stores the target. If the monitor is running it
// is stopped first and left stopped.
func (m *Monitor) Configure(url, token string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be greater than zero, got %s", interval)
	}
	if err := source.ValidateHECURL(url); err != nil {
		return err
	}

	sender, err := forwarder.New(forwarder.Config{
		URL:        url,
		Token:      token,
		SourceName: ProbeSource,
		Timeout:    m.probeTimeout,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stopErr := m.stopLocked()
	if m.sender != nil {
		_ = m.sender.Close()
	}
	m.config = &Config{URL: url, Token: token, Interval: interval}
	m.sender = sender

	slog.Info("health check configured", "hec_url", url, "interval", interval)
	return stopErr
}

// Start launches the probe loop. It is a no-op when already running.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config == nil {
		return ErrNotConfigured
	}
	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(ctx, *m.config, m.sender, m.done)

	slog.Info("health check started", "hec_url", m.config.URL, "interval", m.config.Interval)
	return nil
}

// Stop halts the loop, waiting up to the stop timeout. It is safe to call
// when not running.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *Monitor) stopLocked() error {
	if !m.running {
		return nil
	}
	m.running = false
	m.cancel()

	select {
	case <-m.done:
		slog.Info("health check stopped")
		return nil
	case <-time.After(m.stopTimeout):
		slog.Error("health check loop did not stop in time", "timeout", m.stopTimeout)
		return ErrStopTimeout
	}
}

// Running reports whether the probe loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Config returns the current configuration, if any.
func (m *Monitor) Config() (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		return Config{}, false
	}
	return *m.config, true
}

// Status returns the monitor state with the token redacted.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	st := Status{Running: m.running}
	if m.config != nil {
		st.Configured = true
		st.URL = m.config.URL
		st.Token = RedactToken(m.config.Token)
		st.Interval = m.config.Interval.String()
	}
	m.mu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	st.Probes = m.probes
	st.Failures = m.failures
	st.LastProbe = m.lastProbe
	st.LastSuccess = m.lastSuccess
	st.LastError = m.lastError
	return st
}

// Probe sends a single probe to the configured endpoint.
func (m *Monitor) Probe(ctx context.Context) error {
	m.mu.Lock()
	sender := m.sender
	m.mu.Unlock()

	if sender == nil {
		return ErrNotConfigured
	}
	return m.probe(ctx, sender)
}

func (m *Monitor) loop(ctx context.Context, cfg Config, sender *forwarder.HEC, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.probe(ctx, sender); err != nil && ctx.Err() == nil {
				slog.Warn("health check failed", "hec_url", cfg.URL, "error", err)
			}
		}
	}
}

func (m *Monitor) probe(ctx context.Context, sender *forwarder.HEC) error {
	body, err := json.Marshal(event.Probe(ProbeSource, ProbeMessage, time.Now()))
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err = sender.SendOnce(pctx, body)
	now := time.Now()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.probes++
	m.lastProbe = now
	if err != nil {
		m.failures++
		m.lastError = err.Error()
		metrics.HealthProbes.WithLabelValues("failure").Inc()
		return err
	}
	m.lastSuccess = now
	m.lastError = ""
	metrics.HealthProbes.WithLabelValues("success").Inc()
	slog.Debug("health check ok", "hec_url", sender.URL())
	return nil
}
