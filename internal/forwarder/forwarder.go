// Package forwarder delivers batches to an HTTP Event Collector.
package forwarder

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/scottbrown/logcollector/internal/circuitbreaker"
	"github.com/scottbrown/logcollector/internal/event"
	"github.com/scottbrown/logcollector/internal/metrics"
	"github.com/scottbrown/logcollector/internal/queue"
	"github.com/scottbrown/logcollector/internal/retry"
	"github.com/scottbrown/logcollector/internal/source"
)

// DefaultRetry is the HEC retry policy: 5 attempts, 250ms doubling up to 30s.
var DefaultRetry = retry.Config{
	MaxAttempts:    5,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
	Multiplier:     2,
}

// DefaultTimeout bounds a single HTTP attempt.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps the response text kept in a StatusError.
const maxErrorBody = 256

// Config contains configuration for the HEC forwarder
type Config struct {
	URL        string
	Token      string
	SourceName string
	UseGzip    bool
	Timeout    time.Duration
	Retry      retry.Config
	// CircuitBreaker fails batches fast while the endpoint keeps failing.
	// A zero FailureThreshold disables it.
	CircuitBreaker circuitbreaker.Config
	// SourceID labels breaker metrics.
	SourceID string
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// StatusError is returned when HEC answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HEC returned status %d: %s", e.Code, e.Body)
}

// HEC posts batches of events to one collector endpoint.
type HEC struct {
	config  Config
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// New creates a forwarder for the given HEC target.
func New(config Config) (*HEC, error) {
	if err := source.ValidateHECURL(config.URL); err != nil {
		return nil, err
	}
	if config.Token == "" {
		return nil, errors.New("HEC token is required")
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultRetry
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	h := &HEC{config: config, client: client}
	if config.CircuitBreaker.Enabled() {
		gauge := metrics.CircuitState.WithLabelValues(config.SourceID)
		gauge.Set(float64(circuitbreaker.Closed))
		h.breaker = circuitbreaker.New(config.SourceName, config.CircuitBreaker, func(_ string, s circuitbreaker.State) {
			gauge.Set(float64(s))
		})
	}
	return h, nil
}

// ForTarget builds a forwarder for a source's HEC target.
func ForTarget(t source.HECTarget, src source.Source, base Config) (*HEC, error) {
	base.URL = t.URL
	base.Token = t.Token
	base.SourceName = src.Name
	base.SourceID = src.ID
	return New(base)
}

// URL returns the collector endpoint.
func (h *HEC) URL() string {
	return h.config.URL
}

// Deliver encodes batch as newline-delimited envelopes and posts it,
// retrying with backoff until the attempt budget or ctx runs out.
func (h *HEC) Deliver(ctx context.Context, batch []queue.Entry) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := event.EncodeBatch(h.config.SourceName, batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	return h.breaker.Call(func() error { return h.Send(ctx, body) })
}

// BreakerState reports the circuit breaker position and whether a
// breaker is configured at all.
func (h *HEC) BreakerState() (circuitbreaker.State, bool) {
	return h.breaker.State(), h.breaker != nil
}

// Send posts a pre-encoded body with retries.
func (h *HEC) Send(ctx context.Context, body []byte) error {
	payload, encoding, err := h.encodeBody(body)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		metrics.DeliveryDuration.WithLabelValues(string(source.KindHEC)).Observe(time.Since(start).Seconds())
	}()

	return retry.Do(ctx, h.config.Retry, func(ctx context.Context) error {
		return h.post(ctx, payload, encoding)
	}, func(attempt int, err error, wait time.Duration) {
		metrics.DeliveryRetries.WithLabelValues(string(source.KindHEC)).Inc()
		slog.Debug("retrying HEC post", "source_name", h.config.SourceName, "attempt", attempt, "wait", wait, "error", err)
	})
}

// SendOnce posts body a single time without retrying.
func (h *HEC) SendOnce(ctx context.Context, body []byte) error {
	payload, encoding, err := h.encodeBody(body)
	if err != nil {
		return err
	}
	return h.post(ctx, payload, encoding)
}

// Close releases idle connections.
func (h *HEC) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *HEC) encodeBody(body []byte) ([]byte, string, error) {
	if !h.config.UseGzip {
		return body, "", nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, "", err
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "gzip", nil
}

func (h *HEC) post(ctx context.Context, payload []byte, encoding string) error {
	// A fresh reader per attempt avoids body reuse issues.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+h.config.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain to enable connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	serr := &StatusError{Code: resp.StatusCode, Body: event.Truncate(bytes.TrimSpace(msg), maxErrorBody)}
	if !retryable(resp.StatusCode) {
		return retry.Permanent(serr)
	}
	return serr
}

// retryable reports whether a status may succeed on a later attempt.
// Auth and payload rejections will not.
func retryable(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusRequestEntityTooLarge:
		return false
	}
	return true
}
