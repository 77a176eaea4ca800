// Package hecmock provides a mock HTTP Event Collector for tests.
package hecmock

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// EventPath is the collector endpoint the mock accepts events on.
const EventPath = "/services/collector/event"

// ResponseMode defines the type of response the mock server should return.
type ResponseMode int

const (
	// ResponseOK returns 200 OK
	ResponseOK ResponseMode = iota
	// ResponseBadRequest returns 400 Bad Request
	ResponseBadRequest
	// ResponseForbidden returns 403 Forbidden
	ResponseForbidden
	// ResponseServerError returns 500 Internal Server Error
	ResponseServerError
	// ResponseServiceUnavailable returns 503 Service Unavailable
	ResponseServiceUnavailable
	// ResponseDrop drops the connection without responding
	ResponseDrop
)

func (m ResponseMode) status() int {
	switch m {
	case ResponseOK:
		return http.StatusOK
	case ResponseBadRequest:
		return http.StatusBadRequest
	case ResponseForbidden:
		return http.StatusForbidden
	case ResponseServerError:
		return http.StatusInternalServerError
	case ResponseServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	return 0
}

// Event is one decoded line of a request body.
type Event struct {
	Time   int64           `json:"time"`
	Event  json.RawMessage `json:"event"`
	Source string          `json:"source"`
}

// RecordedRequest is a single authorised POST received by the mock.
type RecordedRequest struct {
	Timestamp  time.Time
	Headers    http.Header
	Body       []byte
	Events     []Event
	Compressed bool
	// Status is the HTTP status the mock answered with, 0 for dropped connections.
	Status int
	// Malformed counts body lines that were not valid event JSON.
	Malformed int
}

// Server simulates an HEC endpoint.
type Server struct {
	// Server is the underlying HTTP test server
	Server *httptest.Server
	// URL is the full event endpoint URL
	URL string
	// Token is the expected bearer token
	Token string

	mu           sync.Mutex
	responseMode ResponseMode
	failFirst    int
	delay        time.Duration
	requests     []RecordedRequest
	notify       chan struct{}
}

// New starts a mock HEC server that expects the given bearer token.
func New(token string) *Server {
	m := &Server{
		Token:  token,
		notify: make(chan struct{}, 1),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handler))
	m.URL = m.Server.URL + EventPath
	return m
}

func (m *Server) handler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("hecmock request", "method", r.Method, "path", r.URL.Path)

	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != EventPath {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+m.Token {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"text":"Invalid authorization","code":3}`)
		return
	}

	var bodyReader io.Reader = r.Body
	compressed := r.Header.Get("Content-Encoding") == "gzip"
	if compressed {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "Invalid gzip content", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		bodyReader = gz
	}

	body, err := io.ReadAll(bodyReader)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	rec := RecordedRequest{
		Timestamp:  time.Now(),
		Headers:    r.Header.Clone(),
		Body:       body,
		Compressed: compressed,
	}
	for _, line := range bytes.Split(body, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			rec.Malformed++
			continue
		}
		rec.Events = append(rec.Events, ev)
	}

	m.mu.Lock()
	mode := m.responseMode
	if m.failFirst > 0 {
		m.failFirst--
		mode = ResponseServerError
	}
	rec.Status = mode.status()
	m.requests = append(m.requests, rec)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}

	switch mode {
	case ResponseOK:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"text":"Success","code":0}`)
	case ResponseBadRequest:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"text":"Invalid data format","code":6}`)
	case ResponseForbidden:
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"text":"Token disabled","code":1}`)
	case ResponseServerError:
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"text":"Internal server error","code":8}`)
	case ResponseServiceUnavailable:
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"text":"Server is busy","code":9}`)
	case ResponseDrop:
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// SetResponse sets the response mode for subsequent requests.
func (m *Server) SetResponse(mode ResponseMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseMode = mode
}

// FailFirst makes the next n authorised requests return 500.
func (m *Server) FailFirst(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst = n
}

// SetDelay sets a delay before responding to requests.
func (m *Server) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Requests returns a copy of all recorded requests.
func (m *Server) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of authorised requests received.
func (m *Server) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Events returns every decoded event across all requests, in arrival order.
func (m *Server) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, r := range m.requests {
		out = append(out, r.Events...)
	}
	return out
}

// Delivered returns the events of requests answered with 200, in arrival order.
func (m *Server) Delivered() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, r := range m.requests {
		if r.Status == http.StatusOK {
			out = append(out, r.Events...)
		}
	}
	return out
}

// WaitForRequests blocks until at least n requests were recorded or the
// timeout passes. It reports whether n was reached.
func (m *Server) WaitForRequests(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if m.RequestCount() >= n {
			return true
		}
		select {
		case <-m.notify:
		case <-deadline.C:
			return m.RequestCount() >= n
		}
	}
}

// Reset clears recorded requests and restores the default behaviour.
func (m *Server) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.responseMode = ResponseOK
	m.failFirst = 0
	m.delay = 0
}

// Close shuts down the mock server.
func (m *Server) Close() {
	m.Server.Close()
}
