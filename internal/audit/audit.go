// Package audit records registry edits and lifecycle changes to an
// append-only log.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

// Audit event types for source and lifecycle tracking.
const (
	EventSourceAdded           EventType = "source.added"
	EventSourceUpdated         EventType = "source.updated"
	EventSourceDeleted         EventType = "source.deleted"
	EventPipelineStarted       EventType = "pipeline.started"
	EventPipelineStopped       EventType = "pipeline.stopped"
	EventPipelineReloaded      EventType = "pipeline.reloaded"
	EventHealthCheckConfigured EventType = "healthcheck.configured"
	EventHealthCheckStarted    EventType = "healthcheck.started"
	EventHealthCheckStopped    EventType = "healthcheck.stopped"
)

// Event represents a single audit log entry.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`          // Event timestamp in UTC
	EventType EventType      `json:"event_type"`         // Type of event
	Success   bool           `json:"success"`            // Whether the action succeeded
	Actor     string         `json:"actor"`              // OS user or subsystem that acted
	Resource  string         `json:"resource,omitempty"` // Source id or component name
	Action    string         `json:"action"`             // Action being performed
	Result    string         `json:"result"`             // Result of the action
	Details   map[string]any `json:"details,omitempty"`  // Additional event details
}

// Config holds audit logging configuration.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	LogFile string `mapstructure:"file"`
	// Format is "json" (default) or "cef".
	Format string `mapstructure:"format"`
}

// Logger writes audit events to a dedicated audit log file.
// Every event is synced to disk before Log returns.
type Logger struct {
	file   *os.File
	mu     sync.Mutex
	cfg    Config
	closed bool
	now    func() time.Time
}

// New creates an audit logger. It returns a no-op logger when disabled.
// The audit log file is created with 0600 permissions.
func New(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{cfg: cfg, now: time.Now}, nil
	}
	if cfg.LogFile == "" {
		return nil, fmt.Errorf("audit log file is required when audit is enabled")
	}
	if cfg.Format != "" && cfg.Format != "json" && cfg.Format != "cef" {
		return nil, fmt.Errorf("audit format must be json or cef, got %q", cfg.Format)
	}

	// #nosec G304 -- path comes from operator configuration.
	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &Logger{file: f, cfg: cfg, now: time.Now}, nil
}

// Log writes an audit event. It is a no-op when disabled or closed.
func (al *Logger) Log(event Event) error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.file == nil || al.closed {
		return nil
	}

	event.Timestamp = al.now().UTC()
	if event.Actor == "" {
		event.Actor = DefaultActor()
	}

	var line []byte
	if al.cfg.Format == "cef" {
		line = formatCEF(event)
	} else {
		var err error
		line, err = json.Marshal(event)
		if err != nil {
			return err
		}
	}

	if _, err := al.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return al.file.Sync()
}

// Record logs an event built from its parts, reporting err as the result.
func (al *Logger) Record(t EventType, resource, action string, err error, details map[string]any) error {
	ev := Event{
		EventType: t,
		Resource:  resource,
		Action:    action,
		Success:   err == nil,
		Result:    "success",
		Details:   details,
	}
	if err != nil {
		ev.Result = err.Error()
	}
	return al.Log(ev)
}

// Close closes the audit log file.
func (al *Logger) Close() error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.file == nil || al.closed {
		return nil
	}
	al.closed = true
	return al.file.Close()
}

// Enabled returns whether audit logging is enabled.
func (al *Logger) Enabled() bool {
	return al != nil && al.cfg.Enabled && al.file != nil
}

// DefaultActor names the OS user running the process.
func DefaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
