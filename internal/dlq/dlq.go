// Package dlq implements a dead letter queue for batches that could not be
// delivered. Each dropped record is written to an NDJSON file with metadata
// for later analysis or replay.
package dlq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/scottbrown/logcollector/internal/metrics"
	"github.com/scottbrown/logcollector/internal/queue"
)

const filePrefix = "dlq-"

// Entry is one record in the dead letter queue.
type Entry struct {
	Timestamp  string `json:"timestamp"`   // ISO 8601 time of the failure
	Received   string `json:"received"`    // ISO 8601 arrival time of the record
	SourceID   string `json:"source_id"`   // Source the record arrived on
	SourceName string `json:"source_name"` // Human-readable source name
	Target     string `json:"target"`      // FOLDER or HEC
	Error      string `json:"error"`       // Delivery error that caused the drop
	Data       string `json:"data"`        // Original record
}

// Batch identifies a dropped batch and its origin.
type Batch struct {
	SourceID   string
	SourceName string
	Target     string
	Entries    []queue.Entry
	Err        error
}

// Writer handles writing dropped batches to the dead letter queue.
// Files are rotated daily and named: dlq-YYYY-MM-DD.ndjson.
//
// Writer is safe for concurrent use by multiple goroutines.
type Writer struct {
	baseDir string
	file    *os.File
	curDay  string
	mu      sync.Mutex
	now     func() time.Time
}

// New creates a DLQ Writer for the given directory.
// The directory is created if it does not exist.
func New(baseDir string) (*Writer, error) {
	if err := ensureDir(baseDir); err != nil {
		return nil, err
	}
	return &Writer{baseDir: baseDir, now: time.Now}, nil
}

// Write appends every record of b with its failure metadata.
func (w *Writer) Write(b Batch) error {
	if len(b.Entries) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UTC()
	if err := w.rotate(now.Format("2006-01-02")); err != nil {
		return err
	}

	errMsg := ""
	if b.Err != nil {
		errMsg = b.Err.Error()
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, e := range b.Entries {
		entry := Entry{
			Timestamp:  now.Format(time.RFC3339),
			SourceID:   b.SourceID,
			SourceName: b.SourceName,
			Target:     b.Target,
			Error:      errMsg,
			Data:       string(e.Data),
		}
		if !e.Received.IsZero() {
			entry.Received = e.Received.UTC().Format(time.RFC3339Nano)
		}
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("failed to marshal DLQ entry: %w", err)
		}
	}

	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return err
	}

	metrics.DLQRecords.WithLabelValues(b.SourceID).Add(float64(len(b.Entries)))
	slog.Debug("wrote to DLQ", "source_id", b.SourceID, "records", len(b.Entries), "error", errMsg)
	return nil
}

// rotate opens the file for day if it is not already current. Caller holds mu.
func (w *Writer) rotate(day string) error {
	if day == w.curDay && w.file != nil {
		return nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}
	f, err := w.openDayFile(day)
	if err != nil {
		return err
	}
	w.file = f
	w.curDay = day
	return nil
}

// Close closes the current day's file if open.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// openDayFile opens or creates the DLQ file for the given day.
func (w *Writer) openDayFile(day string) (*os.File, error) {
	filename := filepath.Join(w.baseDir, filePrefix+day+".ndjson")
	// #nosec G304 -- baseDir is set during Writer construction from config.
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	slog.Info("opened DLQ file", "path", filename)
	return file, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// CurrentFile returns the path to the current day's DLQ file.
// Returns empty string if no file is currently open.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}
	return w.file.Name()
}
