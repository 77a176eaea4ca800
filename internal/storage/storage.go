// Package storage delivers batches to a folder as newline-delimited JSON,
// rotating files by size.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/scottbrown/logcollector/internal/event"
	"github.com/scottbrown/logcollector/internal/metrics"
	"github.com/scottbrown/logcollector/internal/queue"
	"github.com/scottbrown/logcollector/internal/retry"
	"github.com/scottbrown/logcollector/internal/source"
)

// chunkSize caps a single write so one batch never trips the rotation
// size check as a whole.
const chunkSize = 1 << 20

// Config controls rotation and write retries.
type Config struct {
	MaxSizeMB  int          `mapstructure:"max_size_mb"`
	MaxBackups int          `mapstructure:"max_backups"`
	MaxAgeDays int          `mapstructure:"max_age_days"`
	Compress   bool         `mapstructure:"compress"`
	Retry      retry.Config `mapstructure:"retry"`
}

// DefaultConfig keeps ten 100 MB files and retries writes three times.
var DefaultConfig = Config{
	MaxSizeMB:  100,
	MaxBackups: 10,
	Retry: retry.Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
	},
}

// Manager appends a source's records to <baseDir>/<name>.ndjson.
type Manager struct {
	sourceName string
	config     Config
	out        *lumberjack.Logger
	mu         sync.Mutex
}

// New creates a storage manager for the named source under baseDir.
// The directory is created if missing.
func New(baseDir, sourceName string, config Config) (*Manager, error) {
	if err := ensureDir(baseDir); err != nil {
		return nil, err
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = DefaultConfig.MaxSizeMB
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultConfig.Retry
	}

	return &Manager{
		sourceName: sourceName,
		config:     config,
		out: &lumberjack.Logger{
			Filename:   source.FolderTarget{Path: baseDir}.File(sourceName),
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		},
	}, nil
}

// ForTarget builds a manager for a source's folder target.
func ForTarget(t source.FolderTarget, sourceName string, config Config) (*Manager, error) {
	return New(t.Path, sourceName, config)
}

// Deliver writes batch as one JSON envelope per line. A failed write is
// retried from where it stopped, so lines already on disk are not repeated.
func (m *Manager) Deliver(ctx context.Context, batch []queue.Entry) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := event.EncodeBatch(m.sourceName, batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	start := time.Now()
	defer func() {
		metrics.DeliveryDuration.WithLabelValues(string(source.KindFolder)).Observe(time.Since(start).Seconds())
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	pending := body
	return retry.Do(ctx, m.config.Retry, func(context.Context) error {
		for len(pending) > 0 {
			n, err := m.out.Write(nextChunk(pending))
			pending = pending[n:]
			if err != nil {
				return err
			}
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		metrics.DeliveryRetries.WithLabelValues(string(source.KindFolder)).Inc()
		slog.Warn("retrying folder write", "path", m.out.Filename, "attempt", attempt, "wait", wait, "error", err)
	})
}

// Close closes the current file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.Close()
}

// CurrentFile returns the path that records are appended to.
func (m *Manager) CurrentFile() string {
	return m.out.Filename
}

// nextChunk returns the leading whole lines of p up to chunkSize bytes,
// or a single line when that line alone is larger.
func nextChunk(p []byte) []byte {
	if len(p) <= chunkSize {
		return p
	}
	if i := bytes.LastIndexByte(p[:chunkSize], '\n'); i >= 0 {
		return p[:i+1]
	}
	if i := bytes.IndexByte(p, '\n'); i >= 0 {
		return p[:i+1]
	}
	return p
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
