package dlq

import (
	"compress/gzip"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RetentionPolicy controls cleanup of old daily DLQ files.
type RetentionPolicy struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxAgeDays      int           `mapstructure:"max_age_days"`      // delete files older than N days (0 = keep)
	CompressAgeDays int           `mapstructure:"compress_age_days"` // gzip files older than N days (0 = never)
	CheckInterval   time.Duration `mapstructure:"check_interval"`
}

// Validate checks the policy for nonsensical values.
func (p RetentionPolicy) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.MaxAgeDays < 0 {
		return errors.New("dlq retention max_age_days must not be negative")
	}
	if p.CompressAgeDays < 0 {
		return errors.New("dlq retention compress_age_days must not be negative")
	}
	if p.MaxAgeDays > 0 && p.CompressAgeDays >= p.MaxAgeDays {
		return errors.New("dlq retention compress_age_days must be less than max_age_days")
	}
	if p.CheckInterval <= 0 {
		return errors.New("dlq retention check_interval must be positive")
	}
	return nil
}

// CleanupResult summarizes one retention pass.
type CleanupResult struct {
	Deleted    int
	Compressed int
	BytesFreed int64
}

// RetentionWorker periodically deletes and compresses old DLQ files.
// Files dated today are never touched.
type RetentionWorker struct {
	policy RetentionPolicy
	dir    string
	now    func() time.Time

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRetentionWorker returns a worker for the DLQ files in dir.
func NewRetentionWorker(policy RetentionPolicy, dir string) *RetentionWorker {
	return &RetentionWorker{
		policy: policy,
		dir:    dir,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs one cleanup pass immediately, then one every CheckInterval
// until Stop. It is a no-op when the policy is disabled or the worker is
// already running.
func (w *RetentionWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.policy.Enabled || w.started {
		return
	}
	w.started = true

	slog.Info("starting dlq retention worker",
		"dir", w.dir,
		"max_age_days", w.policy.MaxAgeDays,
		"compress_age_days", w.policy.CompressAgeDays,
		"check_interval", w.policy.CheckInterval)

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.policy.CheckInterval)
		defer ticker.Stop()

		w.Cleanup()
		for {
			select {
			case <-ticker.C:
				w.Cleanup()
			case <-w.stop:
				slog.Info("dlq retention worker stopped")
				return
			}
		}
	}()
}

// Stop halts the worker and waits for any running pass to finish.
// Safe to call more than once, and before Start.
func (w *RetentionWorker) Stop() {
	w.mu.Lock()
	started := w.started
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.mu.Unlock()

	if started {
		<-w.done
	}
}

// Cleanup performs one retention pass over the directory.
func (w *RetentionWorker) Cleanup() CleanupResult {
	now := w.now().UTC()
	today := now.Truncate(24 * time.Hour)

	var deleteCutoff, compressCutoff time.Time
	if w.policy.MaxAgeDays > 0 {
		deleteCutoff = today.AddDate(0, 0, -w.policy.MaxAgeDays)
	}
	if w.policy.CompressAgeDays > 0 {
		compressCutoff = today.AddDate(0, 0, -w.policy.CompressAgeDays)
	}

	var res CleanupResult
	for _, pattern := range []string{filePrefix + "????-??-??.ndjson", filePrefix + "????-??-??.ndjson.gz"} {
		files, err := filepath.Glob(filepath.Join(w.dir, pattern))
		if err != nil {
			slog.Error("failed to list dlq files", "dir", w.dir, "pattern", pattern, "error", err)
			continue
		}

		for _, file := range files {
			day, ok := fileDate(file)
			if !ok {
				slog.Warn("failed to parse date from dlq filename", "file", file)
				continue
			}
			if !day.Before(today) {
				continue
			}

			if !deleteCutoff.IsZero() && day.Before(deleteCutoff) {
				size, err := removeFile(file)
				if err != nil {
					slog.Error("failed to delete old dlq file", "file", file, "error", err)
					continue
				}
				res.Deleted++
				res.BytesFreed += size
				slog.Info("deleted old dlq file", "file", filepath.Base(file), "size_bytes", size)
				continue
			}

			if !compressCutoff.IsZero() && day.Before(compressCutoff) && !strings.HasSuffix(file, ".gz") {
				orig, packed, err := compressFile(file)
				if err != nil {
					slog.Error("failed to compress dlq file", "file", file, "error", err)
					continue
				}
				res.Compressed++
				res.BytesFreed += orig - packed
				slog.Info("compressed old dlq file",
					"file", filepath.Base(file),
					"original_size", orig,
					"compressed_size", packed)
			}
		}
	}

	slog.Debug("dlq retention pass complete",
		"files_deleted", res.Deleted,
		"files_compressed", res.Compressed,
		"bytes_freed", res.BytesFreed)
	return res
}

// fileDate parses the day out of dlq-YYYY-MM-DD.ndjson[.gz].
func fileDate(path string) (time.Time, bool) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".ndjson")
	base = strings.TrimPrefix(base, filePrefix)

	day, err := time.Parse("2006-01-02", base)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func removeFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("failed to remove file: %w", err)
	}
	return info.Size(), nil
}

// compressFile writes path.gz, then removes path.
func compressFile(path string) (orig, packed int64, err error) {
	// #nosec G304 -- path comes from a glob over the configured DLQ directory
	input, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read file: %w", err)
	}

	out := path + ".gz"
	// #nosec G304 -- see above
	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create gzip file: %w", err)
	}

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(input); err != nil {
		_ = gz.Close()
		_ = f.Close()
		_ = os.Remove(out)
		return 0, 0, fmt.Errorf("failed to write compressed data: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(out)
		return 0, 0, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(out)
		return 0, 0, fmt.Errorf("failed to close gzip file: %w", err)
	}

	info, err := os.Stat(out)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat compressed file: %w", err)
	}

	if err := os.Remove(path); err != nil {
		slog.Warn("compressed dlq file but failed to delete original", "file", path, "error", err)
	}
	return int64(len(input)), info.Size(), nil
}
