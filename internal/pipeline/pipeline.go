// Package pipeline composes the listener and processor managers and
// rebuilds both from the source registry on every reload.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/scottbrown/logcollector/internal/audit"
	"github.com/scottbrown/logcollector/internal/circuitbreaker"
	"github.com/scottbrown/logcollector/internal/dlq"
	"github.com/scottbrown/logcollector/internal/forwarder"
	"github.com/scottbrown/logcollector/internal/listener"
	"github.com/scottbrown/logcollector/internal/metrics"
	"github.com/scottbrown/logcollector/internal/processor"
	"github.com/scottbrown/logcollector/internal/queue"
	"github.com/scottbrown/logcollector/internal/retry"
	"github.com/scottbrown/logcollector/internal/source"
	"github.com/scottbrown/logcollector/internal/storage"
)

const maxRecentFailures = 20

// HECConfig holds the settings shared by every HEC target.
type HECConfig struct {
	Timeout        time.Duration         `mapstructure:"timeout"`
	Gzip           bool                  `mapstructure:"gzip"`
	Retry          retry.Config          `mapstructure:"retry"`
	CircuitBreaker circuitbreaker.Config `mapstructure:"circuit_breaker"`
}

// DLQConfig enables dead-letter files for batches dropped after retries.
type DLQConfig struct {
	Enabled   bool                `mapstructure:"enabled"`
	Dir       string              `mapstructure:"dir"`
	Retention dlq.RetentionPolicy `mapstructure:"retention"`
}

// Config holds the pipeline settings.
type Config struct {
	QueueCapacity       int              `mapstructure:"queue_capacity"`
	ListenerStopTimeout time.Duration    `mapstructure:"listener_stop_timeout"`
	Listener            listener.Config  `mapstructure:"listener"`
	Processor           processor.Config `mapstructure:"processor"`
	HEC                 HECConfig        `mapstructure:"hec"`
	Folder              storage.Config   `mapstructure:"folder"`
	DLQ                 DLQConfig        `mapstructure:"dlq"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:       queue.DefaultCapacity,
		ListenerStopTimeout: 5 * time.Second,
		Listener:            listener.Config{MaxLineBytes: listener.DefaultMaxLineBytes},
		Processor:           processor.DefaultConfig,
		HEC: HECConfig{
			Timeout:        forwarder.DefaultTimeout,
			Retry:          forwarder.DefaultRetry,
			CircuitBreaker: circuitbreaker.Config{SuccessThreshold: 1, OpenTimeout: 30 * time.Second},
		},
		Folder: storage.DefaultConfig,
		DLQ: DLQConfig{
			Retention: dlq.RetentionPolicy{
				Enabled:         true,
				MaxAgeDays:      30,
				CompressAgeDays: 7,
				CheckInterval:   time.Hour,
			},
		},
	}
}

// Validate rejects settings the managers cannot run with.
func (c Config) Validate() error {
	if c.QueueCapacity < 1 {
		return errors.New("pipeline.queue_capacity must be at least 1")
	}
	if c.Processor.FlushInterval < 0 || c.Processor.StopTimeout < 0 || c.Processor.FinalFlushTimeout < 0 {
		return errors.New("pipeline.processor durations must not be negative")
	}
	if c.Listener.MaxLineBytes < 0 {
		return errors.New("pipeline.listener.max_line_bytes must not be negative")
	}
	if (c.Listener.TLSCertFile == "") != (c.Listener.TLSKeyFile == "") {
		return errors.New("pipeline.listener.tls_cert_file and tls_key_file must be set together")
	}
	if err := c.HEC.Retry.Validate(); err != nil {
		return fmt.Errorf("pipeline.hec.retry: %w", err)
	}
	if c.HEC.CircuitBreaker.FailureThreshold < 0 {
		return errors.New("pipeline.hec.circuit_breaker.failure_threshold must not be negative")
	}
	if err := c.Folder.Retry.Validate(); err != nil {
		return fmt.Errorf("pipeline.folder.retry: %w", err)
	}
	if c.DLQ.Enabled && c.DLQ.Dir == "" {
		return errors.New("pipeline.dlq.dir is required when the DLQ is enabled")
	}
	if c.DLQ.Enabled {
		if err := c.DLQ.Retention.Validate(); err != nil {
			return fmt.Errorf("pipeline.dlq.retention: %w", err)
		}
	}
	return nil
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAudit records lifecycle events to l.
func WithAudit(l *audit.Logger) Option {
	return func(p *Pipeline) { p.audit = l }
}

// WithFactory replaces the deliverer factory built from Config.
func WithFactory(f processor.Factory) Option {
	return func(p *Pipeline) { p.factory = f }
}

// Pipeline owns one listener manager, one processor manager and the
// queues between them. Start, Stop and Reload are serialized.
type Pipeline struct {
	config   Config
	registry source.Registry
	factory  processor.Factory
	dlq      *dlq.Writer
	cleaner  *dlq.RetentionWorker
	audit    *audit.Logger

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	sources    map[string]source.Source
	queues     *queue.Set
	listeners  *listener.Manager
	processors *processor.Manager
	active     map[string]bool
	startErrs  map[string]string

	statusMu   sync.Mutex
	reloads    int
	lastReload time.Time
	stuck      []string
	failures   []Failure
}

// Failure is a dropped batch as shown in status output.
type Failure struct {
	SourceID   string    `json:"source_id"`
	SourceName string    `json:"source_name"`
	Target     string    `json:"target"`
	Records    int       `json:"records"`
	Error      string    `json:"error"`
	Time       time.Time `json:"time"`
}

// New creates a stopped pipeline reading sources from registry.
func New(config Config, registry source.Registry, opts ...Option) (*Pipeline, error) {
	if registry == nil {
		return nil, errors.New("source registry is required")
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = queue.DefaultCapacity
	}
	if config.ListenerStopTimeout <= 0 {
		config.ListenerStopTimeout = DefaultConfig().ListenerStopTimeout
	}

	p := &Pipeline{
		config:   config,
		registry: registry,
		sources:  map[string]source.Source{},
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.factory == nil {
		p.factory = processor.NewFactory(forwarder.Config{
			UseGzip:        config.HEC.Gzip,
			Timeout:        config.HEC.Timeout,
			Retry:          config.HEC.Retry,
			CircuitBreaker: config.HEC.CircuitBreaker,
		}, config.Folder)
	}

	if config.DLQ.Enabled {
		dir := filepath.Clean(config.DLQ.Dir)
		w, err := dlq.New(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize DLQ: %w", err)
		}
		p.dlq = w
		p.cleaner = dlq.NewRetentionWorker(config.DLQ.Retention, dir)
		p.cleaner.Start()
		slog.Info("initialized DLQ", "dir", config.DLQ.Dir)
	}
	return p, nil
}

// Start builds the managers from the current registry and starts them.
// Processors start first so no record is queued without a consumer.
// Calling Start on a running pipeline does nothing.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	err := p.startLocked(ctx, p.registry.Sources())
	p.record(audit.EventPipelineStarted, "start", err, p.countDetails())
	return err
}

// Stop stops listeners, then processors. Stuck tasks are logged, kept
// for status and returned; the pipeline is considered stopped regardless.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	err := p.stopLocked()
	p.record(audit.EventPipelineStopped, "stop", err, nil)
	return err
}

// Reload re-reads the registry, stops everything and starts again from
// the registry's current contents. Stuck tasks from the old set do not
// prevent the new set from starting. Reload on a stopped pipeline starts it.
func (p *Pipeline) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.registry.(interface{ Reload() error }); ok {
		if err := r.Reload(); err != nil {
			p.record(audit.EventPipelineReloaded, "reload", err, nil)
			return fmt.Errorf("failed to reload sources: %w", err)
		}
	}

	next := p.registry.Sources()

	var stopErr error
	if p.running {
		stopErr = p.stopLocked()
		if stopErr != nil {
			slog.Warn("rebuilding pipeline with stuck tasks", "error", stopErr)
		}
	}

	for id := range p.sources {
		if _, ok := next[id]; !ok {
			metrics.ForgetSource(id)
		}
	}

	startErr := p.startLocked(ctx, next)

	p.statusMu.Lock()
	p.reloads++
	p.lastReload = time.Now()
	p.statusMu.Unlock()

	err := errors.Join(stopErr, startErr)
	p.record(audit.EventPipelineReloaded, "reload", err, p.countDetails())
	if startErr != nil {
		return startErr
	}
	slog.Info("pipeline reloaded", "sources", len(next), "active", len(p.active))
	return nil
}

// Running reports whether the managers are started.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Close stops the pipeline, the DLQ retention worker and closes the DLQ.
func (p *Pipeline) Close() error {
	err := p.Stop()
	if p.cleaner != nil {
		p.cleaner.Stop()
	}
	if p.dlq != nil {
		err = errors.Join(err, p.dlq.Close())
	}
	return err
}

// ListenerAddr returns the bound address for a listener key such as "UDP:5141".
func (p *Pipeline) ListenerAddr(key string) (string, bool) {
	p.mu.Lock()
	lm := p.listeners
	p.mu.Unlock()
	if lm == nil {
		return "", false
	}
	addr, ok := lm.Addr(key)
	if !ok {
		return "", false
	}
	return addr.String(), true
}

func (p *Pipeline) startLocked(ctx context.Context, sources map[string]source.Source) error {
	p.queues = queue.NewSet(p.config.QueueCapacity)
	p.sources = sources
	p.active = map[string]bool{}
	p.startErrs = map[string]string{}

	opts := []processor.Option{processor.WithFailureHook(p.onFailure)}
	if p.dlq != nil {
		opts = append(opts, processor.WithDLQ(p.dlq))
	}
	procs := processor.New(p.queues, p.factory, p.config.Processor, opts...)

	pres, err := procs.Start(ctx, sources)
	if err != nil {
		return fmt.Errorf("failed to start processors: %w", err)
	}
	for id, ferr := range pres.Failed {
		p.startErrs[id] = ferr.Error()
	}

	consumed := make(map[string]source.Source, len(pres.Started))
	for _, id := range pres.Started {
		consumed[id] = sources[id]
	}

	lm, err := listener.New(p.queues, p.config.Listener)
	if err != nil {
		_ = procs.Stop()
		return fmt.Errorf("failed to create listeners: %w", err)
	}
	lres, err := lm.Start(ctx, consumed)
	if err != nil {
		_ = procs.Stop()
		return fmt.Errorf("failed to start listeners: %w", err)
	}
	for id, lerr := range lres.Failed {
		p.startErrs[id] = lerr.Error()
	}
	for _, id := range lres.Started {
		p.active[id] = true
	}

	p.processors = procs
	p.listeners = lm
	p.running = true
	p.startedAt = time.Now()

	p.statusMu.Lock()
	p.stuck = nil
	p.statusMu.Unlock()

	slog.Info("pipeline started", "sources", len(sources), "active", len(p.active), "failed", len(p.startErrs))
	return nil
}

func (p *Pipeline) stopLocked() error {
	p.running = false

	var stuck []string
	var errs []error

	if err := p.listeners.Stop(p.config.ListenerStopTimeout); err != nil {
		var se *listener.StuckError
		if errors.As(err, &se) {
			stuck = append(stuck, se.Tasks...)
		}
		slog.Error("listeners did not stop cleanly", "error", err)
		errs = append(errs, err)
	}
	if err := p.processors.Stop(); err != nil {
		var se *processor.StuckError
		if errors.As(err, &se) {
			stuck = append(stuck, se.Tasks...)
		}
		slog.Error("processors did not stop cleanly", "error", err)
		errs = append(errs, err)
	}

	p.statusMu.Lock()
	p.stuck = stuck
	p.statusMu.Unlock()

	slog.Info("pipeline stopped", "stuck_tasks", len(stuck))
	return errors.Join(errs...)
}

func (p *Pipeline) onFailure(f processor.Failure) {
	entry := Failure{
		SourceID:   f.SourceID,
		SourceName: f.SourceName,
		Target:     string(f.Target),
		Records:    f.Records,
		Time:       f.Time,
	}
	if f.Err != nil {
		entry.Error = f.Err.Error()
	}

	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.failures = append(p.failures, entry)
	if len(p.failures) > maxRecentFailures {
		p.failures = p.failures[len(p.failures)-maxRecentFailures:]
	}
}

func (p *Pipeline) countDetails() map[string]any {
	return map[string]any{"sources": len(p.sources), "active": len(p.active)}
}

func (p *Pipeline) record(t audit.EventType, action string, err error, details map[string]any) {
	if aerr := p.audit.Record(t, "pipeline", action, err, details); aerr != nil {
		slog.Warn("failed to write audit event", "event", t, "error", aerr)
	}
}
