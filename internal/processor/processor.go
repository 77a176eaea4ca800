// Package processor drains per-source queues into batches and delivers them
// to each source's target.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scottbrown/logcollector/internal/dlq"
	"github.com/scottbrown/logcollector/internal/metrics"
	"github.com/scottbrown/logcollector/internal/queue"
	"github.com/scottbrown/logcollector/internal/source"
)

// ErrRunning is returned by Start when the manager is already started.
var ErrRunning = errors.New("processor manager already running")

// Config tunes batching and shutdown.
type Config struct {
	// FlushInterval seals a non-empty batch this long after its first entry.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// StopTimeout bounds how long Stop waits for workers to exit.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	// FinalFlushTimeout bounds delivery of the batches sealed by Stop.
	FinalFlushTimeout time.Duration `mapstructure:"final_flush_timeout"`
	// RestartDelay is the pause before a panicked worker loop restarts.
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

// DefaultConfig flushes every 5s and waits up to 10s on stop.
var DefaultConfig = Config{
	FlushInterval:     5 * time.Second,
	StopTimeout:       10 * time.Second,
	FinalFlushTimeout: 5 * time.Second,
	RestartDelay:      time.Second,
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultConfig.FlushInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultConfig.StopTimeout
	}
	if c.FinalFlushTimeout <= 0 {
		c.FinalFlushTimeout = DefaultConfig.FinalFlushTimeout
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultConfig.RestartDelay
	}
	return c
}

// Failure describes a batch dropped after delivery gave up.
type Failure struct {
	SourceID   string
	SourceName string
	Target     source.TargetKind
	Records    int
	Err        error
	Time       time.Time
}

// StartResult lists the sources whose workers started and those that failed.
type StartResult struct {
	Started []string
	Failed  map[string]error
}

// StuckError names workers that did not exit within the stop timeout.
type StuckError struct {
	Tasks []string
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("%d worker(s) did not stop in time: %s", len(e.Tasks), strings.Join(e.Tasks, ", "))
}

// Option configures a Manager.
type Option func(*Manager)

// WithDLQ writes dropped batches to w.
func WithDLQ(w *dlq.Writer) Option {
	return func(m *Manager) { m.dlq = w }
}

// WithFailureHook calls fn for every dropped batch.
func WithFailureHook(fn func(Failure)) Option {
	return func(m *Manager) { m.onFailure = fn }
}

// Manager owns one worker per source.
type Manager struct {
	config    Config
	queues    *queue.Set
	factory   Factory
	dlq       *dlq.Writer
	onFailure func(Failure)

	mu      sync.Mutex
	workers map[string]*worker
	cancel  context.CancelFunc
	running bool

	statsMu sync.RWMutex
	stats   Metrics
}

// New creates a manager that reads from queues and delivers with factory.
func New(queues *queue.Set, factory Factory, config Config, opts ...Option) *Manager {
	m := &Manager{
		config:  config.withDefaults(),
		queues:  queues,
		factory: factory,
		workers: map[string]*worker{},
		stats:   newMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WorkerKey names the worker at index for a source.
func WorkerKey(sourceID string, index int) string {
	return fmt.Sprintf("%s:%d", sourceID, index)
}

// Start creates a queue, a deliverer and a worker for every source.
// A source whose deliverer cannot be built is reported in Failed and
// the rest still start.
func (m *Manager) Start(ctx context.Context, sources map[string]source.Source) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := StartResult{Failed: map[string]error{}}
	if m.running {
		return res, ErrRunning
	}

	m.statsMu.Lock()
	m.stats = newMetrics()
	m.statsMu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.workers = map[string]*worker{}

	for _, src := range source.Sorted(sources) {
		d, err := m.factory(src)
		if err != nil {
			slog.Error("failed to create deliverer", "source_id", src.ID, "source_name", src.Name, "error", err)
			res.Failed[src.ID] = err
			continue
		}

		w := &worker{
			key:    WorkerKey(src.ID, 0),
			src:    src,
			q:      m.queues.Ensure(src.ID),
			d:      d,
			sealed: make(chan []queue.Entry, 1),
			stop:   make(chan struct{}),
			done:   make(chan struct{}),
			depth:  metrics.QueueDepth.WithLabelValues(src.ID),
		}
		m.workers[w.key] = w
		m.run(runCtx, w)
		res.Started = append(res.Started, src.ID)

		slog.Info("started processor worker", "worker", w.key, "source_name", src.Name,
			"target", kindOf(src), "batch_size", src.EffectiveBatchSize())
	}

	m.running = true
	return res, nil
}

// Stop signals every worker to seal what it holds and exit. Final batches
// get FinalFlushTimeout to deliver; Stop returns a *StuckError for workers
// still running after StopTimeout.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	for _, w := range m.workers {
		close(w.stop)
	}

	cancel := m.cancel
	flushDeadline := time.AfterFunc(m.config.FinalFlushTimeout, cancel)
	defer flushDeadline.Stop()
	defer cancel()

	deadline := time.NewTimer(m.config.StopTimeout)
	defer deadline.Stop()

	var stuck []string
	expired := false
	for _, key := range m.workerKeys() {
		w := m.workers[key]
		if !expired {
			select {
			case <-w.done:
			case <-deadline.C:
				expired = true
			}
		}
		if expired {
			select {
			case <-w.done:
			default:
				stuck = append(stuck, key)
			}
		}
		metrics.ForgetSource(w.src.ID)
	}

	if len(stuck) > 0 {
		slog.Error("processor workers did not stop in time", "workers", stuck)
		return &StuckError{Tasks: stuck}
	}
	slog.Info("stopped processor workers", "count", len(m.workers))
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Workers returns the keys of the current workers.
func (m *Manager) Workers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workerKeys()
}

// Queues exposes the live queues by source id.
func (m *Manager) Queues() map[string]*queue.Queue {
	return m.queues.Snapshot()
}

// Destinations describes where each worker delivers, keyed by source id.
func (m *Manager) Destinations() map[string]Destination {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Destination, len(m.workers))
	for _, w := range m.workers {
		out[w.src.ID] = describe(w.d)
	}
	return out
}

func (m *Manager) workerKeys() []string {
	keys := make([]string, 0, len(m.workers))
	for k := range m.workers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type worker struct {
	key    string
	src    source.Source
	q      *queue.Queue
	d      Deliverer
	open   []queue.Entry
	sealed chan []queue.Entry
	stop   chan struct{}
	done   chan struct{}
	depth  prometheus.Gauge
}

// run starts the accumulator and delivery goroutines of w.
func (m *Manager) run(ctx context.Context, w *worker) {
	go func() {
		m.supervise(w, "accumulate", func() { m.accumulate(w) })
		close(w.sealed)
	}()

	go func() {
		defer close(w.done)
		for batch := range w.sealed {
			m.deliver(ctx, w, batch)
		}
		if err := w.d.Close(); err != nil {
			slog.Warn("failed to close deliverer", "worker", w.key, "error", err)
		}
	}()
}

// supervise runs fn until it returns normally, restarting it after a
// pause whenever it panics.
func (m *Manager) supervise(w *worker, loop string, fn func()) {
	for {
		if !m.runRecovered(w, loop, fn) {
			return
		}
		select {
		case <-time.After(m.config.RestartDelay):
		case <-w.stop:
		}
		slog.Info("restarting worker loop", "worker", w.key, "loop", loop)
	}
}

// runRecovered reports whether fn panicked.
func (m *Manager) runRecovered(w *worker, loop string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			metrics.WorkerPanics.WithLabelValues(w.src.ID).Inc()
			m.setLastError(w.src.ID, fmt.Sprintf("panic in %s loop: %v", loop, r))
			slog.Error("worker loop panicked", "worker", w.key, "loop", loop, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
	return false
}

// accumulate moves entries from the queue into batches and hands each
// sealed batch to the delivery goroutine. It returns once stop is closed
// and everything queued at that moment has been sealed. The open batch
// lives on the worker so a loop restarted after a panic picks it up.
func (m *Manager) accumulate(w *worker) {
	size := w.src.EffectiveBatchSize()

	timer := time.NewTimer(m.config.FlushInterval)
	var flush <-chan time.Time
	if len(w.open) > 0 {
		flush = timer.C
	} else if !timer.Stop() {
		<-timer.C
	}

	seal := func() {
		if len(w.open) == 0 {
			return
		}
		if flush != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		flush = nil
		w.depth.Set(float64(w.q.Len()))
		w.sealed <- w.open
		w.open = nil
	}

	for {
		select {
		case <-w.stop:
			for {
				e, ok := w.q.TryPoll()
				if !ok {
					break
				}
				w.open = append(w.open, e)
				if len(w.open) >= size {
					seal()
				}
			}
			seal()
			w.depth.Set(0)
			return

		case e := <-w.q.C():
			w.depth.Set(float64(w.q.Len()))
			if len(w.open) == 0 {
				timer.Reset(m.config.FlushInterval)
				flush = timer.C
			}
			w.open = append(w.open, e)
			if len(w.open) >= size {
				seal()
			}

		case <-flush:
			flush = nil
			seal()
		}
	}
}

// deliver sends one batch and records the outcome. A panicking deliverer
// counts as a failed delivery.
func (m *Manager) deliver(ctx context.Context, w *worker, batch []queue.Entry) {
	target := string(kindOf(w.src))
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanics.WithLabelValues(w.src.ID).Inc()
			slog.Error("deliverer panicked", "worker", w.key, "panic", r, "stack", string(debug.Stack()))
			m.fail(w, batch, fmt.Errorf("panic during delivery: %v", r))
		}
	}()

	if err := w.d.Deliver(ctx, batch); err != nil {
		m.fail(w, batch, err)
		return
	}

	m.recordSuccess(w.src.ID, len(batch))
	metrics.RecordsDelivered.WithLabelValues(w.src.ID, target).Add(float64(len(batch)))
	metrics.BatchesDelivered.WithLabelValues(w.src.ID, target).Inc()
	slog.Debug("delivered batch", "worker", w.key, "target", target, "records", len(batch))
}

func (m *Manager) fail(w *worker, batch []queue.Entry, err error) {
	target := kindOf(w.src)
	m.recordFailure(w.src.ID, len(batch), err)
	metrics.DeliveryFailures.WithLabelValues(w.src.ID, string(target)).Inc()
	metrics.RecordsDropped.WithLabelValues(w.src.ID, "delivery").Add(float64(len(batch)))

	slog.Warn("dropped batch after delivery failed", "worker", w.key, "source_name", w.src.Name,
		"target", target, "records", len(batch), "error", err)

	if m.dlq != nil {
		if dErr := m.dlq.Write(dlq.Batch{
			SourceID:   w.src.ID,
			SourceName: w.src.Name,
			Target:     string(target),
			Entries:    batch,
			Err:        err,
		}); dErr != nil {
			slog.Error("failed to write DLQ", "source_id", w.src.ID, "error", dErr)
		}
	}

	if m.onFailure != nil {
		m.onFailure(Failure{
			SourceID:   w.src.ID,
			SourceName: w.src.Name,
			Target:     target,
			Records:    len(batch),
			Err:        err,
			Time:       time.Now(),
		})
	}
}

func kindOf(s source.Source) source.TargetKind {
	if s.Target == nil {
		return ""
	}
	return s.Target.Kind()
}
