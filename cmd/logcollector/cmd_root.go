package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/scottbrown/logcollector"
	"github.com/scottbrown/logcollector/internal/audit"
	"github.com/scottbrown/logcollector/internal/config"
	"github.com/scottbrown/logcollector/internal/healthcheck"
	"github.com/scottbrown/logcollector/internal/metrics"
	"github.com/scottbrown/logcollector/internal/pipeline"
	"github.com/scottbrown/logcollector/internal/source"
)

const (
	reloadDebounce  = 500 * time.Millisecond
	shutdownTimeout = 30 * time.Second
)

var rootCmd = &cobra.Command{
	Use:          logcollector.AppName,
	Short:        "UDP/TCP log collector that batches records to folders or an HTTP Event Collector",
	Long:         "Receives log records from configured UDP and TCP sources and delivers them in batches to local folders or to an HTTP Event Collector.",
	Version:      logcollector.Version(),
	RunE:         handleRunCmd,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the collector until interrupted",
	Long:  "Start every registered source and run until SIGINT or SIGTERM. SIGHUP or a change to the sources file reloads the pipeline.",
	RunE:  handleRunCmd,
}

// loadConfig loads the configuration file and applies the --log-level override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger returns a JSON logger writing to w with timestamps in UTC.
func newLogger(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.TimeValue(t.UTC())
				}
			}
			return a
		},
	})
	return slog.New(handler)
}

func handleRunCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(os.Stderr, cfg.LogLevel))
	metrics.Init(logcollector.Version())

	registry, err := source.OpenFile(cfg.SourcesFile)
	if err != nil {
		return fmt.Errorf("failed to open sources file: %w", err)
	}

	auditLog, err := audit.New(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	monitor := healthcheck.New()
	if cfg.HealthCheck.Configured() {
		if err := configureMonitor(monitor, cfg.HealthCheck, auditLog); err != nil {
			return err
		}
	}

	p, err := pipeline.New(cfg.Pipeline, registry, pipeline.WithAudit(auditLog))
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		return err
	}

	statusSrv := metrics.NewServer(cfg.StatusAddr, func() any {
		return statusReport{
			Version:     logcollector.Version(),
			Pipeline:    p.Status(),
			HealthCheck: monitor.Status(),
		}
	})
	if err := statusSrv.Start(); err != nil {
		_ = p.Close()
		return fmt.Errorf("failed to start status server: %w", err)
	}

	reloadCh := make(chan string, 1)
	requestReload := func(reason string) {
		select {
		case reloadCh <- reason:
		default:
		}
	}

	watcher, err := watchSources(registry.Path(), reloadDebounce, func() { requestReload("sources file changed") })
	if err != nil {
		slog.Warn("sources file watch disabled", "file", registry.Path(), "error", err)
	} else {
		defer watcher.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	slog.Info("logcollector running", "version", logcollector.Version(), "sources_file", registry.Path())

	for running := true; running; {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				requestReload("SIGHUP")
				continue
			}
			slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
			running = false
		case reason := <-reloadCh:
			slog.Info("reloading pipeline", "reason", reason)
			if err := p.Reload(ctx); err != nil {
				slog.Error("failed to reload pipeline", "error", err)
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if monitor.Running() {
		err := monitor.Stop()
		logAudit(auditLog, audit.EventHealthCheckStopped, "stop", err)
	}
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("status server shutdown error", "error", err)
	}
	if err := p.Close(); err != nil {
		slog.Warn("pipeline did not stop cleanly", "error", err)
	}
	slog.Info("logcollector stopped")
	return nil
}

// configureMonitor applies the health check settings and starts the loop
// when autostart is set.
func configureMonitor(m *healthcheck.Monitor, hc config.HealthCheckConfig, al *audit.Logger) error {
	err := m.Configure(hc.HECURL, hc.HECToken, hc.Interval)
	logAudit(al, audit.EventHealthCheckConfigured, "configure", err)
	if err != nil {
		return fmt.Errorf("failed to configure health check: %w", err)
	}
	if !hc.Autostart {
		return nil
	}
	err = m.Start()
	logAudit(al, audit.EventHealthCheckStarted, "start", err)
	return err
}

func logAudit(al *audit.Logger, t audit.EventType, action string, err error) {
	recordAudit(al, t, "healthcheck", action, err, nil)
}

// recordAudit writes one audit event; a failed write is logged, never fatal.
func recordAudit(al *audit.Logger, t audit.EventType, resource, action string, err error, details map[string]any) {
	if aerr := al.Record(t, resource, action, err, details); aerr != nil {
		slog.Warn("failed to write audit event", "event", t, "resource", resource, "error", aerr)
	}
}

// sourcesWatcher calls onChange, debounced, whenever the sources file is
// written, created or replaced.
type sourcesWatcher struct {
	w     *fsnotify.Watcher
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	timer *time.Timer
}

// watchSources watches the directory holding path, so that atomic
// replacements of the file are seen.
func watchSources(path string, debounce time.Duration, onChange func()) (*sourcesWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}

	sw := &sourcesWatcher{w: w, done: make(chan struct{})}
	go sw.run(abs, debounce, onChange)
	return sw, nil
}

func (sw *sourcesWatcher) run(path string, debounce time.Duration, onChange func()) {
	defer close(sw.done)
	for {
		select {
		case ev, ok := <-sw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			sw.mu.Lock()
			if sw.timer != nil {
				sw.timer.Stop()
			}
			sw.timer = time.AfterFunc(debounce, onChange)
			sw.mu.Unlock()
		case err, ok := <-sw.w.Errors:
			if !ok {
				return
			}
			slog.Warn("sources file watch error", "error", err)
		}
	}
}

// Close stops watching and cancels a pending change notification.
func (sw *sourcesWatcher) Close() error {
	var err error
	sw.once.Do(func() {
		err = sw.w.Close()
		<-sw.done
		sw.mu.Lock()
		if sw.timer != nil {
			sw.timer.Stop()
		}
		sw.mu.Unlock()
	})
	return err
}
