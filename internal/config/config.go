// Package config loads application configuration from a YAML file,
// environment variables and defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scottbrown/logcollector/internal/audit"
	"github.com/scottbrown/logcollector/internal/pipeline"
	"github.com/scottbrown/logcollector/internal/source"
)

const (
	// EnvPrefix prefixes every environment override, e.g. LOGCOLLECTOR_LOG_LEVEL.
	EnvPrefix = "LOGCOLLECTOR"
	// DefaultSourcesFile is where the source registry lives when not configured.
	DefaultSourcesFile = "sources.yml"
	// DefaultHealthCheckInterval is used when health_check.interval is unset.
	DefaultHealthCheckInterval = 60 * time.Second
)

//go:embed config.template.yml
var configTemplate string

// HealthCheckConfig configures the health check monitor.
type HealthCheckConfig struct {
	HECURL    string        `mapstructure:"hec_url"`
	HECToken  string        `mapstructure:"hec_token"`
	Interval  time.Duration `mapstructure:"interval"`
	Autostart bool          `mapstructure:"autostart"`
}

// Configured reports whether a health check target is set.
func (h HealthCheckConfig) Configured() bool {
	return h.HECURL != "" && h.HECToken != ""
}

// Config is the application configuration.
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	SourcesFile string            `mapstructure:"sources_file"`
	StatusAddr  string            `mapstructure:"status_addr"`
	Pipeline    pipeline.Config   `mapstructure:"pipeline"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Audit       audit.Config      `mapstructure:"audit"`
}

func setDefaults(v *viper.Viper) {
	d := pipeline.DefaultConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("sources_file", DefaultSourcesFile)
	v.SetDefault("status_addr", "127.0.0.1:9100")

	v.SetDefault("pipeline.queue_capacity", d.QueueCapacity)
	v.SetDefault("pipeline.listener_stop_timeout", d.ListenerStopTimeout)

	v.SetDefault("pipeline.listener.max_line_bytes", d.Listener.MaxLineBytes)
	v.SetDefault("pipeline.listener.idle_timeout", d.Listener.IdleTimeout)
	v.SetDefault("pipeline.listener.udp_read_buffer", d.Listener.UDPReadBuffer)
	v.SetDefault("pipeline.listener.tls_cert_file", "")
	v.SetDefault("pipeline.listener.tls_key_file", "")

	v.SetDefault("pipeline.processor.flush_interval", d.Processor.FlushInterval)
	v.SetDefault("pipeline.processor.stop_timeout", d.Processor.StopTimeout)
	v.SetDefault("pipeline.processor.final_flush_timeout", d.Processor.FinalFlushTimeout)
	v.SetDefault("pipeline.processor.restart_delay", d.Processor.RestartDelay)

	v.SetDefault("pipeline.hec.timeout", d.HEC.Timeout)
	v.SetDefault("pipeline.hec.gzip", d.HEC.Gzip)
	v.SetDefault("pipeline.hec.retry.max_attempts", d.HEC.Retry.MaxAttempts)
	v.SetDefault("pipeline.hec.retry.initial_backoff", d.HEC.Retry.InitialBackoff)
	v.SetDefault("pipeline.hec.retry.max_backoff", d.HEC.Retry.MaxBackoff)
	v.SetDefault("pipeline.hec.retry.multiplier", d.HEC.Retry.Multiplier)
	v.SetDefault("pipeline.hec.circuit_breaker.failure_threshold", d.HEC.CircuitBreaker.FailureThreshold)
	v.SetDefault("pipeline.hec.circuit_breaker.success_threshold", d.HEC.CircuitBreaker.SuccessThreshold)
	v.SetDefault("pipeline.hec.circuit_breaker.open_timeout", d.HEC.CircuitBreaker.OpenTimeout)

	v.SetDefault("pipeline.folder.max_size_mb", d.Folder.MaxSizeMB)
	v.SetDefault("pipeline.folder.max_backups", d.Folder.MaxBackups)
	v.SetDefault("pipeline.folder.max_age_days", d.Folder.MaxAgeDays)
	v.SetDefault("pipeline.folder.compress", d.Folder.Compress)
	v.SetDefault("pipeline.folder.retry.max_attempts", d.Folder.Retry.MaxAttempts)
	v.SetDefault("pipeline.folder.retry.initial_backoff", d.Folder.Retry.InitialBackoff)
	v.SetDefault("pipeline.folder.retry.max_backoff", d.Folder.Retry.MaxBackoff)
	v.SetDefault("pipeline.folder.retry.multiplier", d.Folder.Retry.Multiplier)

	v.SetDefault("pipeline.dlq.enabled", false)
	v.SetDefault("pipeline.dlq.dir", "dlq")
	v.SetDefault("pipeline.dlq.retention.enabled", d.DLQ.Retention.Enabled)
	v.SetDefault("pipeline.dlq.retention.max_age_days", d.DLQ.Retention.MaxAgeDays)
	v.SetDefault("pipeline.dlq.retention.compress_age_days", d.DLQ.Retention.CompressAgeDays)
	v.SetDefault("pipeline.dlq.retention.check_interval", d.DLQ.Retention.CheckInterval)

	v.SetDefault("health_check.hec_url", "")
	v.SetDefault("health_check.hec_token", "")
	v.SetDefault("health_check.interval", DefaultHealthCheckInterval)
	v.SetDefault("health_check.autostart", true)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.file", "audit.log")
	v.SetDefault("audit.format", "json")
}

// Load reads configuration from path, or from logcollector.yml in the
// working directory or /etc/logcollector when path is empty. A missing
// file is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("logcollector")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/logcollector")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}

	if strings.TrimSpace(c.SourcesFile) == "" {
		return errors.New("sources_file is required")
	}

	if err := c.Pipeline.Validate(); err != nil {
		return err
	}

	hc := c.HealthCheck
	if hc.Interval <= 0 {
		return errors.New("health_check.interval must be positive")
	}
	if hc.HECURL != "" {
		if err := source.ValidateHECURL(hc.HECURL); err != nil {
			return fmt.Errorf("health_check.hec_url: %w", err)
		}
	}

	if c.Audit.Enabled {
		if c.Audit.LogFile == "" {
			return errors.New("audit.file is required when audit is enabled")
		}
		if c.Audit.Format != "json" && c.Audit.Format != "cef" {
			return fmt.Errorf("audit.format must be json or cef, got %q", c.Audit.Format)
		}
	}
	return nil
}

// Template returns the embedded YAML configuration template.
func Template() string {
	return configTemplate
}
