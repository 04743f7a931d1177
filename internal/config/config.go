// Package config provides configuration loading and startup validation for
// the forwarder. Configuration is static: it is read once, validated, and
// never mutated in place. Invalid configuration is a fatal startup error.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for a forwarder instance.
type Config struct {
	Sources []SourceConfig `mapstructure:"sources"`
	Stages  []StageConfig  `mapstructure:"stages"`
	Routes  []RouteConfig  `mapstructure:"routes"`
	Sinks   []SinkConfig   `mapstructure:"sinks"`

	Router   RouterConfig   `mapstructure:"router"`
	Cursor   CursorConfig   `mapstructure:"cursor"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// SourceConfig describes one source adapter.
type SourceConfig struct {
	ID   string `mapstructure:"id"`
	Kind string `mapstructure:"kind"` // "file" or "journal"

	// Path is the tailed file (file kind) or the journal export file
	// (journal kind).
	Path string `mapstructure:"path"`

	// Format controls line parsing: "auto" tries JSON and falls back to
	// raw text, "json" and "text" force a mode.
	Format string `mapstructure:"format"`

	// Labels are static labels stamped on every event from this source.
	// Derived labels never overwrite them.
	Labels map[string]string `mapstructure:"labels"`

	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// StageConfig is one tagged variant in the ordered extraction stage list.
// Kind selects the variant; the remaining fields parameterize it.
type StageConfig struct {
	Kind string `mapstructure:"kind"`
	Name string `mapstructure:"name"`

	// regex: named capture groups become fields.
	Pattern string `mapstructure:"pattern"`

	// promote: copy a field value into a label.
	Field string `mapstructure:"field"`
	Label string `mapstructure:"label"`

	// timestamp: parse Field using Layouts, first match wins.
	Layouts []string `mapstructure:"layouts"`

	// static_labels: inject fixed labels.
	Labels map[string]string `mapstructure:"labels"`

	// clamp: numeric field bounds.
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`

	// flag / drop: label value equality condition.
	Equals string `mapstructure:"equals"`
	// flag: label to set true/false from the condition.
	Target string `mapstructure:"target"`
}

// RouteConfig maps events to a sink via label predicates. All listed
// predicates must hold (conjunction); an event may match several routes.
type RouteConfig struct {
	Sink string `mapstructure:"sink"`

	// Match requires label equality.
	Match map[string]string `mapstructure:"match"`

	// MatchIn requires label membership in a value set.
	MatchIn map[string][]string `mapstructure:"match_in"`
}

// RouterConfig holds cross-route settings.
type RouterConfig struct {
	// MaxLabelCardinality bounds distinct values seen per label key.
	// Past the bound, new values are replaced with "overflow".
	MaxLabelCardinality int `mapstructure:"max_label_cardinality"`
}

// SinkConfig describes one sink endpoint and its delivery policy.
type SinkConfig struct {
	ID   string `mapstructure:"id"`
	Kind string `mapstructure:"kind"` // lokipush, opensearch, nats, postgres

	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"` // nats kind
	Index   string `mapstructure:"index"`   // opensearch kind
	DSN     string `mapstructure:"dsn"`     // postgres kind

	TLS      TLSConfig      `mapstructure:"tls"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Health   HealthConfig   `mapstructure:"health"`
	Overflow OverflowConfig `mapstructure:"overflow"`

	// QueueSize bounds the batcher→exporter hand-off queue.
	QueueSize int `mapstructure:"queue_size"`
}

// TLSConfig selects the transport security mode for a sink. The mode is
// explicit; the exporter never silently downgrades a secured endpoint.
type TLSConfig struct {
	Mode          string `mapstructure:"mode"` // "plaintext" or "tls"
	SkipVerify    bool   `mapstructure:"skip_verify"`
	CACertificate string `mapstructure:"ca_certificate"`
}

// AuthConfig holds sink credentials.
type AuthConfig struct {
	BearerToken string `mapstructure:"bearer_token"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

// BatchConfig holds flush thresholds for one sink's batcher.
type BatchConfig struct {
	MaxBytes      int           `mapstructure:"max_bytes"`
	MaxEvents     int           `mapstructure:"max_events"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// RetryConfig holds the exponential backoff policy for transient failures.
// MaxAttempts of 0 means an unbounded retry budget.
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// HealthConfig holds the per-sink health state machine thresholds.
type HealthConfig struct {
	// DegradedAfter consecutive failures move the sink Up → Degraded.
	DegradedAfter int `mapstructure:"degraded_after"`
	// DownAfter consecutive failures move the sink Degraded → Down.
	DownAfter int `mapstructure:"down_after"`
	// ProbeInterval is how often a Down sink is probed.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// OverflowConfig selects where exhausted batches are spilled. Backend "none"
// drops them with a loud metric instead.
type OverflowConfig struct {
	Backend  string `mapstructure:"backend"` // "file", "jetstream", "none"
	Path     string `mapstructure:"path"`
	NatsURL  string `mapstructure:"nats_url"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// CursorConfig selects the durable read-cursor store shared by adapters.
type CursorConfig struct {
	Backend       string        `mapstructure:"backend"` // "file" or "redis"
	Dir           string        `mapstructure:"dir"`
	RedisURL      string        `mapstructure:"redis_url"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// TracingConfig holds the span pipeline settings.
type TracingConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Endpoint string            `mapstructure:"endpoint"`
	TLS      TLSConfig         `mapstructure:"tls"`
	Batch    BatchConfig       `mapstructure:"batch"`
	Retry    RetryConfig       `mapstructure:"retry"`
	Relay    RelayConfig       `mapstructure:"relay"`
	Resource map[string]string `mapstructure:"resource"`
}

// RelayConfig configures an optional intermediate span hop over NATS.
type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NatsURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

// MetricsConfig holds the Prometheus/health listener settings. Port 0
// disables the listener.
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PipelineConfig holds cross-component pipeline settings.
type PipelineConfig struct {
	// Workers is the extraction+routing worker pool size.
	Workers int `mapstructure:"workers"`
	// QueueSize bounds the adapter→worker hand-off queue.
	QueueSize int `mapstructure:"queue_size"`
	// DrainTimeout bounds the final export attempt per sink at shutdown.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// Load reads configuration from the given path, or from
// $FORWARDER_CONFIG / /etc/telhawk/forwarder.yaml when path is empty.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path == "" {
		path = os.Getenv("FORWARDER_CONFIG")
	}
	if path == "" {
		path = "/etc/telhawk/forwarder.yaml"
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("FORWARDER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if os.IsNotExist(unwrapPathError(err)) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applySinkDefaults(&cfg)

	return &cfg, nil
}

func unwrapPathError(err error) error {
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err
	}
	return err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("router.max_label_cardinality", 1000)

	v.SetDefault("cursor.backend", "file")
	v.SetDefault("cursor.dir", "/var/lib/telhawk/forwarder/cursors")
	v.SetDefault("cursor.flush_interval", "2s")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.batch.max_events", 256)
	v.SetDefault("tracing.batch.max_bytes", 1048576)
	v.SetDefault("tracing.batch.flush_interval", "5s")
	v.SetDefault("tracing.retry.base_delay", "500ms")
	v.SetDefault("tracing.retry.max_delay", "30s")
	v.SetDefault("tracing.retry.max_attempts", 5)
	v.SetDefault("tracing.relay.subject", "spans.relay")
	v.SetDefault("tracing.relay.queue", "span-relays")

	v.SetDefault("metrics.port", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 1024)
	v.SetDefault("pipeline.drain_timeout", "10s")
}

// applySinkDefaults fills per-sink zero values. Viper defaults cannot reach
// into list elements, so these are applied after unmarshal.
func applySinkDefaults(cfg *Config) {
	for i := range cfg.Sinks {
		s := &cfg.Sinks[i]
		if s.TLS.Mode == "" {
			s.TLS.Mode = "plaintext"
		}
		if s.Batch.MaxBytes == 0 {
			s.Batch.MaxBytes = 1048576
		}
		if s.Batch.MaxEvents == 0 {
			s.Batch.MaxEvents = 1000
		}
		if s.Batch.FlushInterval == 0 {
			s.Batch.FlushInterval = 5 * time.Second
		}
		if s.Retry.BaseDelay == 0 {
			s.Retry.BaseDelay = 500 * time.Millisecond
		}
		if s.Retry.MaxDelay == 0 {
			s.Retry.MaxDelay = 30 * time.Second
		}
		if s.Health.DegradedAfter == 0 {
			s.Health.DegradedAfter = 3
		}
		if s.Health.DownAfter == 0 {
			s.Health.DownAfter = 10
		}
		if s.Health.ProbeInterval == 0 {
			s.Health.ProbeInterval = 15 * time.Second
		}
		if s.Overflow.Backend == "" {
			s.Overflow.Backend = "none"
		}
		if s.QueueSize == 0 {
			s.QueueSize = 64
		}
	}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Format == "" {
			src.Format = "auto"
		}
		if src.PollInterval == 0 {
			src.PollInterval = 250 * time.Millisecond
		}
	}
	if cfg.Tracing.TLS.Mode == "" {
		cfg.Tracing.TLS.Mode = "plaintext"
	}
	// An explicit zero in the file overrides the viper default, and the span
	// processor sizes its intake queue and flush ticker from these values, so
	// zeros are healed the same way sink batch zeros are.
	if cfg.Tracing.Batch.MaxBytes == 0 {
		cfg.Tracing.Batch.MaxBytes = 1048576
	}
	if cfg.Tracing.Batch.MaxEvents == 0 {
		cfg.Tracing.Batch.MaxEvents = 256
	}
	if cfg.Tracing.Batch.FlushInterval == 0 {
		cfg.Tracing.Batch.FlushInterval = 5 * time.Second
	}
	if cfg.Tracing.Retry.BaseDelay == 0 {
		cfg.Tracing.Retry.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Tracing.Retry.MaxDelay == 0 {
		cfg.Tracing.Retry.MaxDelay = 30 * time.Second
	}
	// Span delivery is best-effort; an unbounded retry budget would stall
	// the whole span pipeline, so the budget is always finite here.
	if cfg.Tracing.Retry.MaxAttempts <= 0 {
		cfg.Tracing.Retry.MaxAttempts = 5
	}
}
