package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	Machine     MachineConfig     `yaml:"machine"`
	Source      SourceConfig      `yaml:"source"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Sinks       SinksConfig       `yaml:"sinks"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	State       StateConfig       `yaml:"state"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     *MetricsConfig    `yaml:"metrics,omitempty"`
	Health      *HealthConfig     `yaml:"health,omitempty"`
	Tracing     *TracingConfig    `yaml:"tracing,omitempty"`
	Profiling   *ProfilingConfig  `yaml:"profiling,omitempty"`
}

// MachineConfig identifies the monitored machine
type MachineConfig struct {
	Name          string `yaml:"name"`
	Location      string `yaml:"location"`
	LocationPoint string `yaml:"location_point"`

	// Timezones maps location names to IANA zones. It is only consulted
	// when ConvertTimezone is set.
	Timezones       map[string]string `yaml:"timezones,omitempty"`
	ConvertTimezone bool              `yaml:"convert_timezone,omitempty"`
}

// SourceConfig describes where the controller log is read from
type SourceConfig struct {
	Type    string        `yaml:"type"` // command or file
	Path    string        `yaml:"path"`
	Command string        `yaml:"command,omitempty"`
	Args    []string      `yaml:"args,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// MonitorConfig holds polling loop settings
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SinksConfig holds both downstream sinks
type SinksConfig struct {
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	LiveStatus LiveStatusConfig `yaml:"live_status"`
}

// WarehouseConfig selects and configures the row-append sink
type WarehouseConfig struct {
	Type  string       `yaml:"type"` // stdout, kafka, s3, sql
	Kafka *KafkaConfig `yaml:"kafka,omitempty"`
	S3    *S3Config    `yaml:"s3,omitempty"`
	SQL   *SQLConfig   `yaml:"sql,omitempty"`
}

// KafkaConfig holds Kafka-specific configuration
type KafkaConfig struct {
	Brokers          []string   `yaml:"brokers"`
	Topic            string     `yaml:"topic"`
	RequiredAcks     int16      `yaml:"required_acks,omitempty"`
	CompressionCodec string     `yaml:"compression_codec,omitempty"`
	ClientID         string     `yaml:"client_id,omitempty"`
	Version          string     `yaml:"version,omitempty"`
	SASLEnabled      bool       `yaml:"sasl_enabled,omitempty"`
	SASLUsername     string     `yaml:"sasl_username,omitempty"`
	SASLPassword     string     `yaml:"sasl_password,omitempty"`
	TLS              *TLSConfig `yaml:"tls,omitempty"`
}

// S3Config holds S3-specific configuration
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix,omitempty"`
	Compression  string `yaml:"compression,omitempty"`
	StorageClass string `yaml:"storage_class,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`
}

// SQLConfig holds SQL warehouse configuration
type SQLConfig struct {
	Driver string `yaml:"driver,omitempty"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

// LiveStatusConfig selects and configures the live-status sink
type LiveStatusConfig struct {
	Type              string               `yaml:"type"` // stdout, elasticsearch
	HeartbeatInterval time.Duration        `yaml:"heartbeat_interval,omitempty"`
	Elasticsearch     *ElasticsearchConfig `yaml:"elasticsearch,omitempty"`
}

// ElasticsearchConfig holds Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	Addresses []string   `yaml:"addresses"`
	Index     string     `yaml:"index"`
	Username  string     `yaml:"username,omitempty"`
	Password  string     `yaml:"password,omitempty"`
	CloudID   string     `yaml:"cloud_id,omitempty"`
	APIKey    string     `yaml:"api_key,omitempty"`
	TLS       *TLSConfig `yaml:"tls,omitempty"`
}

// TLSConfig holds client TLS settings for a sink connection
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// ReliabilityConfig holds per-sink retry and circuit breaker configuration
type ReliabilityConfig struct {
	Warehouse  SinkReliabilityConfig `yaml:"warehouse"`
	LiveStatus SinkReliabilityConfig `yaml:"live_status"`
}

// SinkReliabilityConfig groups retry and breaker settings for one sink
type SinkReliabilityConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration. MaxRetries is nil when the key
// is absent; an explicit 0 disables retries.
type RetryConfig struct {
	MaxRetries     *int          `yaml:"max_retries,omitempty"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// Retries returns the number of retries after the first attempt
func (r RetryConfig) Retries() int {
	if r.MaxRetries == nil {
		return 0
	}
	return *r.MaxRetries
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold,omitempty"`
	Cooldown         time.Duration `yaml:"cooldown,omitempty"`
}

// StateConfig controls persistence of the last forwarded record
type StateConfig struct {
	Path string `yaml:"path,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
	File   string `yaml:"file,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	StaleAfter    time.Duration `yaml:"stale_after,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	Insecure   bool    `yaml:"insecure,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ProfilingConfig enables the pprof debug server
type ProfilingConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Address            string `yaml:"address,omitempty"`
	BlockProfile       bool   `yaml:"block_profile,omitempty"`
	MutexProfile       bool   `yaml:"mutex_profile,omitempty"`
	GoroutineThreshold int    `yaml:"goroutine_threshold,omitempty"`
}

// Default values
const (
	DefaultSourceType        = "command"
	DefaultSourceCommand     = "mtype"
	DefaultSourcePath        = "p:/LOGGER.GAM"
	DefaultSourceTimeout     = 10 * time.Second
	DefaultInterval          = 1 * time.Second
	DefaultHeartbeatInterval = 5 * time.Minute
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultSQLDriver         = "postgres"

	DefaultWarehouseAttempts       = 3
	DefaultWarehouseInitialBackoff = 3 * time.Second
	DefaultLiveStatusAttempts      = 3
	DefaultLiveStatusBackoff       = 2 * time.Second
	DefaultBreakerThreshold        = 1
	DefaultBreakerCooldown         = 25 * time.Second
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration content, expanding ${VAR} references
func Parse(data []byte) (*Config, error) {
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.Source.Type == "" {
		c.Source.Type = DefaultSourceType
	}
	if c.Source.Path == "" {
		c.Source.Path = DefaultSourcePath
	}
	if c.Source.Type == "command" {
		if c.Source.Command == "" {
			c.Source.Command = DefaultSourceCommand
		}
		if len(c.Source.Args) == 0 {
			c.Source.Args = []string{c.Source.Path}
		}
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = DefaultSourceTimeout
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = DefaultInterval
	}

	if c.Sinks.Warehouse.Type == "" {
		c.Sinks.Warehouse.Type = "stdout"
	}
	if c.Sinks.Warehouse.SQL != nil && c.Sinks.Warehouse.SQL.Driver == "" {
		c.Sinks.Warehouse.SQL.Driver = DefaultSQLDriver
	}
	if c.Sinks.LiveStatus.Type == "" {
		c.Sinks.LiveStatus.Type = "stdout"
	}
	if c.Sinks.LiveStatus.HeartbeatInterval == 0 {
		c.Sinks.LiveStatus.HeartbeatInterval = DefaultHeartbeatInterval
	}

	applyReliabilityDefaults(&c.Reliability.Warehouse, DefaultWarehouseAttempts, DefaultWarehouseInitialBackoff)
	applyReliabilityDefaults(&c.Reliability.LiveStatus, DefaultLiveStatusAttempts, DefaultLiveStatusBackoff)
}

func applyReliabilityDefaults(r *SinkReliabilityConfig, attempts int, backoff time.Duration) {
	if r.Retry.MaxRetries == nil {
		// MaxRetries counts retries after the first attempt
		retries := attempts - 1
		r.Retry.MaxRetries = &retries
	}
	if r.Retry.InitialBackoff == 0 {
		r.Retry.InitialBackoff = backoff
	}
	if r.Retry.Multiplier == 0 {
		r.Retry.Multiplier = 2.0
	}
	if r.CircuitBreaker.FailureThreshold == 0 {
		r.CircuitBreaker.FailureThreshold = DefaultBreakerThreshold
	}
	if r.CircuitBreaker.Cooldown == 0 {
		r.CircuitBreaker.Cooldown = DefaultBreakerCooldown
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Machine.Name == "" {
		return fmt.Errorf("machine name is required")
	}
	if c.Machine.Location == "" {
		return fmt.Errorf("machine location is required")
	}
	if c.Machine.ConvertTimezone {
		if _, ok := c.Machine.Timezones[c.Machine.Location]; !ok {
			return fmt.Errorf("convert_timezone is set but no timezone is configured for location %q", c.Machine.Location)
		}
	}

	switch c.Source.Type {
	case "command":
		if c.Source.Command == "" {
			return fmt.Errorf("command source has no command configured")
		}
	case "file":
		if c.Source.Path == "" {
			return fmt.Errorf("file source has no path configured")
		}
	default:
		return fmt.Errorf("invalid source type: %s", c.Source.Type)
	}

	if c.Monitor.Interval < 0 {
		return fmt.Errorf("monitor interval must be positive")
	}

	if err := c.Sinks.Warehouse.validate(); err != nil {
		return err
	}
	if err := c.Sinks.LiveStatus.validate(); err != nil {
		return err
	}
	if c.Reliability.Warehouse.Retry.Retries() < 0 || c.Reliability.LiveStatus.Retry.Retries() < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

func (w WarehouseConfig) validate() error {
	switch w.Type {
	case "stdout":
	case "kafka":
		if w.Kafka == nil || len(w.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka warehouse has no brokers configured")
		}
		if w.Kafka.Topic == "" {
			return fmt.Errorf("kafka warehouse has no topic configured")
		}
	case "s3":
		if w.S3 == nil || w.S3.Bucket == "" {
			return fmt.Errorf("s3 warehouse has no bucket configured")
		}
		if w.S3.Region == "" {
			return fmt.Errorf("s3 warehouse has no region configured")
		}
	case "sql":
		if w.SQL == nil || w.SQL.DSN == "" {
			return fmt.Errorf("sql warehouse has no dsn configured")
		}
		if w.SQL.Table == "" {
			return fmt.Errorf("sql warehouse has no table configured")
		}
	default:
		return fmt.Errorf("invalid warehouse type: %s", w.Type)
	}
	return nil
}

func (l LiveStatusConfig) validate() error {
	switch l.Type {
	case "stdout":
	case "elasticsearch":
		if l.Elasticsearch == nil || (len(l.Elasticsearch.Addresses) == 0 && l.Elasticsearch.CloudID == "") {
			return fmt.Errorf("elasticsearch live status has no addresses or cloud ID configured")
		}
		if l.Elasticsearch.Index == "" {
			return fmt.Errorf("elasticsearch live status has no index configured")
		}
	default:
		return fmt.Errorf("invalid live status type: %s", l.Type)
	}
	return nil
}

// Timezone returns the configured IANA zone for the machine's location
func (m MachineConfig) Timezone() (string, bool) {
	tz, ok := m.Timezones[m.Location]
	return tz, ok
}
