// Package config holds the orchestrator's runtime configuration: three-layer
// priority of defaults, environment variables, then functional options,
// mirroring the pattern used throughout this codebase's ambient stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's full runtime configuration.
type Config struct {
	ServiceName string `yaml:"service_name" env:"ORCH_SERVICE_NAME" default:"mcp-orchestrator"`
	Port        int    `yaml:"port" env:"ORCH_PORT" default:"8080"`

	Redis      RedisConfig      `yaml:"redis"`
	Fairness   FairnessConfig   `yaml:"fairness"`
	Preemption PreemptionConfig `yaml:"preemption"`
	Worker     WorkerConfig     `yaml:"worker"`
	Autoscale  AutoscaleConfig  `yaml:"autoscale"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Durations  DurationsConfig  `yaml:"durations"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	BoltPath   string           `yaml:"bolt_path" env:"ORCH_BOLT_PATH" default:"./data/orchestrator.db"`
}

// RedisConfig configures the durable-queue backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ORCH_REDIS_ADDR" default:"localhost:6379"`
	Password string `yaml:"password" env:"ORCH_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"ORCH_REDIS_DB" default:"0"`
	MaxLen   int64  `yaml:"maxlen" env:"ORCH_REDIS_MAXLEN" default:"100000"`
}

// FairnessConfig tunes the weighted strict-priority dispatcher.
type FairnessConfig struct {
	N              int `yaml:"n" env:"ORCH_FAIRNESS_N" default:"16"`
	RejectThreshold int `yaml:"reject_threshold" env:"ORCH_REJECT_THRESHOLD" default:"1000"`
}

// PreemptionConfig bounds preemption behavior.
type PreemptionConfig struct {
	MaxPreempts   int           `yaml:"max_preempts" env:"ORCH_MAX_PREEMPTS" default:"2"`
	GracePeriod   time.Duration `yaml:"grace_period" env:"ORCH_PREEMPT_GRACE" default:"2s"`
}

// WorkerConfig governs worker-pool lifecycle thresholds.
type WorkerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"ORCH_HEARTBEAT_INTERVAL" default:"5s"`
	AckTimeout        time.Duration `yaml:"ack_timeout" env:"ORCH_ACK_TIMEOUT" default:"30s"`
	IdleReclaimMs     int64         `yaml:"idle_reclaim_ms" env:"ORCH_IDLE_RECLAIM_MS" default:"60000"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"ORCH_SHUTDOWN_TIMEOUT" default:"30s"`
	ClaimBlock        time.Duration `yaml:"claim_block" env:"ORCH_CLAIM_BLOCK" default:"2s"`
}

// AutoscaleConfig carries the hysteresis-bounded scaling policy defaults,
// per-pool overridable.
type AutoscaleConfig struct {
	Interval       time.Duration `yaml:"interval" env:"ORCH_SCALE_INTERVAL" default:"15s"`
	UpThreshold    float64       `yaml:"up_threshold" env:"ORCH_SCALE_UP_THRESHOLD" default:"0.75"`
	DownThreshold  float64       `yaml:"down_threshold" env:"ORCH_SCALE_DOWN_THRESHOLD" default:"0.30"`
	K              int           `yaml:"k" env:"ORCH_SCALE_K" default:"3"`
	KDown          int           `yaml:"k_down" env:"ORCH_SCALE_K_DOWN" default:"5"`
	Cooldown       time.Duration `yaml:"cooldown" env:"ORCH_SCALE_COOLDOWN" default:"60s"`
	Min            int           `yaml:"min" env:"ORCH_SCALE_MIN" default:"1"`
	Max            int           `yaml:"max" env:"ORCH_SCALE_MAX" default:"10"`
}

// RecoveryConfig governs the recovery supervisor's scan loop.
type RecoveryConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval" env:"ORCH_RECOVERY_SCAN_INTERVAL" default:"10s"`
	MaxAttempts  int           `yaml:"max_attempts" env:"ORCH_RECOVERY_MAX_ATTEMPTS" default:"5"`
}

// BackoffConfig is the default retry/backoff policy for saga steps and
// durable-queue writes.
type BackoffConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" env:"ORCH_BACKOFF_MAX_ATTEMPTS" default:"3"`
	InitialDelay  time.Duration `yaml:"initial_delay" env:"ORCH_BACKOFF_INITIAL_DELAY" default:"200ms"`
	MaxDelay      time.Duration `yaml:"max_delay" env:"ORCH_BACKOFF_MAX_DELAY" default:"10s"`
	BackoffFactor float64       `yaml:"backoff_factor" env:"ORCH_BACKOFF_FACTOR" default:"2.0"`
}

// DurationsConfig holds retention windows.
type DurationsConfig struct {
	IdempotencyRetention time.Duration `yaml:"idempotency_retention" env:"ORCH_IDEMPOTENCY_RETENTION" default:"24h"`
	ResultRetention      time.Duration `yaml:"result_retention" env:"ORCH_RESULT_RETENTION" default:"24h"`
}

// SandboxConfig defaults for the deny-by-default sandbox policy.
type SandboxConfig struct {
	DefaultWallClock  time.Duration `yaml:"default_wallclock" env:"ORCH_SANDBOX_WALLCLOCK" default:"30s"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace" env:"ORCH_SANDBOX_SHUTDOWN_GRACE" default:"2s"`
	OutputBytesCap    int64         `yaml:"output_bytes_cap" env:"ORCH_SANDBOX_OUTPUT_CAP" default:"1048576"`
	AllowedImages     []string      `yaml:"allowed_images" env:"ORCH_SANDBOX_ALLOWED_IMAGES"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled" env:"ORCH_TELEMETRY_ENABLED" default:"true"`
	Endpoint       string  `yaml:"endpoint" env:"ORCH_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4318"`
	SamplingRate   float64 `yaml:"sampling_rate" env:"ORCH_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure       bool    `yaml:"insecure" env:"ORCH_TELEMETRY_INSECURE" default:"true"`
}

// LoggingConfig configures the self-contained structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"ORCH_LOG_LEVEL" default:"INFO"`
	Format string `yaml:"format" env:"ORCH_LOG_FORMAT"`
}

// Option mutates a Config during construction; an error aborts NewConfig.
type Option func(*Config) error

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "mcp-orchestrator",
		Port:        8080,
		Redis:       RedisConfig{Addr: "localhost:6379", MaxLen: 100000},
		Fairness:    FairnessConfig{N: 16, RejectThreshold: 1000},
		Preemption:  PreemptionConfig{MaxPreempts: 2, GracePeriod: 2 * time.Second},
		Worker: WorkerConfig{
			HeartbeatInterval: 5 * time.Second,
			AckTimeout:        30 * time.Second,
			IdleReclaimMs:     60000,
			ShutdownTimeout:   30 * time.Second,
			ClaimBlock:        2 * time.Second,
		},
		Autoscale: AutoscaleConfig{
			Interval: 15 * time.Second, UpThreshold: 0.75, DownThreshold: 0.30,
			K: 3, KDown: 5, Cooldown: 60 * time.Second, Min: 1, Max: 10,
		},
		Recovery: RecoveryConfig{ScanInterval: 10 * time.Second, MaxAttempts: 5},
		Backoff: BackoffConfig{
			MaxAttempts: 3, InitialDelay: 200 * time.Millisecond,
			MaxDelay: 10 * time.Second, BackoffFactor: 2.0,
		},
		Durations: DurationsConfig{IdempotencyRetention: 24 * time.Hour, ResultRetention: 24 * time.Hour},
		Sandbox: SandboxConfig{
			DefaultWallClock: 30 * time.Second, ShutdownGrace: 2 * time.Second,
			OutputBytesCap: 1 << 20,
		},
		Telemetry: TelemetryConfig{Enabled: true, Endpoint: "localhost:4318", SamplingRate: 1.0, Insecure: true},
		Logging:   LoggingConfig{Level: "INFO"},
		BoltPath:  "./data/orchestrator.db",
	}
}

// NewConfig builds a Config by layering defaults, environment variables,
// then the supplied functional options (highest priority).
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("config: load from env: %w", err)
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("config: apply option: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays environment-variable overrides onto the receiver.
// It reads only ORCH_SERVICE_NAME, ORCH_PORT, ORCH_REDIS_ADDR,
// ORCH_REDIS_PASSWORD, ORCH_FAIRNESS_N, ORCH_MAX_PREEMPTS, ORCH_LOG_LEVEL,
// ORCH_LOG_FORMAT, ORCH_BOLT_PATH and OTEL_EXPORTER_OTLP_ENDPOINT; the other
// `env` struct tags in this file are not consulted.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ORCH_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("ORCH_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ORCH_PORT: %w", err)
		}
		c.Port = p
	}
	if v := os.Getenv("ORCH_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("ORCH_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("ORCH_FAIRNESS_N"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ORCH_FAIRNESS_N: %w", err)
		}
		c.Fairness.N = n
	}
	if v := os.Getenv("ORCH_MAX_PREEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ORCH_MAX_PREEMPTS: %w", err)
		}
		c.Preemption.MaxPreempts = n
	}
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToUpper(v)
	}
	if v := os.Getenv("ORCH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ORCH_BOLT_PATH"); v != "" {
		c.BoltPath = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	return nil
}

// LoadFromFile merges YAML configuration from path into the receiver,
// overriding any previously set field present in the file.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate checks cross-field invariants the individual option setters
// cannot enforce in isolation.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.Fairness.N < 1 {
		return fmt.Errorf("config: fairness.n must be >= 1")
	}
	if c.Autoscale.Min < 0 || c.Autoscale.Max < c.Autoscale.Min {
		return fmt.Errorf("config: invalid autoscale bounds [%d,%d]", c.Autoscale.Min, c.Autoscale.Max)
	}
	if c.Autoscale.UpThreshold <= c.Autoscale.DownThreshold {
		return fmt.Errorf("config: up_threshold must exceed down_threshold")
	}
	if c.Preemption.MaxPreempts < 0 {
		return fmt.Errorf("config: max_preempts must be >= 0")
	}
	if c.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("config: recovery.max_attempts must be >= 1")
	}
	return nil
}

func WithServiceName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("service name cannot be empty")
		}
		c.ServiceName = name
		return nil
	}
}

func WithPort(port int) Option {
	return func(c *Config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		c.Port = port
		return nil
	}
}

func WithRedisAddr(addr string) Option {
	return func(c *Config) error {
		c.Redis.Addr = addr
		return nil
	}
}

func WithFairnessN(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("fairness n must be >= 1")
		}
		c.Fairness.N = n
		return nil
	}
}

func WithMaxPreempts(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("max preempts must be >= 0")
		}
		c.Preemption.MaxPreempts = n
		return nil
	}
}

func WithAutoscaleBounds(min, max int) Option {
	return func(c *Config) error {
		if max < min {
			return fmt.Errorf("autoscale max < min")
		}
		c.Autoscale.Min = min
		c.Autoscale.Max = max
		return nil
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = strings.ToUpper(level)
		return nil
	}
}

func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

func WithBoltPath(path string) Option {
	return func(c *Config) error {
		c.BoltPath = path
		return nil
	}
}
