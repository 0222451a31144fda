// Package config loads the process configuration: an optional fleuve.yaml
// plus FLEUVE_* environment overrides, with DATABASE_URL, REDIS_ADDR and
// NATS_URL honored as unprefixed fallbacks for container deployments.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/doomervibe/fleuve/internal/workflow"
)

// State cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATSKV = "natskv"
	BackendTiered = "tiered"
)

// DefaultConfigFile is searched in the working directory when neither the
// CONFIG_FILE variable nor an explicit path names one.
const DefaultConfigFile = "fleuve.yaml"

// Config is the full process configuration.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	DatabaseURL string `mapstructure:"database_url"`
	RedisAddr   string `mapstructure:"redis_addr"`
	NATSURL     string `mapstructure:"nats_url"`

	// SnapshotInterval snapshots state every N versions. 0 disables.
	SnapshotInterval int `mapstructure:"snapshot_interval"`

	EnableTruncation        bool          `mapstructure:"enable_truncation"`
	TruncationMinRetention  time.Duration `mapstructure:"truncation_min_retention"`
	TruncationBatchSize     int           `mapstructure:"truncation_batch_size"`
	TruncationCheckInterval time.Duration `mapstructure:"truncation_check_interval"`

	ReaderPollInterval time.Duration `mapstructure:"reader_poll_interval"`
	ReaderBatchSize    int           `mapstructure:"reader_batch_size"`
	DelayPollInterval  time.Duration `mapstructure:"delay_poll_interval"`
	ActivityWorkers    int           `mapstructure:"activity_workers"`

	RetryPolicy RetryPolicyConfig `mapstructure:"retry_policy"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	External    ExternalConfig    `mapstructure:"external_messaging"`
	Partition   PartitionConfig   `mapstructure:"partition"`
	UI          UIConfig          `mapstructure:"ui"`

	// EncryptionKey turns on at-rest body encryption; Compression turns on
	// zstd. Both are codec options and apply to new writes only.
	EncryptionKey string `mapstructure:"encryption_key"`
	Compression   bool   `mapstructure:"compression"`

	EnableTracing bool   `mapstructure:"enable_tracing"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
}

// RetryPolicyConfig is the default action retry policy.
type RetryPolicyConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Strategy   string        `mapstructure:"strategy"`
	Factor     float64       `mapstructure:"factor"`
	Min        time.Duration `mapstructure:"min"`
	Max        time.Duration `mapstructure:"max"`
	Jitter     float64       `mapstructure:"jitter"`
}

// ToPolicy converts to the engine's retry policy type.
func (r RetryPolicyConfig) ToPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxRetries: r.MaxRetries,
		Strategy:   r.Strategy,
		Factor:     r.Factor,
		Min:        r.Min,
		Max:        r.Max,
		Jitter:     r.Jitter,
	}
}

// CacheConfig selects and sizes the state cache.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
}

// OutboxConfig tunes the JetStream outbox publisher.
type OutboxConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ExternalConfig tunes the external message consumer. Stream defaults to
// external_{workflow_type} when empty.
type ExternalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Stream  string `mapstructure:"stream"`
}

// PartitionConfig pins this process's slot in a partitioned runner fleet.
type PartitionConfig struct {
	Index int `mapstructure:"index"`
	Total int `mapstructure:"total"`
}

// UIConfig configures the monitoring server. An empty AuthSecret disables
// authentication.
type UIConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	AuthSecret string `mapstructure:"auth_secret"`
}

// Load returns the configuration from defaults, the config file named by
// CONFIG_FILE (falling back to ./fleuve.yaml when present) and FLEUVE_*
// environment overrides. It never fails: an unreadable optional file is
// skipped so the environment-only path always works.
func Load() *Config {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	cfg, err := load(path)
	if err != nil {
		cfg, _ = load("")
	}
	return cfg
}

// LoadFile loads the configuration from an explicit file. Unlike Load the
// file must exist and parse.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: file path required")
	}
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLEUVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Unprefixed fallbacks win only when nothing else set the value.
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if cfg.NATSURL == "" {
		cfg.NATSURL = os.Getenv("NATS_URL")
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides are picked up
// during Unmarshal even without a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("database_url", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("nats_url", "")

	v.SetDefault("snapshot_interval", 100)

	v.SetDefault("enable_truncation", false)
	v.SetDefault("truncation_min_retention", 168*time.Hour)
	v.SetDefault("truncation_batch_size", 1000)
	v.SetDefault("truncation_check_interval", time.Hour)

	v.SetDefault("reader_poll_interval", 100*time.Millisecond)
	v.SetDefault("reader_batch_size", 100)
	v.SetDefault("delay_poll_interval", time.Second)
	v.SetDefault("activity_workers", 4)

	v.SetDefault("retry_policy.max_retries", 3)
	v.SetDefault("retry_policy.strategy", workflow.StrategyExponential)
	v.SetDefault("retry_policy.factor", 2.0)
	v.SetDefault("retry_policy.min", time.Second)
	v.SetDefault("retry_policy.max", 60*time.Second)
	v.SetDefault("retry_policy.jitter", 0.5)

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.max_size", 1024)

	v.SetDefault("outbox.enabled", false)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", 100*time.Millisecond)

	v.SetDefault("external_messaging.enabled", false)
	v.SetDefault("external_messaging.stream", "")

	v.SetDefault("partition.index", 0)
	v.SetDefault("partition.total", 1)

	v.SetDefault("encryption_key", "")
	v.SetDefault("compression", false)

	v.SetDefault("enable_tracing", false)
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("metrics_addr", ":2112")

	v.SetDefault("ui.host", "0.0.0.0")
	v.SetDefault("ui.port", 8001)
	v.SetDefault("ui.auth_secret", "")
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate rejects combinations the engine cannot start with.
func (c *Config) Validate() error {
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	switch c.Cache.Backend {
	case BackendMemory, BackendRedis, BackendNATSKV, BackendTiered:
	default:
		return fmt.Errorf("config: unknown cache.backend %q", c.Cache.Backend)
	}
	if (c.Cache.Backend == BackendRedis || c.Cache.Backend == BackendTiered) && c.RedisAddr == "" {
		return fmt.Errorf("config: cache.backend %s requires redis_addr", c.Cache.Backend)
	}
	if c.Cache.Backend == BackendNATSKV && c.NATSURL == "" {
		return fmt.Errorf("config: cache.backend natskv requires nats_url")
	}
	if c.Outbox.Enabled && c.NATSURL == "" {
		return fmt.Errorf("config: outbox requires nats_url")
	}
	if c.External.Enabled && c.NATSURL == "" {
		return fmt.Errorf("config: external_messaging requires nats_url")
	}
	if c.Partition.Total <= 0 {
		return fmt.Errorf("config: partition.total must be positive, got %d", c.Partition.Total)
	}
	if c.Partition.Index < 0 || c.Partition.Index >= c.Partition.Total {
		return fmt.Errorf("config: partition.index %d out of range [0,%d)",
			c.Partition.Index, c.Partition.Total)
	}
	if c.EnableTruncation && c.SnapshotInterval <= 0 {
		return fmt.Errorf("config: enable_truncation requires snapshot_interval > 0")
	}
	switch c.RetryPolicy.Strategy {
	case workflow.StrategyExponential, workflow.StrategyLinear:
	default:
		return fmt.Errorf("config: unknown retry_policy.strategy %q", c.RetryPolicy.Strategy)
	}
	if c.UI.Port <= 0 || c.UI.Port > 65535 {
		return fmt.Errorf("config: ui.port %d out of range", c.UI.Port)
	}
	return nil
}
