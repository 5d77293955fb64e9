// Package config loads runtime configuration for the sync core from YAML
// or TOML files with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "MARKETSYNC_"

// Config is the complete runtime configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage" toml:"storage" json:"storage"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue" json:"queue"`
	Network   NetworkConfig   `yaml:"network" toml:"network" json:"network"`
	Conflict  ConflictConfig  `yaml:"conflict" toml:"conflict" json:"conflict"`
	Transport TransportConfig `yaml:"transport" toml:"transport" json:"transport"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache" json:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" json:"logging"`
	DevTools  DevToolsConfig  `yaml:"devtools" toml:"devtools" json:"devtools"`
}

// EvictionConfig is the eviction policy of one store.
type EvictionConfig struct {
	// Strategy is one of none, lru, size, time.
	Strategy   string `yaml:"strategy" toml:"strategy" json:"strategy"`
	MaxItems   int    `yaml:"max_items" toml:"max_items" json:"max_items"`
	MaxBytes   int64  `yaml:"max_bytes" toml:"max_bytes" json:"max_bytes"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days" json:"max_age_days"`
}

// StorageConfig configures the local database.
type StorageConfig struct {
	// Path of the SQLite file. Empty or ":memory:" keeps data in memory.
	Path                 string                    `yaml:"path" toml:"path" json:"path"`
	Codec                string                    `yaml:"codec" toml:"codec" json:"codec"`
	CompressionThreshold int                       `yaml:"compression_threshold" toml:"compression_threshold" json:"compression_threshold"`
	BulkChunkSize        int                       `yaml:"bulk_chunk_size" toml:"bulk_chunk_size" json:"bulk_chunk_size"`
	CompressedFields     map[string][]string       `yaml:"compressed_fields" toml:"compressed_fields" json:"compressed_fields"`
	Eviction             map[string]EvictionConfig `yaml:"eviction" toml:"eviction" json:"eviction"`
}

// QueueConfig configures retry, batching and metrics of the sync queue.
type QueueConfig struct {
	MaxRetries          int           `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	BaseDelay           time.Duration `yaml:"base_delay" toml:"base_delay" json:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay" toml:"max_delay" json:"max_delay"`
	Jitter              float64       `yaml:"jitter" toml:"jitter" json:"jitter"`
	RateLimitMultiplier float64       `yaml:"rate_limit_multiplier" toml:"rate_limit_multiplier" json:"rate_limit_multiplier"`
	BatchingEnabled     bool          `yaml:"batching_enabled" toml:"batching_enabled" json:"batching_enabled"`
	BatchSize           int           `yaml:"batch_size" toml:"batch_size" json:"batch_size"`
	MetricsWindow       time.Duration `yaml:"metrics_window" toml:"metrics_window" json:"metrics_window"`
	MaxSize             int           `yaml:"max_size" toml:"max_size" json:"max_size"`
	ProcessInterval     time.Duration `yaml:"process_interval" toml:"process_interval" json:"process_interval"`
}

// NetworkConfig configures connection quality detection.
type NetworkConfig struct {
	ProbeURL      string        `yaml:"probe_url" toml:"probe_url" json:"probe_url"`
	CheckInterval time.Duration `yaml:"check_interval" toml:"check_interval" json:"check_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" toml:"probe_timeout" json:"probe_timeout"`
	HistorySize   int           `yaml:"history_size" toml:"history_size" json:"history_size"`
}

// ConflictConfig selects the global conflict strategy.
type ConflictConfig struct {
	Strategy string `yaml:"strategy" toml:"strategy" json:"strategy"`
}

// TransportConfig configures the HTTP transport.
type TransportConfig struct {
	BaseURL           string        `yaml:"base_url" toml:"base_url" json:"base_url"`
	Timeout           time.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst" toml:"burst" json:"burst"`
	AuthToken         string        `yaml:"auth_token" toml:"auth_token" json:"-"`
}

// CacheConfig configures the read-through cache tier.
type CacheConfig struct {
	// Backend is one of none, memory, redis.
	Backend       string        `yaml:"backend" toml:"backend" json:"backend"`
	TTL           time.Duration `yaml:"ttl" toml:"ttl" json:"ttl"`
	RedisAddr     string        `yaml:"redis_addr" toml:"redis_addr" json:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password" json:"-"`
	RedisDB       int           `yaml:"redis_db" toml:"redis_db" json:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix" toml:"key_prefix" json:"key_prefix"`
}

// TelemetryConfig configures the opt-in telemetry sink.
type TelemetryConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	Sink         string   `yaml:"sink" toml:"sink" json:"sink"`
	KafkaBrokers []string `yaml:"kafka_brokers" toml:"kafka_brokers" json:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" toml:"kafka_topic" json:"kafka_topic"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level" json:"level"`
	File       string `yaml:"file" toml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress" json:"compress"`
}

// DevToolsConfig configures the inspection server.
type DevToolsConfig struct {
	Addr string `yaml:"addr" toml:"addr" json:"addr"`
}

// Default returns a configuration with sensible defaults.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Path:                 "marketsync.db",
			Codec:                "zstd",
			CompressionThreshold: 1024,
			BulkChunkSize:        50,
			CompressedFields: map[string][]string{
				"messages": {"content"},
				"products": {"description"},
			},
			Eviction: map[string]EvictionConfig{
				"messages":     {Strategy: "lru", MaxItems: 5000},
				"products":     {Strategy: "size", MaxBytes: 20 << 20},
				"transactions": {Strategy: "time", MaxAgeDays: 90},
				"generic":      {Strategy: "lru", MaxItems: 1000},
			},
		},
		Queue: QueueConfig{
			MaxRetries:          5,
			BaseDelay:           time.Second,
			MaxDelay:            5 * time.Minute,
			Jitter:              0.3,
			RateLimitMultiplier: 2,
			BatchingEnabled:     true,
			BatchSize:           10,
			MetricsWindow:       5 * time.Minute,
			MaxSize:             10000,
			ProcessInterval:     time.Minute,
		},
		Network: NetworkConfig{
			CheckInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			HistorySize:   10,
		},
		Conflict: ConflictConfig{Strategy: "server-wins"},
		Transport: TransportConfig{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Cache: CacheConfig{
			Backend:   "memory",
			TTL:       5 * time.Minute,
			KeyPrefix: "marketsync:",
		},
		Telemetry: TelemetryConfig{
			Sink:       "none",
			KafkaTopic: "marketsync.telemetry",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		DevTools: DevToolsConfig{Addr: "127.0.0.1:7788"},
	}
}

// Load reads path (YAML or TOML by extension) over the defaults, applies
// environment overrides and validates the result. An empty path yields
// defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "read config file", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "parse config "+path, err)
	}
	return nil
}

// ApplyEnv overrides scalar settings from MARKETSYNC_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				keep(apperrors.Wrap(apperrors.ErrInvalid, EnvPrefix+key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				keep(apperrors.Wrap(apperrors.ErrInvalid, EnvPrefix+key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				keep(apperrors.Wrap(apperrors.ErrInvalid, EnvPrefix+key, err))
				return
			}
			*dst = b
		}
	}

	str("STORAGE_PATH", &c.Storage.Path)
	str("STORAGE_CODEC", &c.Storage.Codec)
	integer("QUEUE_MAX_RETRIES", &c.Queue.MaxRetries)
	dur("QUEUE_BASE_DELAY", &c.Queue.BaseDelay)
	dur("QUEUE_MAX_DELAY", &c.Queue.MaxDelay)
	boolean("QUEUE_BATCHING", &c.Queue.BatchingEnabled)
	str("NETWORK_PROBE_URL", &c.Network.ProbeURL)
	dur("NETWORK_CHECK_INTERVAL", &c.Network.CheckInterval)
	str("CONFLICT_STRATEGY", &c.Conflict.Strategy)
	str("TRANSPORT_BASE_URL", &c.Transport.BaseURL)
	str("TRANSPORT_AUTH_TOKEN", &c.Transport.AuthToken)
	str("CACHE_BACKEND", &c.Cache.Backend)
	str("CACHE_REDIS_ADDR", &c.Cache.RedisAddr)
	boolean("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	str("TELEMETRY_SINK", &c.Telemetry.Sink)
	if v, ok := lookup(EnvPrefix + "TELEMETRY_KAFKA_BROKERS"); ok {
		c.Telemetry.KafkaBrokers = splitList(v)
	}
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FILE", &c.Logging.File)
	str("DEVTOOLS_ADDR", &c.DevTools.Addr)
	return firstErr
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	var problems []string
	switch c.Storage.Codec {
	case "zstd", "lz4":
	default:
		problems = append(problems, fmt.Sprintf("storage.codec %q (want zstd or lz4)", c.Storage.Codec))
	}
	if c.Storage.CompressionThreshold < 1 {
		problems = append(problems, "storage.compression_threshold must be positive")
	}
	if c.Storage.BulkChunkSize < 1 {
		problems = append(problems, "storage.bulk_chunk_size must be positive")
	}
	for store, ev := range c.Storage.Eviction {
		switch ev.Strategy {
		case "", "none":
		case "lru":
			if ev.MaxItems < 1 {
				problems = append(problems, fmt.Sprintf("storage.eviction.%s.max_items must be positive", store))
			}
		case "size":
			if ev.MaxBytes < 1 {
				problems = append(problems, fmt.Sprintf("storage.eviction.%s.max_bytes must be positive", store))
			}
		case "time":
			if ev.MaxAgeDays < 1 {
				problems = append(problems, fmt.Sprintf("storage.eviction.%s.max_age_days must be positive", store))
			}
		default:
			problems = append(problems, fmt.Sprintf("storage.eviction.%s.strategy %q", store, ev.Strategy))
		}
	}
	if c.Queue.MaxRetries < 1 {
		problems = append(problems, "queue.max_retries must be positive")
	}
	if c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay {
		problems = append(problems, "queue.base_delay must be positive and not above queue.max_delay")
	}
	if c.Queue.Jitter < 0 || c.Queue.Jitter > 1 {
		problems = append(problems, "queue.jitter must be within [0,1]")
	}
	switch c.Conflict.Strategy {
	case "server-wins", "client-wins", "manual":
	default:
		problems = append(problems, fmt.Sprintf("conflict.strategy %q", c.Conflict.Strategy))
	}
	switch c.Cache.Backend {
	case "", "none", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			problems = append(problems, "cache.redis_addr required for redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("cache.backend %q", c.Cache.Backend))
	}
	switch c.Telemetry.Sink {
	case "", "none", "log":
	case "kafka":
		if len(c.Telemetry.KafkaBrokers) == 0 || c.Telemetry.KafkaTopic == "" {
			problems = append(problems, "telemetry.kafka_brokers and kafka_topic required for kafka sink")
		}
	default:
		problems = append(problems, fmt.Sprintf("telemetry.sink %q", c.Telemetry.Sink))
	}
	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrValidation, "invalid config: "+strings.Join(problems, "; "))
	}
	return nil
}
