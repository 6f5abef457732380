// Package config loads the ilincs-freeze configuration from a YAML file
// and ILINCS_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/ilincs-freeze/pkg/batch"
	"github.com/Sternrassler/ilincs-freeze/pkg/cache"
	"github.com/Sternrassler/ilincs-freeze/pkg/client"
	"github.com/Sternrassler/ilincs-freeze/pkg/freeze"
	"github.com/Sternrassler/ilincs-freeze/pkg/logging"
	"github.com/Sternrassler/ilincs-freeze/pkg/schedule"
	"gopkg.in/yaml.v3"
)

// DefaultUserAgent identifies the tool to iLINCS.
const DefaultUserAgent = "ilincs-freeze/1.0 (+https://github.com/Sternrassler/ilincs-freeze)"

// Cache backends.
const (
	CacheNone   = "none"
	CacheRedis  = "redis"
	CachePebble = "pebble"
)

// Output backends.
const (
	OutputDir = "dir"
	OutputS3  = "s3"
)

// Config is the complete tool configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Cache     CacheConfig     `yaml:"cache"`
	Output    OutputConfig    `yaml:"output"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// APIConfig configures the iLINCS client.
type APIConfig struct {
	BaseURL           string        `yaml:"base_url"`
	UserAgent         string        `yaml:"user_agent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MetadataRetries   int           `yaml:"metadata_retries"`
}

// RetrievalConfig configures signature selection and batch retrieval.
type RetrievalConfig struct {
	Library        string        `yaml:"library"`
	TopGenes       int           `yaml:"top_genes"`
	Display        bool          `yaml:"display"`
	BatchSize      int           `yaml:"batch_size"`
	Retries        int           `yaml:"retries"`
	Timeout        time.Duration `yaml:"timeout"`
	BackoffUnit    time.Duration `yaml:"backoff_unit"`
	Concurrency    int           `yaml:"concurrency"`
	RetryMalformed bool          `yaml:"retry_malformed"`
}

// CacheConfig selects the response cache. With a cache configured, a run
// replays signature vectors downloaded by earlier runs within TTL; the
// manifest counts those batches in batch.cached.
type CacheConfig struct {
	Backend   string        `yaml:"backend"`
	RedisURL  string        `yaml:"redis_url"`
	PebbleDir string        `yaml:"pebble_dir"`
	TTL       time.Duration `yaml:"ttl"`
}

// OutputConfig selects where artifacts are written.
type OutputConfig struct {
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

// ScheduleConfig holds the cron expression for recurring runs.
type ScheduleConfig struct {
	Cron string `yaml:"cron"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig configures the HTTP endpoint for /metrics, /health and /ready.
// An empty address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	opts := batch.DefaultOptions(freeze.DefaultTopGenes, true)
	return Config{
		API: APIConfig{
			BaseURL:           client.DefaultBaseURL,
			UserAgent:         DefaultUserAgent,
			RequestsPerSecond: 2,
			Burst:             1,
			RequestTimeout:    client.DefaultRequestTimeout,
			MetadataRetries:   client.DefaultRetryPolicy().MaxAttempts,
		},
		Retrieval: RetrievalConfig{
			Library:        freeze.DefaultLibrary,
			TopGenes:       freeze.DefaultTopGenes,
			Display:        true,
			BatchSize:      opts.BatchSize,
			Retries:        opts.Retries,
			Timeout:        opts.Timeout,
			BackoffUnit:    opts.BackoffUnit,
			Concurrency:    opts.Concurrency,
			RetryMalformed: opts.RetryMalformed,
		},
		Cache: CacheConfig{
			Backend:   CacheNone,
			PebbleDir: ".ilincs-cache",
			TTL:       cache.DefaultTTL,
		},
		Output: OutputConfig{
			Backend: OutputDir,
			Dir:     "data/ilincs",
		},
		Logging: LoggingConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// decode unmarshals YAML strictly; unknown keys are errors.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if strings.TrimSpace(c.API.UserAgent) == "" {
		return errors.New("api.user_agent is required")
	}
	if c.API.RequestsPerSecond < 0 {
		return fmt.Errorf("api.requests_per_second must not be negative (got %v)", c.API.RequestsPerSecond)
	}
	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("api.request_timeout must be > 0 (got %v)", c.API.RequestTimeout)
	}
	if c.API.MetadataRetries < 1 {
		return fmt.Errorf("api.metadata_retries must be >= 1 (got %d)", c.API.MetadataRetries)
	}

	if c.Retrieval.Library == "" {
		return errors.New("retrieval.library is required")
	}
	if err := c.Freeze().Batch.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}

	switch c.Cache.Backend {
	case CacheNone, "":
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return errors.New("cache.redis_url is required for the redis backend")
		}
	case CachePebble:
		if c.Cache.PebbleDir == "" {
			return errors.New("cache.pebble_dir is required for the pebble backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q (want none, redis or pebble)", c.Cache.Backend)
	}

	switch c.Output.Backend {
	case OutputDir:
		if c.Output.Dir == "" {
			return errors.New("output.dir is required for the dir backend")
		}
	case OutputS3:
		if c.Output.S3Bucket == "" {
			return errors.New("output.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown output.backend %q (want dir or s3)", c.Output.Backend)
	}

	if c.Schedule.Cron != "" {
		if err := schedule.Validate(c.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}

// Client returns the iLINCS client configuration. The cache store is wired
// by the caller.
func (c Config) Client() client.Config {
	cfg := client.DefaultConfig(c.API.UserAgent)
	cfg.BaseURL = c.API.BaseURL
	cfg.RequestsPerSecond = c.API.RequestsPerSecond
	cfg.Burst = c.API.Burst
	cfg.RequestTimeout = c.API.RequestTimeout
	cfg.CacheTTL = c.Cache.TTL
	cfg.Retry.MaxAttempts = c.API.MetadataRetries
	cfg.Retry.BackoffUnit = c.Retrieval.BackoffUnit
	cfg.Retry.RetryMalformed = c.Retrieval.RetryMalformed
	return cfg
}

// Freeze returns the freeze run configuration.
func (c Config) Freeze() freeze.Config {
	r := c.Retrieval
	return freeze.Config{
		Library:  r.Library,
		TopGenes: r.TopGenes,
		Display:  r.Display,
		Batch: batch.Options{
			TopN:           r.TopGenes,
			Display:        r.Display,
			BatchSize:      r.BatchSize,
			Retries:        r.Retries,
			Timeout:        r.Timeout,
			BackoffUnit:    r.BackoffUnit,
			Concurrency:    r.Concurrency,
			RetryMalformed: r.RetryMalformed,
		},
	}
}

// LoggerConfig returns the logger configuration.
func (c Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(strings.ToLower(c.Logging.Level))
	cfg.Pretty = c.Logging.Pretty
	return cfg
}
