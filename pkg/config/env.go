package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ILINCS_"

// LookupFunc looks up an environment variable (os.LookupEnv).
type LookupFunc func(key string) (string, bool)

// envVar binds one environment variable to a config field.
type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func float(dst func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envVars = []envVar{
	{"BASE_URL", str(func(c *Config) *string { return &c.API.BaseURL })},
	{"USER_AGENT", str(func(c *Config) *string { return &c.API.UserAgent })},
	{"REQUESTS_PER_SECOND", float(func(c *Config) *float64 { return &c.API.RequestsPerSecond })},
	{"BURST", integer(func(c *Config) *int { return &c.API.Burst })},
	{"REQUEST_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.API.RequestTimeout })},
	{"METADATA_RETRIES", integer(func(c *Config) *int { return &c.API.MetadataRetries })},

	{"LIBRARY", str(func(c *Config) *string { return &c.Retrieval.Library })},
	{"TOP_GENES", integer(func(c *Config) *int { return &c.Retrieval.TopGenes })},
	{"DISPLAY", boolean(func(c *Config) *bool { return &c.Retrieval.Display })},
	{"BATCH_SIZE", integer(func(c *Config) *int { return &c.Retrieval.BatchSize })},
	{"RETRIES", integer(func(c *Config) *int { return &c.Retrieval.Retries })},
	{"TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Retrieval.Timeout })},
	{"BACKOFF_UNIT", duration(func(c *Config) *time.Duration { return &c.Retrieval.BackoffUnit })},
	{"CONCURRENCY", integer(func(c *Config) *int { return &c.Retrieval.Concurrency })},
	{"RETRY_MALFORMED", boolean(func(c *Config) *bool { return &c.Retrieval.RetryMalformed })},

	{"CACHE_BACKEND", str(func(c *Config) *string { return &c.Cache.Backend })},
	{"REDIS_URL", str(func(c *Config) *string { return &c.Cache.RedisURL })},
	{"PEBBLE_DIR", str(func(c *Config) *string { return &c.Cache.PebbleDir })},
	{"CACHE_TTL", duration(func(c *Config) *time.Duration { return &c.Cache.TTL })},

	{"OUTPUT_BACKEND", str(func(c *Config) *string { return &c.Output.Backend })},
	{"OUTPUT_DIR", str(func(c *Config) *string { return &c.Output.Dir })},
	{"S3_BUCKET", str(func(c *Config) *string { return &c.Output.S3Bucket })},
	{"S3_PREFIX", str(func(c *Config) *string { return &c.Output.S3Prefix })},
	{"S3_REGION", str(func(c *Config) *string { return &c.Output.S3Region })},

	{"SCHEDULE", str(func(c *Config) *string { return &c.Schedule.Cron })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_PRETTY", boolean(func(c *Config) *bool { return &c.Logging.Pretty })},
	{"METRICS_ADDR", str(func(c *Config) *string { return &c.Metrics.Addr })},
}

// ApplyEnv overrides fields from ILINCS_* variables found by lookup.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, ev := range envVars {
		name := EnvPrefix + ev.name
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := ev.set(c, v); err != nil {
			return fmt.Errorf("env %s=%q: %w", name, v, err)
		}
	}
	return nil
}
