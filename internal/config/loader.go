package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "runstream.yaml"

// Load is LoadFrom(DefaultConfigFile).
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom layers defaults, the YAML file at yamlPath (optional) and the
// environment, then validates the result. Unknown YAML keys and malformed
// environment values are errors.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	if err := loadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// envBinding overlays one environment variable onto a config field.
type envBinding struct {
	key   string
	apply func(raw string) error
}

func str(dst *string) func(string) error {
	return func(raw string) error { *dst = raw; return nil }
}

func parsed[T any](dst *T, parse func(string) (T, error)) func(string) error {
	return func(raw string) error {
		v, err := parse(raw)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func integer[T int | int32 | int64](dst *T) func(string) error {
	return parsed(dst, func(raw string) (T, error) {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && int64(T(n)) != n {
			err = strconv.ErrRange
		}
		return T(n), err
	})
}

func boolean(dst *bool) func(string) error { return parsed(dst, strconv.ParseBool) }

func duration(dst *time.Duration) func(string) error { return parsed(dst, time.ParseDuration) }

func float(dst *float64) func(string) error {
	return parsed(dst, func(raw string) (float64, error) { return strconv.ParseFloat(raw, 64) })
}

// envBindings lists every supported variable. Later entries win, so the
// RUNSTREAM_ spelling overrides the generic one.
func envBindings(cfg *Config) []envBinding {
	return []envBinding{
		{"RUNSTREAM_PORT", str(&cfg.Server.Port)},
		{"RUNSTREAM_CORS_ORIGIN", str(&cfg.Server.CORSOrigin)},
		{"RUNSTREAM_SHUTDOWN_TIMEOUT", duration(&cfg.Server.ShutdownTimeout)},
		{"RUNSTREAM_RATE_LIMIT_RPS", float(&cfg.Server.RateLimitRPS)},
		{"RUNSTREAM_RATE_LIMIT_BURST", integer(&cfg.Server.RateLimitBurst)},
		{"RUNSTREAM_IDEMPOTENCY_TTL", duration(&cfg.Server.IdempotencyTTL)},

		{"RUNSTREAM_STREAM_URL", str(&cfg.Stream.BaseURL)},
		{"RUNSTREAM_AUTH_TOKEN", str(&cfg.Stream.AuthToken)},
		{"RUNSTREAM_AUTH_TOKEN_FILE", str(&cfg.Stream.AuthTokenFile)},
		{"RUNSTREAM_DIAL_TIMEOUT", duration(&cfg.Stream.DialTimeout)},
		{"RUNSTREAM_READ_LIMIT", integer(&cfg.Stream.ReadLimit)},
		{"RUNSTREAM_MAX_CONCURRENT_DIALS", integer(&cfg.Stream.MaxDials)},

		{"RUNSTREAM_HISTORY_URL", str(&cfg.History.BaseURL)},
		{"RUNSTREAM_HISTORY_TIMEOUT", duration(&cfg.History.Timeout)},
		{"RUNSTREAM_HISTORY_LIMIT", integer(&cfg.History.DefaultLimit)},

		{"DATABASE_URL", str(&cfg.Postgres.DSN)},
		{"RUNSTREAM_PG_DSN", str(&cfg.Postgres.DSN)},
		{"RUNSTREAM_PG_MAX_CONNS", integer(&cfg.Postgres.MaxConns)},
		{"RUNSTREAM_PG_MIN_CONNS", integer(&cfg.Postgres.MinConns)},

		{"NATS_URL", str(&cfg.NATS.URL)},
		{"RUNSTREAM_NATS_URL", str(&cfg.NATS.URL)},
		{"RUNSTREAM_NATS_PREFIX", str(&cfg.NATS.SubjectPrefix)},
		{"RUNSTREAM_NATS_KV_BUCKET", str(&cfg.NATS.KVBucket)},

		{"RUNSTREAM_CACHE_L1_MB", integer(&cfg.Cache.L1MaxSizeMB)},
		{"RUNSTREAM_CACHE_L2_TTL", duration(&cfg.Cache.L2TTL)},

		{"RUNSTREAM_BREAKER_MAX_FAILURES", integer(&cfg.Breaker.MaxFailures)},
		{"RUNSTREAM_BREAKER_TIMEOUT", duration(&cfg.Breaker.Timeout)},

		{"RUNSTREAM_LOG_LEVEL", str(&cfg.Logging.Level)},
		{"RUNSTREAM_LOG_SERVICE", str(&cfg.Logging.Service)},
		{"RUNSTREAM_LOG_ASYNC", boolean(&cfg.Logging.Async)},

		{"RUNSTREAM_OTEL_ENABLED", boolean(&cfg.OTel.Enabled)},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", str(&cfg.OTel.Endpoint)},
		{"RUNSTREAM_OTEL_SERVICE_NAME", str(&cfg.OTel.ServiceName)},
		{"RUNSTREAM_OTEL_INSECURE", boolean(&cfg.OTel.Insecure)},
		{"RUNSTREAM_OTEL_SAMPLE_RATE", float(&cfg.OTel.SampleRate)},
	}
}

// loadEnv applies every non-empty bound variable. A value that does not
// parse leaves its field untouched and is reported.
func loadEnv(cfg *Config) error {
	var errs []error
	for _, b := range envBindings(cfg) {
		raw := os.Getenv(b.key)
		if raw == "" {
			continue
		}
		if err := b.apply(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", b.key, raw, err))
		}
	}
	return errors.Join(errs...)
}

// validate reports every violated constraint at once.
func validate(cfg *Config) error {
	checks := []struct {
		bad bool
		msg string
	}{
		{cfg.Server.Port == "", "server.port is required"},
		{cfg.Server.RateLimitRPS < 0, "server.rate_limit_rps must be >= 0"},
		{cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst < 1, "server.rate_limit_burst must be >= 1 when rate limiting is enabled"},
		{cfg.Stream.BaseURL == "", "stream.base_url is required"},
		{cfg.Stream.DialTimeout <= 0, "stream.dial_timeout must be > 0"},
		{cfg.Stream.MaxDials < 0, "stream.max_concurrent_dials must be >= 0"},
		{cfg.History.DefaultLimit < 1, "history.default_limit must be >= 1"},
		{cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1, "postgres.max_conns must be >= 1"},
		{cfg.NATS.URL != "" && cfg.NATS.SubjectPrefix == "", "nats.subject_prefix is required when nats.url is set"},
		{cfg.Breaker.MaxFailures < 1, "breaker.max_failures must be >= 1"},
		{cfg.OTel.SampleRate < 0 || cfg.OTel.SampleRate > 1, "otel.sample_rate must be between 0 and 1"},
	}
	var errs []error
	for _, c := range checks {
		if c.bad {
			errs = append(errs, errors.New(c.msg))
		}
	}
	return errors.Join(errs...)
}
