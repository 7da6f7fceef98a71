// Package config provides hierarchical configuration loading for runstream.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the runstream client and daemon.
type Config struct {
	Server   Server   `yaml:"server"`
	Stream   Stream   `yaml:"stream"`
	History  History  `yaml:"history"`
	Postgres Postgres `yaml:"postgres"`
	NATS     NATS     `yaml:"nats"`
	Cache    Cache    `yaml:"cache"`
	Breaker  Breaker  `yaml:"breaker"`
	Logging  Logging  `yaml:"logging"`
	OTel     OTel     `yaml:"otel"`
}

// Server holds the control API configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"` // 0 disables rate limiting
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	IdempotencyTTL  time.Duration `yaml:"idempotency_ttl"`
}

// Stream holds the run-stream connection configuration.
type Stream struct {
	BaseURL       string        `yaml:"base_url"`        // ws:// or http:// base of the run server
	AuthToken     string        `yaml:"auth_token"`      // sent in the open frame, never logged
	AuthTokenFile string        `yaml:"auth_token_file"` // overrides AuthToken; re-read on SIGHUP
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadLimit     int64         `yaml:"read_limit"`           // max frame size in bytes
	MaxDials      int           `yaml:"max_concurrent_dials"` // 0 is unlimited
}

// History holds the historical run API configuration.
type History struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	DefaultLimit int           `yaml:"default_limit"`
}

// Postgres holds the run archive configuration. An empty DSN disables the archive.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration. An empty URL disables the bus.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	KVBucket      string `yaml:"kv_bucket"`
}

// Cache holds the history cache configuration.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L2TTL       time.Duration `yaml:"l2_ttl"`
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// OTel holds OpenTelemetry exporter configuration.
type OTel struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC host:port
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8090",
			CORSOrigin:      "http://localhost:3000",
			ShutdownTimeout: 10 * time.Second,
			RateLimitRPS:    20,
			RateLimitBurst:  40,
			IdempotencyTTL:  24 * time.Hour,
		},
		Stream: Stream{
			BaseURL:     "ws://localhost:8000",
			DialTimeout: 10 * time.Second,
			ReadLimit:   1 << 20,
			MaxDials:    16,
		},
		History: History{
			BaseURL:      "http://localhost:8000",
			Timeout:      15 * time.Second,
			DefaultLimit: 20,
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			SubjectPrefix: "runstream",
			KVBucket:      "RUNSTREAM_HISTORY",
		},
		Cache: Cache{
			L1MaxSizeMB: 64,
			L2TTL:       10 * time.Minute,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Logging: Logging{
			Level:   "info",
			Service: "runstream",
		},
		OTel: OTel{
			Endpoint:    "localhost:4317",
			ServiceName: "runstream",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}
