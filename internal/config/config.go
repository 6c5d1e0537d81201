// Package config provides hierarchical configuration loading for opserver.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the operation server.
type Config struct {
	Server     Server     `yaml:"server"`
	Operations Operations `yaml:"operations"`
	Logging    Logging    `yaml:"logging"`
	NATS       NATS       `yaml:"nats"`
	OTEL       OTEL       `yaml:"otel"`
	Breaker    Breaker    `yaml:"breaker"`
	Rate       Rate       `yaml:"rate"`
	Limits     Limits     `yaml:"limits"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Operations holds where descriptors live and how long finished sessions
// are kept.
type Operations struct {
	Home              string        `yaml:"home"`                // directory with one subdirectory per operation
	SessionRetention  time.Duration `yaml:"session_retention"`   // default closed-session retention
	MaxClosedSessions int64         `yaml:"max_closed_sessions"` // closed-session cache capacity
	Preload           bool          `yaml:"preload"`             // load every descriptor at startup
	FileRoot          string        `yaml:"file_root"`           // file values may be copied from paths under it; empty allows inline content only
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// NATS holds NATS JetStream configuration. An empty URL disables the
// event bridge.
type NATS struct {
	URL string `yaml:"url"`
}

// OTEL holds OpenTelemetry exporter configuration.
type OTEL struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"`
	Insecure       bool          `yaml:"insecure"`
	ServiceName    string        `yaml:"service_name"`
	SampleRate     float64       `yaml:"sample_rate"`
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// Breaker holds circuit breaker configuration for simulator calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds the per-client rate limit applied to run requests.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// Limits holds request size limits.
type Limits struct {
	MaxRequestBody int64 `yaml:"max_request_body"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			CORSOrigin:      "http://localhost:3000",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Operations: Operations{
			Home:              "operations",
			SessionRetention:  5 * time.Minute,
			MaxClosedSessions: 10000,
			Preload:           true,
		},
		Logging: Logging{
			Level:   "info",
			Service: "opserver",
		},
		OTEL: OTEL{
			Endpoint:       "localhost:4317",
			Insecure:       true,
			ServiceName:    "opserver",
			SampleRate:     1.0,
			MetricInterval: 30 * time.Second,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 10,
			Burst:             100,
			CleanupInterval:   5 * time.Minute,
			MaxIdleTime:       10 * time.Minute,
		},
		Limits: Limits{
			MaxRequestBody: 32 << 20,
		},
	}
}
