package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "opserver.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The env file named by ENV_FILE is
// applied to the process environment first. Both files are optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := LoadEnvFile(EnvFilePath()); err != nil {
		return nil, fmt.Errorf("config env file: %w", err)
	}

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "OPSERVER_PORT")
	setString(&cfg.Server.CORSOrigin, "OPSERVER_CORS_ORIGIN")
	setDuration(&cfg.Server.ReadTimeout, "OPSERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "OPSERVER_SHUTDOWN_TIMEOUT")

	// OPERATION_SERVER_HOME is the name operation descriptors reference.
	setString(&cfg.Operations.Home, "MDT_OPERATION_SERVER_HOME")
	setString(&cfg.Operations.Home, "OPERATION_SERVER_HOME")
	setString(&cfg.Operations.Home, "OPSERVER_HOME")
	setDuration(&cfg.Operations.SessionRetention, "OPSERVER_SESSION_RETENTION")
	setInt64(&cfg.Operations.MaxClosedSessions, "OPSERVER_MAX_CLOSED_SESSIONS")
	setBool(&cfg.Operations.Preload, "OPSERVER_PRELOAD")
	setString(&cfg.Operations.FileRoot, "OPSERVER_FILE_ROOT")

	setString(&cfg.Logging.Level, "OPSERVER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "OPSERVER_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "OPSERVER_LOG_ASYNC")

	setString(&cfg.NATS.URL, "NATS_URL")

	setBool(&cfg.OTEL.Enabled, "OPSERVER_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "OPSERVER_OTEL_INSECURE")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setFloat64(&cfg.OTEL.SampleRate, "OPSERVER_OTEL_SAMPLE_RATE")
	setDuration(&cfg.OTEL.MetricInterval, "OPSERVER_OTEL_METRIC_INTERVAL")

	setInt(&cfg.Breaker.MaxFailures, "OPSERVER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "OPSERVER_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "OPSERVER_RATE_RPS")
	setInt(&cfg.Rate.Burst, "OPSERVER_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "OPSERVER_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "OPSERVER_RATE_MAX_IDLE_TIME")

	setInt64(&cfg.Limits.MaxRequestBody, "OPSERVER_MAX_REQUEST_BODY")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Operations.Home == "" {
		return errors.New("operations.home is required")
	}
	if cfg.Operations.SessionRetention <= 0 {
		return errors.New("operations.session_retention must be > 0")
	}
	if cfg.Operations.MaxClosedSessions < 1 {
		return errors.New("operations.max_closed_sessions must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.OTEL.SampleRate < 0 || cfg.OTEL.SampleRate > 1 {
		return errors.New("otel.sample_rate must be within [0, 1]")
	}
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint == "" {
		return errors.New("otel.endpoint is required when otel is enabled")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
