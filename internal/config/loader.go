package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "companion.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("COMPANION_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

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
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
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
	setString(&cfg.Logging.Level, "COMPANION_LOG_LEVEL")
	setString(&cfg.Logging.Service, "COMPANION_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "COMPANION_LOG_ASYNC")

	// Agent
	setString(&cfg.Agent.Binary, "COMPANION_AGENT_BINARY")
	setString(&cfg.Agent.DefaultType, "COMPANION_AGENT_DEFAULT_TYPE")
	setString(&cfg.Agent.DefaultModel, "COMPANION_AGENT_DEFAULT_MODEL")
	setInt(&cfg.Agent.StreamBufferKB, "COMPANION_AGENT_STREAM_BUFFER_KB")
	setList(&cfg.Agent.ForwardEnv, "COMPANION_AGENT_FORWARD_ENV")

	// Sandbox
	setString(&cfg.Sandbox.Engine, "COMPANION_SANDBOX_ENGINE")
	setString(&cfg.Sandbox.Image, "COMPANION_SANDBOX_IMAGE")
	setString(&cfg.Sandbox.WorkspacePath, "COMPANION_SANDBOX_WORKSPACE")
	setString(&cfg.Sandbox.CredentialsDir, "COMPANION_SANDBOX_CREDENTIALS_DIR")
	setString(&cfg.Sandbox.NamePrefix, "COMPANION_SANDBOX_NAME_PREFIX")
	setDuration(&cfg.Sandbox.RemoveTimeout, "COMPANION_SANDBOX_REMOVE_TIMEOUT")
	setInt(&cfg.Sandbox.MaxConcurrent, "COMPANION_SANDBOX_MAX_CONCURRENT")
	setInt(&cfg.Sandbox.Breaker.MaxFailures, "COMPANION_SANDBOX_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Sandbox.Breaker.Timeout, "COMPANION_SANDBOX_BREAKER_TIMEOUT")

	// Store
	setString(&cfg.Store.Driver, "COMPANION_STORE_DRIVER")
	setString(&cfg.Store.DSN, "COMPANION_STORE_DSN")
	setString(&cfg.Store.DSN, "DATABASE_URL")
	setInt32(&cfg.Store.MaxConns, "COMPANION_STORE_MAX_CONNS")

	// Relay
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SubjectPrefix, "COMPANION_NATS_SUBJECT_PREFIX")

	// Telemetry
	setBool(&cfg.Otel.Enabled, "COMPANION_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Otel.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.Otel.Insecure, "COMPANION_OTEL_INSECURE")

	// Cache
	setInt64(&cfg.Cache.MaxSizeMB, "COMPANION_CACHE_MAX_SIZE_MB")
	setDuration(&cfg.Cache.ImageTTL, "COMPANION_CACHE_IMAGE_TTL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Agent.Binary == "" {
		return errors.New("agent.binary is required")
	}
	if cfg.Sandbox.Engine == "" {
		return errors.New("sandbox.engine is required")
	}
	if cfg.Sandbox.WorkspacePath == "" || cfg.Sandbox.WorkspacePath[0] != '/' {
		return errors.New("sandbox.workspace_path must be an absolute path")
	}
	if cfg.Sandbox.RemoveTimeout <= 0 {
		return errors.New("sandbox.remove_timeout must be > 0")
	}
	if cfg.Sandbox.MaxConcurrent < 1 {
		return errors.New("sandbox.max_concurrent must be >= 1")
	}
	if cfg.Sandbox.Breaker.MaxFailures < 1 {
		return errors.New("sandbox.breaker.max_failures must be >= 1")
	}
	switch cfg.Store.Driver {
	case DriverNone:
	case DriverSQLite, DriverPostgres:
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", cfg.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is not one of none, sqlite, postgres", cfg.Store.Driver)
	}
	if cfg.Agent.StreamBufferKB < 64 {
		return errors.New("agent.stream_buffer_kb must be >= 64")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setList splits a comma-separated value, dropping empty items.
func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
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
