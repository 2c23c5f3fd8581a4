// Package config provides hierarchical configuration loading for companion.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration.
type Config struct {
	Logging Logging `yaml:"logging"`
	Agent   Agent   `yaml:"agent"`
	Sandbox Sandbox `yaml:"sandbox"`
	Store   Store   `yaml:"store"`
	NATS    NATS    `yaml:"nats"`
	Otel    Otel    `yaml:"otel"`
	Cache   Cache   `yaml:"cache"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Agent holds agent subprocess configuration.
type Agent struct {
	Binary         string `yaml:"binary"`           // Agent CLI executable (default: "claude")
	DefaultType    string `yaml:"default_type"`     // Type recorded when a spawn names none
	DefaultModel   string `yaml:"default_model"`    // Passed as --model when a spawn names none
	StreamBufferKB int    `yaml:"stream_buffer_kb"` // Max inbound frame size

	// ForwardEnv names host environment variables (API keys, tokens) that are
	// forwarded into sandbox containers, where the host env is not inherited.
	ForwardEnv []string `yaml:"forward_env"`
}

// Sandbox holds container manager configuration.
type Sandbox struct {
	Engine         string        `yaml:"engine"`          // Container engine binary (default: "docker")
	Image          string        `yaml:"image"`           // Default image and build tag
	WorkspacePath  string        `yaml:"workspace_path"`  // In-container bind target for the host cwd
	CredentialsDir string        `yaml:"credentials_dir"` // Host agent credentials, mounted read-only
	NamePrefix     string        `yaml:"name_prefix"`
	RemoveTimeout  time.Duration `yaml:"remove_timeout"` // Per-container bound during cleanup
	MaxConcurrent  int           `yaml:"max_concurrent"` // Concurrent engine CLI calls
	Breaker        Breaker       `yaml:"breaker"`
}

// Breaker holds circuit breaker configuration for container creation.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Store holds sandbox record persistence configuration.
type Store struct {
	Driver   string `yaml:"driver"` // "none" | "sqlite" | "postgres"
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// NATS holds event relay configuration. An empty URL disables the relay.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Otel holds OpenTelemetry export configuration.
type Otel struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Cache holds in-process cache configuration.
type Cache struct {
	MaxSizeMB int64         `yaml:"max_size_mb"`
	ImageTTL  time.Duration `yaml:"image_ttl"`
}

// Store drivers.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Defaults returns a Config with sensible default values for local use.
func Defaults() Config {
	return Config{
		Logging: Logging{
			Level:   "info",
			Service: "companion",
		},
		Agent: Agent{
			Binary:         "claude",
			DefaultType:    "general-purpose",
			StreamBufferKB: 1024,
			ForwardEnv:     []string{"ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "CLAUDE_CODE_OAUTH_TOKEN"},
		},
		Sandbox: Sandbox{
			Engine:         "docker",
			Image:          "companion-dev:latest",
			WorkspacePath:  "/workspace",
			CredentialsDir: "~/.claude",
			NamePrefix:     "companion",
			RemoveTimeout:  15 * time.Second,
			MaxConcurrent:  4,
			Breaker: Breaker{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		Store: Store{
			Driver:   DriverSQLite,
			DSN:      "companion.db",
			MaxConns: 4,
		},
		NATS: NATS{
			SubjectPrefix: "companion",
		},
		Otel: Otel{
			Endpoint:    "localhost:4317",
			ServiceName: "companion",
			Insecure:    true,
		},
		Cache: Cache{
			MaxSizeMB: 8,
			ImageTTL:  time.Minute,
		},
	}
}
