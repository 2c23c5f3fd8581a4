package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Agent.Binary != "claude" {
		t.Errorf("expected binary claude, got %s", cfg.Agent.Binary)
	}
	if cfg.Sandbox.WorkspacePath != "/workspace" {
		t.Errorf("expected workspace /workspace, got %s", cfg.Sandbox.WorkspacePath)
	}
	if cfg.Sandbox.RemoveTimeout != 15*time.Second {
		t.Errorf("expected remove timeout 15s, got %v", cfg.Sandbox.RemoveTimeout)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("expected relay disabled by default, got %s", cfg.NATS.URL)
	}
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
logging:
  level: "debug"
sandbox:
  image: "node:22"
  remove_timeout: 5s
  breaker:
    max_failures: 2
store:
  driver: "postgres"
  dsn: "postgres://localhost/companion"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Sandbox.Image != "node:22" {
		t.Errorf("expected image node:22, got %s", cfg.Sandbox.Image)
	}
	if cfg.Sandbox.RemoveTimeout != 5*time.Second {
		t.Errorf("expected remove timeout 5s, got %v", cfg.Sandbox.RemoveTimeout)
	}
	if cfg.Sandbox.Breaker.MaxFailures != 2 {
		t.Errorf("expected breaker max failures 2, got %d", cfg.Sandbox.Breaker.MaxFailures)
	}
	if cfg.Store.Driver != DriverPostgres {
		t.Errorf("expected postgres driver, got %s", cfg.Store.Driver)
	}
	// Unchanged fields keep defaults
	if cfg.Sandbox.WorkspacePath != "/workspace" {
		t.Errorf("expected default workspace, got %s", cfg.Sandbox.WorkspacePath)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, "/nonexistent/path.yaml"); err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("sandbox: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("COMPANION_AGENT_BINARY", "/opt/bin/claude")
	t.Setenv("COMPANION_SANDBOX_MAX_CONCURRENT", "8")
	t.Setenv("COMPANION_SANDBOX_REMOVE_TIMEOUT", "1m")
	t.Setenv("COMPANION_LOG_ASYNC", "true")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("COMPANION_CACHE_MAX_SIZE_MB", "16")
	t.Setenv("COMPANION_STORE_MAX_CONNS", "9")
	t.Setenv("COMPANION_AGENT_FORWARD_ENV", "OPENAI_API_KEY, ,GH_TOKEN")

	loadEnv(&cfg)

	if cfg.Agent.Binary != "/opt/bin/claude" {
		t.Errorf("expected binary override, got %s", cfg.Agent.Binary)
	}
	if cfg.Sandbox.MaxConcurrent != 8 {
		t.Errorf("expected max concurrent 8, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.RemoveTimeout != time.Minute {
		t.Errorf("expected remove timeout 1m, got %v", cfg.Sandbox.RemoveTimeout)
	}
	if !cfg.Logging.Async {
		t.Error("expected async logging")
	}
	if cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("expected NATS url, got %s", cfg.NATS.URL)
	}
	if cfg.Cache.MaxSizeMB != 16 {
		t.Errorf("expected cache 16MB, got %d", cfg.Cache.MaxSizeMB)
	}
	if cfg.Store.MaxConns != 9 {
		t.Errorf("expected max conns 9, got %d", cfg.Store.MaxConns)
	}
	if len(cfg.Agent.ForwardEnv) != 2 || cfg.Agent.ForwardEnv[1] != "GH_TOKEN" {
		t.Errorf("expected forward env [OPENAI_API_KEY GH_TOKEN], got %v", cfg.Agent.ForwardEnv)
	}
}

func TestEnvInvalidValuesIgnored(t *testing.T) {
	cfg := Defaults()

	t.Setenv("COMPANION_SANDBOX_MAX_CONCURRENT", "lots")
	t.Setenv("COMPANION_SANDBOX_REMOVE_TIMEOUT", "soon")

	loadEnv(&cfg)

	if cfg.Sandbox.MaxConcurrent != 4 {
		t.Errorf("expected default max concurrent, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.RemoveTimeout != 15*time.Second {
		t.Errorf("expected default remove timeout, got %v", cfg.Sandbox.RemoveTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty binary", func(c *Config) { c.Agent.Binary = "" }, "agent.binary"},
		{"relative workspace", func(c *Config) { c.Sandbox.WorkspacePath = "workspace" }, "workspace_path"},
		{"zero remove timeout", func(c *Config) { c.Sandbox.RemoveTimeout = 0 }, "remove_timeout"},
		{"zero concurrency", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, "max_concurrent"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"sqlite without dsn", func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"tiny buffer", func(c *Config) { c.Agent.StreamBufferKB = 1 }, "stream_buffer_kb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}

	cfg := Defaults()
	cfg.Store.Driver = DriverNone
	cfg.Store.DSN = ""
	if err := validate(&cfg); err != nil {
		t.Fatalf("driver none needs no dsn, got %v", err)
	}
}

func TestLoadFrom_FullHierarchy(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte(`
logging:
  level: "debug"
agent:
  binary: "yaml-claude"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("COMPANION_AGENT_BINARY", "env-claude")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Agent.Binary != "env-claude" {
		t.Errorf("expected env to win, got %s", cfg.Agent.Binary)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected yaml level debug, got %s", cfg.Logging.Level)
	}
}
