// Package config provides configuration structures and loading logic for
// the PAP server, plus pipeline spec loading for clients.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig locates the artifact store and process scratch space.
type StorageConfig struct {
	// Root is the artifact store directory. Empty selects an in-memory
	// store, which loses artifacts on restart.
	Root string `yaml:"root"`
	// Scratch is where process steps get working directories.
	Scratch string `yaml:"scratch"`
}

// EngineConfig tunes run execution defaults.
type EngineConfig struct {
	// DefaultTimeoutMS applies to process steps that declare no timeout.
	// Zero means unlimited.
	DefaultTimeoutMS int `yaml:"default_timeout_ms"`
	// GracePeriodMS bounds cooperative termination of cancelled steps.
	GracePeriodMS int `yaml:"grace_period_ms"`
	// RetryInitialBackoffMS and RetryMaxBackoffMS shape the step retry
	// backoff curve.
	RetryInitialBackoffMS int `yaml:"retry_initial_backoff_ms"`
	RetryMaxBackoffMS     int `yaml:"retry_max_backoff_ms"`
}

// PolicyConfig locates admission policy modules.
type PolicyConfig struct {
	// Dir is scanned for *.rego modules at startup and on reload.
	Dir string `yaml:"dir"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:  ServerConfig{Address: ":8080"},
		Storage: StorageConfig{Scratch: os.TempDir()},
		Engine: EngineConfig{
			GracePeriodMS:         10_000,
			RetryInitialBackoffMS: 100,
			RetryMaxBackoffMS:     5_000,
		},
		Logging: LoggingConfig{Level: "info"},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("PAP_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("PAP_STORE_ROOT"); val != "" {
		cfg.Storage.Root = val
	}
	if val := os.Getenv("PAP_SCRATCH_DIR"); val != "" {
		cfg.Storage.Scratch = val
	}

	if val := os.Getenv("PAP_DEFAULT_TIMEOUT_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			cfg.Engine.DefaultTimeoutMS = ms
		}
	}

	if val := os.Getenv("PAP_POLICY_DIR"); val != "" {
		cfg.Policy.Dir = val
	}

	if val := os.Getenv("PAP_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("PAP_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("PAP_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate checks invariants a running server depends on.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Engine.DefaultTimeoutMS < 0 {
		return fmt.Errorf("engine.default_timeout_ms must not be negative")
	}
	if c.Engine.GracePeriodMS < 0 {
		return fmt.Errorf("engine.grace_period_ms must not be negative")
	}
	return nil
}

// PolicyModules reads every *.rego module under the policy dir. A missing
// or empty dir yields no modules, which disables admission control.
func (c *Config) PolicyModules() (map[string]string, error) {
	if c.Policy.Dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(c.Policy.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read policy dir: %w", err)
	}
	modules := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		//nolint:gosec // Policy dir is controlled by the operator
		data, err := os.ReadFile(c.Policy.Dir + string(os.PathSeparator) + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read policy module %s: %w", entry.Name(), err)
		}
		modules[entry.Name()] = string(data)
	}
	return modules, nil
}
