// Package config holds the YAML-backed configuration for the orchestration
// engine. One file per concern, defaults in DefaultConfig, environment
// overrides applied on load.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"inkforge/internal/logging"
)

// Config holds all inkforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Adapter backends
	Backends BackendsConfig `yaml:"backends"`

	// Model router policy
	Router RouterConfig `yaml:"router"`

	// Inference executor
	Executor ExecutorConfig `yaml:"executor"`

	// Action gate
	Gate GateConfig `yaml:"gate"`

	// Embedding cache
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Agent role prompts and capability profiles
	Roles RolesConfig `yaml:"roles"`

	// Persistence
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the category file logger and audit log.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`           // enables file + audit logging
	Categories map[string]bool `yaml:"categories,omitempty"` // per-category toggle, all on when empty
	Level      string          `yaml:"level"`                // debug, info, warn, error
	Format     string          `yaml:"format"`               // json, text
}

// ToLogging maps the YAML section onto the logging package's config struct.
func (c LoggingConfig) ToLogging() logging.Config {
	return logging.Config{
		DebugMode:  c.DebugMode,
		Categories: c.Categories,
		Level:      c.Level,
		JSONFormat: c.Format == "json",
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "inkforge",
		Version: "0.4.0",

		Backends:  DefaultBackendsConfig(),
		Router:    DefaultRouterConfig(),
		Executor:  DefaultExecutorConfig(),
		Gate:      DefaultGateConfig(),
		Embedding: DefaultEmbeddingConfig(),
		Roles:     DefaultRolesConfig(),

		Store: StoreConfig{
			DatabasePath: "data/inkforge.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides overrides config values from environment variables.
// Only secrets and endpoints are overridable; policy stays in the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("INKFORGE_GENAI_API_KEY"); v != "" {
		c.Backends.GenAI.APIKey = v
	}
	if v := os.Getenv("INKFORGE_OLLAMA_ENDPOINT"); v != "" {
		c.Backends.Ollama.Endpoint = v
	}
	if v := os.Getenv("INKFORGE_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("INKFORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
