// Package config provides configuration types and defaults for batchflow.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/batchflow/internal/batch"
	"github.com/zjrosen/batchflow/internal/engine"
	"github.com/zjrosen/batchflow/internal/executor/httpop"
	"github.com/zjrosen/batchflow/internal/log"
	"github.com/zjrosen/batchflow/internal/tracing"
)

// Config holds all configuration options for batchflow.
type Config struct {
	Scheduler batch.Config   `mapstructure:"scheduler"`
	Engine    engine.Config  `mapstructure:"engine"`
	Registry  RegistryConfig `mapstructure:"registry"`
	Store     StoreConfig    `mapstructure:"store"`
	Executor  httpop.Config  `mapstructure:"executor"`
	Tracing   tracing.Config `mapstructure:"tracing"`
	Log       LogConfig      `mapstructure:"log"`
}

// RegistryConfig controls where custom templates come from.
type RegistryConfig struct {
	// UserDir holds custom template YAML files, loaded at startup.
	// Default: ~/.config/batchflow/templates
	UserDir string `mapstructure:"user_dir"`

	// Watch reloads UserDir when its files change.
	Watch bool `mapstructure:"watch"`

	// Owner namespaces templates loaded from UserDir.
	Owner string `mapstructure:"owner"`
}

// StoreConfig controls the SQLite store for custom templates and batches.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // Default: ~/.config/batchflow/batchflow.db
}

// LogConfig controls the file logger.
type LogConfig struct {
	Path  string `mapstructure:"path"` // empty disables logging
	Debug bool   `mapstructure:"debug"`
}

// DefaultConfigDir returns ~/.config/batchflow, or .batchflow when the home
// directory is unknown.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".batchflow"
	}
	return filepath.Join(home, ".config", "batchflow")
}

// DefaultConfigPath returns the config file inside DefaultConfigDir.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	dir := DefaultConfigDir()
	return Config{
		Scheduler: batch.DefaultConfig(),
		Engine:    engine.DefaultConfig(),
		Registry: RegistryConfig{
			UserDir: filepath.Join(dir, "templates"),
			Watch:   false,
			Owner:   "local",
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "batchflow.db"),
		},
		Executor: httpop.DefaultConfig(),
		Tracing:  tracing.DefaultConfig(),
	}
}

// Validate checks every section and joins the failures.
func (c Config) Validate() error {
	var errs []error
	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if c.Registry.Watch && c.Registry.UserDir == "" {
		errs = append(errs, errors.New("registry.user_dir is required when registry.watch is true"))
	}
	if c.Registry.UserDir != "" && c.Registry.Owner == "" {
		errs = append(errs, errors.New("registry.owner is required to load registry.user_dir"))
	}
	if c.Store.Enabled && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required when the store is enabled"))
	}
	if err := c.Executor.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("executor: %w", err))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", c.Tracing.SampleRate))
	}
	return errors.Join(errs...)
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# batchflow configuration

# Batch scheduler
scheduler:
  concurrency: 4            # Global cap on executions running at once
  # max_per_batch: 0        # Per-batch cap, 0 = only the global cap
  retention: 1h             # How long settled batches stay in memory, 0 = forever
  # allow_empty_batches: false

# Step execution within one template run
engine:
  # max_parallel_steps: 0   # 0 = unlimited
  # default_step_timeout: 0 # Applied to steps without their own timeout

# Custom templates
registry:
  user_dir: ~/.config/batchflow/templates
  watch: false              # Reload user_dir when files change
  owner: local              # Namespace for templates loaded from user_dir

# SQLite store for custom templates and batch records
store:
  enabled: true
  path: ~/.config/batchflow/batchflow.db

# Remote operation service called for every step
executor:
  base_url: http://127.0.0.1:8700/v1/operations
  requests_per_second: 10   # 0 = unlimited
  burst: 10
  breaker_max_failures: 5   # Consecutive failures before an operation's breaker opens, 0 = off
  breaker_open_timeout: 30s
  # headers:
  #   Authorization: Bearer <token>

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: file           # none, file, stdout, otlp
#   file_path: ~/.config/batchflow/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0

# Logging
# log:
#   path: ~/.config/batchflow/debug.log
#   debug: false
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || (len(path) > 1 && path[:2] == "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// ExpandPaths expands ~ in every path setting.
func (c *Config) ExpandPaths() {
	c.Registry.UserDir = ExpandHome(c.Registry.UserDir)
	c.Store.Path = ExpandHome(c.Store.Path)
	c.Tracing.FilePath = ExpandHome(c.Tracing.FilePath)
	c.Log.Path = ExpandHome(c.Log.Path)
}
