// Package cmd implements the batchflow command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/batchflow/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "batchflow",
	Short: "Run AI media workflow templates over batches of inputs",
	Long: `batchflow runs multi-step workflow templates (upscale, enhance, video
generation...) against batches of inputs with a global concurrency cap.

Templates are DAGs of remote operations with retries, timeouts and
conditions. Built-in templates ship with the binary; custom ones are
registered per owner and persisted to a local SQLite store.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/batchflow/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging")
}

// setDefaults registers every config key with viper so environment
// variables can override keys that are absent from the file.
func setDefaults(v *viper.Viper) {
	d := config.Defaults()
	v.SetDefault("scheduler.concurrency", d.Scheduler.Concurrency)
	v.SetDefault("scheduler.max_per_batch", d.Scheduler.MaxPerBatch)
	v.SetDefault("scheduler.retention", d.Scheduler.Retention)
	v.SetDefault("scheduler.allow_empty_batches", d.Scheduler.AllowEmptyBatches)
	v.SetDefault("engine.max_parallel_steps", d.Engine.MaxParallelSteps)
	v.SetDefault("engine.default_step_timeout", d.Engine.DefaultStepTimeout)
	v.SetDefault("registry.user_dir", d.Registry.UserDir)
	v.SetDefault("registry.watch", d.Registry.Watch)
	v.SetDefault("registry.owner", d.Registry.Owner)
	v.SetDefault("store.enabled", d.Store.Enabled)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("executor.base_url", d.Executor.BaseURL)
	v.SetDefault("executor.requests_per_second", d.Executor.RequestsPerSecond)
	v.SetDefault("executor.burst", d.Executor.Burst)
	v.SetDefault("executor.breaker_max_failures", d.Executor.BreakerMaxFailures)
	v.SetDefault("executor.breaker_open_timeout", d.Executor.BreakerOpenTimeout)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("log.debug", d.Log.Debug)
}

// configPath resolves which config file to read:
//  1. --config flag
//  2. .batchflow/config.yaml (current directory)
//  3. ~/.config/batchflow/config.yaml (user config)
//
// An empty result means no file exists and defaults apply.
func configPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	local := filepath.Join(".batchflow", "config.yaml")
	if _, err := os.Stat(local); err == nil {
		return local
	}
	if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
		return config.DefaultConfigPath()
	}
	return ""
}

// readConfig builds a Config from defaults, the file at path (if any) and
// BATCHFLOW_* environment variables, then validates it.
func readConfig(v *viper.Viper, path string) (config.Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("BATCHFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	c := config.Defaults()
	if err := v.Unmarshal(&c); err != nil {
		return config.Config{}, fmt.Errorf("decoding config: %w", err)
	}
	c.ExpandPaths()
	if err := c.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func loadConfig() error {
	c, err := readConfig(viper.GetViper(), configPath(cfgFile))
	if err != nil {
		return err
	}
	if debugFlag {
		c.Log.Debug = true
	}
	cfg = c
	return nil
}

// usedConfigPath is where config commands write: the file that was read,
// or the user config path when none exists yet.
func usedConfigPath() string {
	if p := configPath(cfgFile); p != "" {
		return p
	}
	return config.DefaultConfigPath()
}

// exitCode maps a command error to a process exit status.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// exitError carries a non-default exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and returns the process exit status.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return exitCode(err)
	}
	return 0
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
