package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/batchflow/internal/tracing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, time.Hour, cfg.Scheduler.Retention)
	assert.Equal(t, 0, cfg.Engine.MaxParallelSteps)
	assert.Equal(t, "local", cfg.Registry.Owner)
	assert.True(t, cfg.Store.Enabled)
	assert.Equal(t, filepath.Join(DefaultConfigDir(), "batchflow.db"), cfg.Store.Path)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Empty(t, cfg.Log.Path)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero concurrency", func(c *Config) { c.Scheduler.Concurrency = 0 }, "scheduler:"},
		{"negative parallel steps", func(c *Config) { c.Engine.MaxParallelSteps = -1 }, "engine:"},
		{"watch without dir", func(c *Config) { c.Registry.UserDir = ""; c.Registry.Watch = true }, "registry.user_dir"},
		{"dir without owner", func(c *Config) { c.Registry.Owner = "" }, "registry.owner"},
		{"store without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"bad executor url", func(c *Config) { c.Executor.BaseURL = "ftp://ops" }, "executor:"},
		{"file exporter without path", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = tracing.ExporterFile
		}, "tracing:"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Scheduler.Concurrency = 0
	cfg.Store.Path = ""

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "scheduler:")
	require.Contains(t, err.Error(), "store.path")
}

func TestValidate_DisabledStoreNeedsNoPath(t *testing.T) {
	cfg := Defaults()
	cfg.Store = StoreConfig{}
	require.NoError(t, cfg.Validate())
}

// The commented template decodes to the same values as Defaults.
func TestDefaultConfigTemplate_MatchesDefaults(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(DefaultConfigTemplate())))

	cfg := Defaults()
	require.NoError(t, v.Unmarshal(&cfg))
	cfg.ExpandPaths()

	want := Defaults()
	want.ExpandPaths()
	require.Equal(t, want, cfg)
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfigTemplate(), string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	require.Equal(t, home, ExpandHome("~"))
	require.Equal(t, filepath.Join(home, "x", "y.db"), ExpandHome("~/x/y.db"))
	require.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	require.Equal(t, "~user/x", ExpandHome("~user/x"))
	require.Equal(t, "", ExpandHome(""))
}
