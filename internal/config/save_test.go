package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, path string) Config {
	t.Helper()
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	cfg := Defaults()
	require.NoError(t, v.Unmarshal(&cfg))
	return cfg
}

func TestSetValue_CreatesNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SetValue(path, "scheduler.concurrency", 8))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "scheduler:\n  concurrency: 8\n", string(data))
}

func TestSetValue_PreservesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	require.NoError(t, SetValue(path, "scheduler.concurrency", 16))
	require.NoError(t, SetValue(path, "scheduler.retention", "10m"))
	require.NoError(t, SetValue(path, "registry.owner", "alice"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Global cap on executions running at once")
	assert.Contains(t, string(data), "# Remote operation service called for every step")

	cfg := load(t, path)
	assert.Equal(t, 16, cfg.Scheduler.Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Retention)
	assert.Equal(t, "alice", cfg.Registry.Owner)
	assert.Equal(t, 10.0, cfg.Executor.RequestsPerSecond, "other settings untouched")
}

func TestSetValue_AddsSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  enabled: false\n"), 0o600))

	require.NoError(t, SetValue(path, "tracing.enabled", true))
	require.NoError(t, SetValue(path, "tracing.exporter", "stdout"))

	cfg := load(t, path)
	assert.False(t, cfg.Store.Enabled)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
}

func TestSetValue_Errors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  enabled: false\n"), 0o600))

	require.Error(t, SetValue(path, "", 1))
	require.Error(t, SetValue(path, "store..path", 1))
	require.ErrorContains(t, SetValue(path, "store.enabled.deep", 1), "not a section")

	require.NoError(t, os.WriteFile(path, []byte("- a\n- b\n"), 0o600))
	require.ErrorContains(t, SetValue(path, "store.enabled", true), "not a mapping")

	require.NoError(t, os.WriteFile(path, []byte("store: [\n"), 0o600))
	require.ErrorContains(t, SetValue(path, "store.enabled", true), "parsing config")
}
