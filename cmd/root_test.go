package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/batchflow/internal/config"
	"github.com/zjrosen/batchflow/internal/presentation"
)

// execute runs the root command with args against a fresh flag state.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cfgFile, debugFlag = "", false
	runOpts = runOptions{}
	listCategory, listOwner, listSource, listLabel = "", "", "", ""
	registerOwner, statusSummary, configForce = "", false, false
	viper.Reset()

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

// writeConfig writes a config file whose store and templates live in a
// temp dir and whose steps run on the fake executor.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "store:\n  path: " + filepath.Join(dir, "batchflow.db") + "\n" +
		"registry:\n  user_dir: " + filepath.Join(dir, "templates") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	prev := newServicesFn
	newServicesFn = func(ctx context.Context) (*services, error) {
		return newServices(ctx, cfg, fakeExecutor())
	}
	t.Cleanup(func() { newServicesFn = prev })
	return path
}

func TestReadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  concurrency: 9\n  retention: 5m\nregistry:\n  user_dir: ~/tpl\n"), 0o600))
	t.Setenv("BATCHFLOW_EXECUTOR_BASE_URL", "https://ops.example.com/v1")

	c, err := readConfig(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, 9, c.Scheduler.Concurrency)
	require.Equal(t, 5*time.Minute, c.Scheduler.Retention)
	require.Equal(t, "https://ops.example.com/v1", c.Executor.BaseURL)
	require.Equal(t, config.Defaults().Executor.Burst, c.Executor.Burst, "unset keys keep defaults")

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "tpl"), c.Registry.UserDir)
}

func TestReadConfig_NoFileUsesDefaults(t *testing.T) {
	c, err := readConfig(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, config.Defaults().Scheduler, c.Scheduler)
}

func TestReadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  concurrency: 0\n"), 0o600))

	_, err := readConfig(viper.New(), path)
	require.ErrorContains(t, err, "scheduler")

	_, err = readConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "reading config")
}

func TestConfigPath_PrefersFlagThenLocal(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	require.Equal(t, "explicit.yaml", configPath("explicit.yaml"))
	require.Empty(t, configPath(""))

	require.NoError(t, os.MkdirAll(".batchflow", 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(".batchflow", "config.yaml"), nil, 0o600))
	require.Equal(t, filepath.Join(".batchflow", "config.yaml"), configPath(""))
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3")
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	require.Equal(t, "batchflow 1.2.3\n", out)
}

func TestConfigInitAndSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	out, _, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	require.Contains(t, out, path)

	_, _, err = execute(t, "config", "init", path)
	require.ErrorContains(t, err, "already exists")

	_, _, err = execute(t, "--config", path, "config", "set", "scheduler.concurrency", "12")
	require.NoError(t, err)
	c, err := readConfig(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, 12, c.Scheduler.Concurrency)

	_, _, err = execute(t, "--config", path, "config", "set", "scheduler.concurrency", "-1")
	require.Error(t, err)
	c, err = readConfig(viper.New(), path)
	require.NoError(t, err, "invalid edits are rolled back")
	require.Equal(t, 12, c.Scheduler.Concurrency)
}

func TestConfigSet_UnreadableConfigIsNotTouched(t *testing.T) {
	// A directory at the config path cannot be read, so there is no
	// original to restore and the edit is refused.
	dir := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.MkdirAll(dir, 0o750))

	_, _, err := execute(t, "--config", dir, "config", "set", "scheduler.concurrency", "-1")
	require.ErrorContains(t, err, "reading config")

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestRestoreConfig(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broken: ["), 0o600))
	require.NoError(t, restoreConfig(path, []byte("scheduler:\n  concurrency: 4\n"), nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "scheduler:\n  concurrency: 4\n", string(data))

	require.NoError(t, restoreConfig(path, nil, os.ErrNotExist))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "a config that did not exist is removed again")

	require.NoError(t, os.WriteFile(path, []byte("kept: true\n"), 0o600))
	require.NoError(t, restoreConfig(path, nil, os.ErrPermission))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "kept: true\n", string(data), "an unreadable original is never written back empty")

	err = restoreConfig(filepath.Join(dir, "missing", "config.yaml"), []byte("x: 1\n"), nil)
	require.ErrorContains(t, err, "restoring config")
}

func TestParseScalar(t *testing.T) {
	require.Equal(t, true, parseScalar("true"))
	require.Equal(t, 1, parseScalar("1"))
	require.Equal(t, 0.5, parseScalar("0.5"))
	require.Equal(t, "10m", parseScalar("10m"))
}

func TestTemplatesCommands(t *testing.T) {
	path := writeConfig(t)

	out, _, err := execute(t, "--config", path, "templates", "list", "--category", "enhance")
	require.NoError(t, err)
	var listed []presentation.TemplateDTO
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.NotEmpty(t, listed)
	for _, tmpl := range listed {
		require.Equal(t, "enhance", tmpl.Category)
	}

	file := filepath.Join(t.TempDir(), "shots.yaml")
	require.NoError(t, os.WriteFile(file, []byte(shotsYAML), 0o600))

	out, _, err = execute(t, "--config", path, "templates", "validate", file)
	require.NoError(t, err)
	var results []presentation.ValidationDTO
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Equal(t, []presentation.ValidationDTO{{File: file, ID: "shots", Valid: true}}, results)

	out, _, err = execute(t, "--config", path, "templates", "register", file, "--owner", "alice")
	require.NoError(t, err)
	require.Contains(t, out, `"id": "alice/shots@v1"`)

	out, _, err = execute(t, "--config", path, "templates", "list", "--source", "custom")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1, "registered template is persisted")
	require.Equal(t, "alice/shots@v1", listed[0].ID)

	_, _, err = execute(t, "--config", path, "templates", "list", "--source", "bogus")
	require.ErrorContains(t, err, "unknown source")
}

func TestTemplatesValidate_Invalid(t *testing.T) {
	path := writeConfig(t)
	file := filepath.Join(t.TempDir(), "bad.yaml")
	bad := "templates:\n  - key: bad\n    steps:\n      - id: a\n        operation: image.nope\n"
	require.NoError(t, os.WriteFile(file, []byte(bad), 0o600))
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	out, _, err := execute(t, "--config", path, "templates", "validate", file, missing)
	require.Error(t, err)
	require.Equal(t, 1, exitCode(err))

	var results []presentation.ValidationDTO
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	require.False(t, results[0].Valid)
	require.Equal(t, "bad", results[0].ID)
	require.False(t, results[1].Valid)
	require.Contains(t, results[1].Error, "reading")
}

func TestBatchCommands(t *testing.T) {
	path := writeConfig(t)
	inputs := writeInputs(t, "- id: a\n  artifacts: [a.png]\n- id: b\n  artifacts: [b.png]\n")

	out, events, err := execute(t, "--config", path, "batch", "run", "-t", "upscale-enhance", "-i", inputs, "--concurrency", "1")
	require.NoError(t, err)
	require.Contains(t, events, `"type":"batch.settled"`)
	run := decodeBatch(t, []byte(out))
	require.Equal(t, "completed", run.Status)

	out, _, err = execute(t, "--config", path, "batch", "status", run.ID)
	require.NoError(t, err)
	status := decodeBatch(t, []byte(out))
	require.Equal(t, run.ID, status.ID)
	require.Len(t, status.Results, 2)

	out, _, err = execute(t, "--config", path, "batch", "list")
	require.NoError(t, err)
	var listed []presentation.BatchDTO
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)

	_, _, err = execute(t, "--config", path, "batch", "status", "not-a-uuid")
	require.Error(t, err)

	_, _, err = execute(t, "--config", path, "batch", "run", "-i", inputs)
	require.ErrorContains(t, err, "template")
}
