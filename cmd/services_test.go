package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/batchflow/internal/config"
	"github.com/zjrosen/batchflow/internal/engine"
	registryapp "github.com/zjrosen/batchflow/internal/registry/application"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

const shotsYAML = `templates:
  - key: shots
    name: Product shots
    category: ecommerce
    labels: [catalog]
    inputs:
      artifacts: 1
    steps:
      - id: render
        operation: image.upscale
        parameters:
          scale: 2
      - id: save
        operation: asset.store
        depends_on: [render]
        parameters:
          folder: shots
`

// testConfig returns defaults rooted in a temp dir.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	c := config.Defaults()
	c.Store.Path = filepath.Join(dir, "batchflow.db")
	c.Registry.UserDir = filepath.Join(dir, "templates")
	c.Scheduler.Retention = 0
	return c
}

// fakeExecutor succeeds every step with one artifact named after the
// input and step, and fails every step of the inputs in fail.
func fakeExecutor(fail ...string) engine.StepExecutor {
	failing := make(map[string]bool, len(fail))
	for _, id := range fail {
		failing[id] = true
	}
	return engine.ExecutorFunc(func(_ context.Context, call engine.StepCall) (engine.StepOutput, error) {
		if failing[call.InputID] {
			return engine.StepOutput{}, engine.Permanent(errors.New("operation rejected"))
		}
		return engine.StepOutput{
			Artifacts: []registry.Artifact{registry.Artifact(call.InputID + "/" + call.Step.ID())},
		}, nil
	})
}

func startServices(t *testing.T, c config.Config, exec engine.StepExecutor) *services {
	t.Helper()
	s, err := newServices(context.Background(), c, exec)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestNewServices_LoadsBuiltins(t *testing.T) {
	s := startServices(t, testConfig(t), fakeExecutor())

	require.NotNil(t, s.db)
	require.GreaterOrEqual(t, s.registry.Count(), 3)
	for _, id := range []string{"upscale-enhance", "scene-to-video", "variations-fanout"} {
		_, err := s.registry.Get(id)
		require.NoError(t, err, id)
	}
	require.NotNil(t, s.registry.Catalog(), "parameters are checked against the catalog")
}

func TestNewServices_StoreDisabled(t *testing.T) {
	c := testConfig(t)
	c.Store.Enabled = false
	s := startServices(t, c, fakeExecutor())

	require.Nil(t, s.db)
	_, err := s.batchStore()
	require.ErrorIs(t, err, ErrStoreDisabled)

	_, err = os.Stat(c.Store.Path)
	require.True(t, os.IsNotExist(err), "no database file is created")
}

func TestNewServices_CustomTemplatesSurviveRestart(t *testing.T) {
	c := testConfig(t)
	defs, err := registryapp.ParseTemplateFile([]byte(shotsYAML))
	require.NoError(t, err)

	first, err := newServices(context.Background(), c, fakeExecutor())
	require.NoError(t, err)
	tmpl, err := first.registry.RegisterCustom(context.Background(), "alice", defs[0])
	require.NoError(t, err)
	require.Equal(t, "alice/shots@v1", tmpl.ID())
	require.NoError(t, first.Close(context.Background()))

	second := startServices(t, c, fakeExecutor())
	got, err := second.registry.Get("alice/shots@v1")
	require.NoError(t, err)
	require.Equal(t, registry.SourceCustom, got.Source())
	require.Equal(t, 2, got.Graph().Len())
}

func TestNewServices_LoadsUserDir(t *testing.T) {
	c := testConfig(t)
	c.Registry.Owner = "studio"
	require.NoError(t, os.MkdirAll(c.Registry.UserDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(c.Registry.UserDir, "shots.yaml"), []byte(shotsYAML), 0o600))

	s := startServices(t, c, fakeExecutor())

	_, err := s.registry.Get("studio/shots@v1")
	require.NoError(t, err)
	require.Len(t, s.registry.List(registryapp.ListQuery{Owner: "studio"}), 1)
}

func TestNewServices_WatchesUserDir(t *testing.T) {
	c := testConfig(t)
	c.Registry.Watch = true
	s := startServices(t, c, fakeExecutor())
	require.NotNil(t, s.cancelWatch)

	require.NoError(t, os.WriteFile(filepath.Join(c.Registry.UserDir, "shots.yaml"), []byte(shotsYAML), 0o600))
	require.Eventually(t, func() bool {
		_, err := s.registry.Get("local/shots@v1")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewServices_BadStorePath(t *testing.T) {
	c := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	c.Store.Path = filepath.Join(blocker, "batchflow.db")

	_, err := newServices(context.Background(), c, fakeExecutor())
	require.ErrorContains(t, err, "opening store")
}

func TestNewServices_DefaultsToHTTPExecutor(t *testing.T) {
	c := testConfig(t)
	c.Store.Enabled = false
	s := startServices(t, c, nil)
	require.NotNil(t, s.scheduler)
}
