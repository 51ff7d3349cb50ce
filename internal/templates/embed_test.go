package templates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	registry "github.com/zjrosen/batchflow/internal/registry/application"
	domain "github.com/zjrosen/batchflow/internal/registry/domain"
)

func TestBuiltinFS_AllTemplatesValid(t *testing.T) {
	svc := registry.NewRegistryService(registry.WithCatalog(domain.DefaultCatalog()))

	n, err := svc.LoadBuiltins(context.Background(), BuiltinFS())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, id := range []string{"upscale-enhance", "scene-to-video", "variations-fanout"} {
		tmpl, err := svc.Get(id)
		require.NoError(t, err, id)
		require.Equal(t, domain.SourceBuiltin, tmpl.Source())
		require.NotEmpty(t, tmpl.Name(), id)
		require.NotEmpty(t, tmpl.Category(), id)
	}
}

func TestBuiltinFS_SceneToVideoFallback(t *testing.T) {
	defs, err := registry.LoadDefsFromFS(BuiltinFS(), registry.BuiltinRoot)
	require.NoError(t, err)

	var found bool
	for _, def := range defs {
		if def.Key != "scene-to-video" {
			continue
		}
		tmpl, err := domain.FromDef(def, domain.DefaultCatalog())
		require.NoError(t, err)

		fallback, ok := tmpl.Graph().Step("store-still")
		require.True(t, ok)
		require.Equal(t, domain.ConditionOnFailure, fallback.Condition().Kind)
		require.True(t, fallback.Optional())
		found = true
	}
	require.True(t, found)
}

func TestBuiltinFS_VariationsFanOut(t *testing.T) {
	templates, err := registry.LoadBuiltinTemplates(BuiltinFS(), domain.DefaultCatalog())
	require.NoError(t, err)

	for _, tmpl := range templates {
		if tmpl.Key() != "variations-fanout" {
			continue
		}
		require.Len(t, tmpl.Graph().DependentsOf("generate"), 3)
		store, ok := tmpl.Graph().Step("store")
		require.True(t, ok)
		require.Equal(t, domain.ConditionThreshold, store.Condition().Kind)
		require.Equal(t, []string{"prompt"}, tmpl.Inputs().RequiredParameters)
		return
	}
	t.Fatal("variations-fanout not found")
}
