// ABOUTME: End-to-end tests for the engine facade over real backends
// ABOUTME: Exercises create, render, update, delete and recovery across restarts

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/query"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/template"
)

func openTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func fsConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.Path = dir
	return cfg
}

func TestRenderScenario(t *testing.T) {
	e := openTestEngine(t, fsConfig(t.TempDir()))
	ctx := context.Background()

	tpl, err := e.Create(ctx, template.CreateRequest{
		Name:      "perfil",
		Content:   "Olá {{nome}}, sua idade é {{idade}}",
		Variables: []string{"nome", "idade"},
	})
	require.NoError(t, err)

	out, err := e.Render(ctx, tpl.ID, map[string]string{"nome": "João", "idade": "25"})
	require.NoError(t, err)
	assert.Equal(t, "Olá João, sua idade é 25", out)

	_, err = e.Render(ctx, tpl.ID, map[string]string{"nome": "João"})
	assert.ErrorIs(t, err, template.ErrMissingVariables)
	assert.Equal(t, []string{"idade"}, template.FieldsOf(err))
}

func TestUpdateIsVisibleToRender(t *testing.T) {
	e := openTestEngine(t, fsConfig(t.TempDir()))
	ctx := context.Background()

	tpl, err := e.Create(ctx, template.CreateRequest{Name: "oi", Content: "Oi {{nome}}"})
	require.NoError(t, err)
	bindings := map[string]string{"nome": "Rita"}

	out, err := e.Render(ctx, tpl.ID, bindings)
	require.NoError(t, err)
	assert.Equal(t, "Oi Rita", out)

	content := "Tchau {{nome}}"
	_, err = e.Update(ctx, tpl.ID, template.Patch{Content: &content})
	require.NoError(t, err)

	out, err = e.Render(ctx, tpl.ID, bindings)
	require.NoError(t, err)
	assert.Equal(t, "Tchau Rita", out)

	require.NoError(t, e.Delete(ctx, tpl.ID))
	_, err = e.Render(ctx, tpl.ID, bindings)
	assert.ErrorIs(t, err, template.ErrNotFound)
}

func TestReloadAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := Open(fsConfig(dir))
	require.NoError(t, err)
	a, err := first.Create(ctx, template.CreateRequest{Name: "a", Content: "conteúdo A", Category: "x"})
	require.NoError(t, err)
	b, err := first.Create(ctx, template.CreateRequest{Name: "b", Content: "conteúdo B"})
	require.NoError(t, err)
	name := "b2"
	b, err = first.Update(ctx, b.ID, template.Patch{Name: &name})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Tear the live record of a; its snapshot must bring it back
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", a.ID+".tpl"), []byte("TPLR"), 0o644))

	second := openTestEngine(t, fsConfig(dir))
	report, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)
	assert.Equal(t, []string{a.ID}, report.Restored)
	assert.Empty(t, report.Skipped)

	got, err := second.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "b2", got.Name)

	list, err := second.List(ctx, template.Filter{Category: "x"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	history, err := second.History(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestSQLiteBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = BackendSQLite
	cfg.Path = filepath.Join(t.TempDir(), "db", "templates.db")
	ctx := context.Background()

	e, err := Open(cfg)
	require.NoError(t, err)
	tpl, err := e.Create(ctx, template.CreateRequest{Name: "n", Content: "Oi {{x}}"})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e = openTestEngine(t, cfg)
	report, err := e.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)

	out, err := e.Render(ctx, tpl.ID, map[string]string{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, "Oi y", out)
}

func TestQueryPaging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = BackendMemory
	e := openTestEngine(t, cfg)
	ctx := context.Background()

	for _, c := range []string{"um", "dois", "três"} {
		_, err := e.Create(ctx, template.CreateRequest{Name: "aviso " + c, Content: c})
		require.NoError(t, err)
	}

	res, err := e.Query(ctx, query.NewBuilder().Search("AVISO").Limit(2).Build())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.True(t, res.HasMore)
	assert.Len(t, res.Templates, 2)
	assert.Equal(t, 3, e.Len())
}

func TestUnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "postgres"
	_, err := Open(cfg)
	assert.Error(t, err)
}

func TestCacheExpiryWithClock(t *testing.T) {
	now := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cfg := DefaultConfig()
	cfg.Backend = BackendMemory
	cfg.CacheTTL = time.Minute

	e, err := Open(cfg, WithClock(clock))
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	tpl, err := e.Create(ctx, template.CreateRequest{Name: "n", Content: "{{a}}"})
	require.NoError(t, err)
	_, err = e.Render(ctx, tpl.ID, map[string]string{"a": "1"})
	require.NoError(t, err)
	_, err = e.Render(ctx, tpl.ID, map[string]string{"a": "1"})
	require.NoError(t, err)

	stats := e.CacheStats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Substitutions)
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = BackendMemory
	e, err := Open(cfg)
	require.NoError(t, err)
	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close())
}
