// ABOUTME: Tests for the template query engine
// ABOUTME: Verifies category and name filters, ordering and paging

package query

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/persist"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/store"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/template"
)

func setupTestEngine(t *testing.T, reqs ...template.CreateRequest) *Engine {
	t.Helper()
	s := store.New(persist.NewMemory())
	for _, r := range reqs {
		_, err := s.Create(context.Background(), r)
		require.NoError(t, err)
	}
	return NewEngine(s)
}

func names(ts []*template.Template) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name
	}
	return out
}

func sample() []template.CreateRequest {
	return []template.CreateRequest{
		{Name: "Cobrança Mensal", Content: "Sua fatura de {{mes}}", Category: "A"},
		{Name: "Lembrete", Content: "Não esqueça {{evento}}", Category: "B"},
		{Name: "cobrança atrasada", Content: "Fatura vencida em {{data}}", Category: "A"},
		{Name: "Boas-vindas", Content: "Bem-vindo!"},
	}
}

func TestListWithoutFilterReturnsAllInOrder(t *testing.T) {
	e := setupTestEngine(t, sample()...)

	got, err := e.List(context.Background(), template.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Cobrança Mensal", "Lembrete", "cobrança atrasada", "Boas-vindas"}, names(got))
}

func TestListByCategory(t *testing.T) {
	e := setupTestEngine(t, sample()...)
	ctx := context.Background()

	got, err := e.List(ctx, template.Filter{Category: "A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Cobrança Mensal", "cobrança atrasada"}, names(got))

	got, err = e.List(ctx, template.Filter{Category: "a"})
	require.NoError(t, err)
	assert.Empty(t, got, "category match is case-sensitive")
}

func TestListSearchFoldsCase(t *testing.T) {
	e := setupTestEngine(t, sample()...)

	got, err := e.List(context.Background(), template.Filter{Search: "COBRANÇA"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Cobrança Mensal", "cobrança atrasada"}, names(got))
}

func TestListCombinesFilters(t *testing.T) {
	e := setupTestEngine(t, sample()...)

	got, err := e.List(context.Background(), template.Filter{Category: "B", Search: "cobr"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExecutePaging(t *testing.T) {
	e := setupTestEngine(t, sample()...)
	ctx := context.Background()

	res, err := e.Execute(ctx, NewBuilder().Limit(2).Build())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.True(t, res.HasMore)
	assert.Equal(t, []string{"Cobrança Mensal", "Lembrete"}, names(res.Templates))

	res, err = e.Execute(ctx, NewBuilder().Limit(2).Offset(2).Build())
	require.NoError(t, err)
	assert.False(t, res.HasMore)
	assert.Equal(t, []string{"cobrança atrasada", "Boas-vindas"}, names(res.Templates))

	res, err = e.Execute(ctx, NewBuilder().Offset(10).Build())
	require.NoError(t, err)
	assert.Empty(t, res.Templates)

	_, err = e.Execute(ctx, NewBuilder().Limit(-1).Build())
	assert.Error(t, err)
}

func TestExecuteHugeLimit(t *testing.T) {
	e := setupTestEngine(t, sample()...)

	res, err := e.Execute(context.Background(), Query{Limit: math.MaxInt, Offset: 1})
	require.NoError(t, err)
	assert.False(t, res.HasMore)
	assert.Equal(t, []string{"Lembrete", "cobrança atrasada", "Boas-vindas"}, names(res.Templates))
}

func TestBuilder(t *testing.T) {
	q := NewBuilder().Category("A").Search("x").Limit(5).Offset(1).Build()
	assert.Equal(t, Query{Filter: template.Filter{Category: "A", Search: "x"}, Limit: 5, Offset: 1}, q)
}

func TestListHonoursCancellation(t *testing.T) {
	e := setupTestEngine(t, sample()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.List(ctx, template.Filter{Search: "a"})
	assert.True(t, errors.Is(err, context.Canceled))
}
