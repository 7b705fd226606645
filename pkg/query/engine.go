// ABOUTME: Query engine filtering the template catalog
// ABOUTME: Category is matched exactly, name search folds case

package query

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/template"
)

// Catalog is the read side of the template store
type Catalog interface {
	All(ctx context.Context) ([]*template.Template, error)
	ByCategory(ctx context.Context, category string) ([]*template.Template, error)
}

// Engine answers template queries against a Catalog
type Engine struct {
	catalog Catalog
}

// NewEngine creates a query engine over catalog
func NewEngine(catalog Catalog) *Engine {
	return &Engine{catalog: catalog}
}

// List returns every template matching f in insertion order
func (e *Engine) List(ctx context.Context, f template.Filter) ([]*template.Template, error) {
	res, err := e.Execute(ctx, Query{Filter: f})
	if err != nil {
		return nil, err
	}
	return res.Templates, nil
}

// Execute runs q and returns the requested page
func (e *Engine) Execute(ctx context.Context, q Query) (*Result, error) {
	if q.Limit < 0 || q.Offset < 0 {
		return nil, fmt.Errorf("query: negative limit or offset")
	}

	var (
		candidates []*template.Template
		err        error
	)
	if q.Filter.Category != "" {
		candidates, err = e.catalog.ByCategory(ctx, q.Filter.Category)
	} else {
		candidates, err = e.catalog.All(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	matches := candidates
	if q.Filter.Search != "" {
		// Casers are stateful; one per query
		fold := cases.Fold()
		needle := fold.String(q.Filter.Search)
		matches = candidates[:0:0]
		for _, t := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if strings.Contains(fold.String(t.Name), needle) {
				matches = append(matches, t)
			}
		}
	}

	res := &Result{Total: len(matches)}
	if q.Offset >= len(matches) {
		res.Templates = []*template.Template{}
		return res, nil
	}
	end := len(matches)
	if q.Limit > 0 && q.Limit < end-q.Offset {
		end = q.Offset + q.Limit
		res.HasMore = true
	}
	res.Templates = matches[q.Offset:end]
	return res, nil
}
