// ABOUTME: Query types for listing templates
// ABOUTME: Filter plus paging, built fluently and answered with a Result page

package query

import "github.com/RsousaIA/agentewhatsappia-sub001/pkg/template"

// Query selects a page of templates
type Query struct {
	Filter template.Filter
	Limit  int // <= 0 means no limit
	Offset int
}

// Result is one page of matching templates
type Result struct {
	Templates []*template.Template
	Total     int // matches before paging
	HasMore   bool
}

// Builder provides a fluent interface for building queries
type Builder struct {
	query Query
}

// NewBuilder creates an empty query builder
func NewBuilder() *Builder {
	return &Builder{}
}

// Category restricts results to an exact category
func (b *Builder) Category(c string) *Builder {
	b.query.Filter.Category = c
	return b
}

// Search restricts results to names containing s, ignoring case
func (b *Builder) Search(s string) *Builder {
	b.query.Filter.Search = s
	return b
}

// Limit caps the page size
func (b *Builder) Limit(n int) *Builder {
	b.query.Limit = n
	return b
}

// Offset skips the first n matches
func (b *Builder) Offset(n int) *Builder {
	b.query.Offset = n
	return b
}

// Build returns the constructed query
func (b *Builder) Build() Query {
	return b.query
}
