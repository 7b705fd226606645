// ABOUTME: Template data model shared by the store, cache and query layers
// ABOUTME: Holds the template record, creation request and partial patch types

package template

import (
	"slices"
	"time"
)

// DefaultMaxContentBytes is the content size limit used when none is configured
const DefaultMaxContentBytes = 64 * 1024

// Template is a named, versioned, parameterized text record
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Variables []string  `json:"variables"`
	Category  string    `json:"category,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers cannot alias catalog state
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	c := *t
	c.Variables = slices.Clone(t.Variables)
	return &c
}

// CreateRequest carries the caller-supplied fields of a new template.
// A nil Variables slice means the declared variables are inferred from
// Content; an empty non-nil slice declares none.
type CreateRequest struct {
	Name      string
	Content   string
	Variables []string
	Category  string
}

// Patch is a partial update; nil fields are left untouched
type Patch struct {
	Name      *string
	Content   *string
	Variables *[]string
	Category  *string
}

// Empty reports whether the patch changes nothing
func (p Patch) Empty() bool {
	return p.Name == nil && p.Content == nil && p.Variables == nil && p.Category == nil
}

// Apply returns a copy of t with the patch fields merged in.
// Version and timestamps are the caller's responsibility.
func (p Patch) Apply(t *Template) *Template {
	merged := t.Clone()
	if p.Name != nil {
		merged.Name = *p.Name
	}
	if p.Content != nil {
		merged.Content = *p.Content
	}
	if p.Variables != nil {
		merged.Variables = slices.Clone(*p.Variables)
	}
	if p.Category != nil {
		merged.Category = *p.Category
	}
	return merged
}

// Filter selects templates in the query layer
type Filter struct {
	Category string // exact, case-sensitive; empty matches all
	Search   string // case-insensitive substring of Name; empty matches all
}
