package template

import (
	"encoding/json"
	"time"
)

// wireRecord mirrors Template with pointer fields so that an absent field
// and a zero value decode differently
type wireRecord struct {
	ID        *string    `json:"id"`
	Name      *string    `json:"name"`
	Content   *string    `json:"content"`
	Variables []string   `json:"variables"`
	Category  *string    `json:"category"`
	Version   *int       `json:"version"`
	CreatedAt *time.Time `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

// EncodeRecord serializes a template for the persistence adapter
func EncodeRecord(t *Template) ([]byte, error) {
	rec := *t
	if rec.Variables == nil {
		rec.Variables = []string{}
	}
	return json.Marshal(&rec)
}

// DecodeRecord parses a serialized record and checks it carries every
// field the store requires. Parse errors, mistyped fields and missing
// fields all fail with ErrInvalidStructure.
func DecodeRecord(data []byte) (*Template, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &Error{Kind: ErrInvalidStructure, Op: "decode", Err: err}
	}

	var missing []string
	if w.ID == nil {
		missing = append(missing, "id")
	}
	if w.Name == nil {
		missing = append(missing, "name")
	}
	if w.Content == nil {
		missing = append(missing, "content")
	}
	if w.Version == nil {
		missing = append(missing, "version")
	}
	if w.CreatedAt == nil {
		missing = append(missing, "createdAt")
	}
	if w.UpdatedAt == nil {
		missing = append(missing, "updatedAt")
	}
	if len(missing) > 0 {
		return nil, InvalidStructure("decode", missing...)
	}

	t := &Template{
		ID:        *w.ID,
		Name:      *w.Name,
		Content:   *w.Content,
		Variables: w.Variables,
		Version:   *w.Version,
		CreatedAt: *w.CreatedAt,
		UpdatedAt: *w.UpdatedAt,
	}
	if w.Category != nil {
		t.Category = *w.Category
	}
	if t.Variables == nil {
		t.Variables = []string{}
	}
	return t, nil
}
