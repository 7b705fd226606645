// ABOUTME: Structural and size checks for candidate and reloaded templates
// ABOUTME: Struct-tag rules run by validator/v10, mapped onto template errors

package template

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report failing fields by their serialized names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// candidateShape holds the fields every admitted template must carry
type candidateShape struct {
	Name    string `json:"name" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// recordShape adds the fields assigned by the store, required on reload
type recordShape struct {
	ID        string    `json:"id" validate:"required"`
	Name      string    `json:"name" validate:"required"`
	Content   string    `json:"content" validate:"required"`
	Version   int       `json:"version" validate:"required,gte=1"`
	CreatedAt time.Time `json:"createdAt" validate:"required"`
	UpdatedAt time.Time `json:"updatedAt" validate:"required"`
}

// Validate checks a candidate template before it is admitted to the catalog.
// maxContent <= 0 selects DefaultMaxContentBytes.
func Validate(t *Template, maxContent int) error {
	if t == nil {
		return InvalidStructure("validate", "template")
	}
	if err := runShape(candidateShape{Name: t.Name, Content: t.Content}); err != nil {
		return err
	}
	return checkSize(t.Content, maxContent)
}

// ValidateRecord checks a template read back from durable storage, which
// must also carry its store-assigned identity, version and timestamps
func ValidateRecord(t *Template, maxContent int) error {
	if t == nil {
		return InvalidStructure("validate", "template")
	}
	shape := recordShape{
		ID:        t.ID,
		Name:      t.Name,
		Content:   t.Content,
		Version:   t.Version,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if err := runShape(shape); err != nil {
		return err
	}
	return checkSize(t.Content, maxContent)
}

func runShape(shape any) error {
	err := validate.Struct(shape)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Kind: ErrInvalidStructure, Op: "validate", Err: err}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return InvalidStructure("validate", fields...)
}

func checkSize(content string, maxContent int) error {
	if maxContent <= 0 {
		maxContent = DefaultMaxContentBytes
	}
	if len(content) > maxContent {
		return ContentTooLarge("validate", len(content), maxContent)
	}
	return nil
}
