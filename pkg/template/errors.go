package template

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidStructure indicates a required field is missing or mistyped
	ErrInvalidStructure = errors.New("template: invalid structure")

	// ErrContentTooLarge indicates content exceeds the configured maximum
	ErrContentTooLarge = errors.New("template: content too large")

	// ErrDuplicateContent indicates a live template already has identical content
	ErrDuplicateContent = errors.New("template: duplicate content")

	// ErrNotFound indicates no live template has the requested id
	ErrNotFound = errors.New("template: not found")

	// ErrMissingVariables indicates a render lacked bindings for declared variables
	ErrMissingVariables = errors.New("template: missing variables")

	// ErrNoBackupAvailable indicates no usable snapshot exists for an id
	ErrNoBackupAvailable = errors.New("template: no backup available")

	// ErrPersistence wraps failures of the durable store, including timeouts
	ErrPersistence = errors.New("template: persistence failure")
)

// Error carries the kind of failure together with the operation and id
// it happened on. errors.Is matches both Kind and the wrapped cause.
type Error struct {
	Kind    error    // one of the Err* sentinels
	Op      string   // operation, e.g. "create"
	ID      string   // template id, if known
	Fields  []string // failing fields or missing variable names
	Message string   // optional human-readable detail
	Err     error    // underlying cause
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.ID != "" {
		fmt.Fprintf(&b, " (id %s)", e.ID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NotFound reports a lookup miss for id
func NotFound(op, id string) *Error {
	return &Error{Kind: ErrNotFound, Op: op, ID: id}
}

// InvalidStructure reports the fields that failed structural checks
func InvalidStructure(op string, fields ...string) *Error {
	return &Error{Kind: ErrInvalidStructure, Op: op, Fields: fields}
}

// ContentTooLarge reports a content size violation
func ContentTooLarge(op string, size, limit int) *Error {
	return &Error{
		Kind:    ErrContentTooLarge,
		Op:      op,
		Message: fmt.Sprintf("%d bytes exceeds limit of %d", size, limit),
	}
}

// DuplicateContent reports that existingID already holds the same content
func DuplicateContent(op, existingID string) *Error {
	return &Error{
		Kind:    ErrDuplicateContent,
		Op:      op,
		Message: "a template with equivalent content already exists: " + existingID,
	}
}

// MissingVariables names the declared variables absent from a render's bindings
func MissingVariables(op, id string, missing []string) *Error {
	return &Error{Kind: ErrMissingVariables, Op: op, ID: id, Fields: missing}
}

// NoBackupAvailable reports that id has no restorable snapshot
func NoBackupAvailable(op, id string, cause error) *Error {
	return &Error{Kind: ErrNoBackupAvailable, Op: op, ID: id, Err: cause}
}

// Persistence wraps a durable-store failure
func Persistence(op, id string, cause error) *Error {
	return &Error{Kind: ErrPersistence, Op: op, ID: id, Err: cause}
}

// FieldsOf returns the Fields of the first *Error in err's chain
func FieldsOf(err error) []string {
	var te *Error
	if errors.As(err, &te) {
		return te.Fields
	}
	return nil
}
