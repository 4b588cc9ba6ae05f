// Package schema validates individual column values against optional
// JSON-Schema fragments, adapted from the teacher's whole-entry content
// validator (internal/schema/validator.go) down to the column granularity
// spec §4.3 mutations operate at: a schema is registered per
// (table, column) rather than per entry type, and Validate takes one
// already-JSON-encoded value instead of a whole document.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON-Schema fragment bound to one table column.
type Schema struct {
	Table      string          `json:"table"`
	Column     string          `json:"column"`
	Definition json.RawMessage `json:"definition"`
	compiled   *gojsonschema.Schema
}

// ValidationError describes a single schema violation.
type ValidationError struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

// ValidationResult is the outcome of validating one value.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func columnKey(table, column string) string { return table + "." + column }

// Registry holds compiled schemas keyed by (table, column).
type Registry struct {
	schemas map[string]*Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register compiles and stores a schema for table.column.
func (r *Registry) Register(table, column string, definition []byte) error {
	loader := gojsonschema.NewBytesLoader(definition)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("schema: invalid definition for %s.%s: %w", table, column, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[columnKey(table, column)] = &Schema{
		Table:      table,
		Column:     column,
		Definition: definition,
		compiled:   compiled,
	}
	return nil
}

// Unregister removes any schema bound to table.column.
func (r *Registry) Unregister(table, column string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, columnKey(table, column))
}

// HasSchema reports whether table.column has a registered schema.
func (r *Registry) HasSchema(table, column string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[columnKey(table, column)]
	return ok
}

// Validate checks value (already JSON-marshaled) against table.column's
// schema. A column with no registered schema always passes, so validation
// is strictly opt-in per spec §4.3.
func (r *Registry) Validate(table, column string, value json.RawMessage) ValidationResult {
	r.mu.RLock()
	s, ok := r.schemas[columnKey(table, column)]
	r.mu.RUnlock()

	if !ok {
		return ValidationResult{Valid: true}
	}
	return s.validate(value)
}

func (s *Schema) validate(value json.RawMessage) ValidationResult {
	documentLoader := gojsonschema.NewBytesLoader(value)
	result, err := s.compiled.Validate(documentLoader)
	if err != nil {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:       columnKey(s.Table, s.Column),
				Description: fmt.Sprintf("validation error: %v", err),
			}},
		}
	}
	if result.Valid() {
		return ValidationResult{Valid: true}
	}

	errs := make([]ValidationError, len(result.Errors()))
	for i, e := range result.Errors() {
		errs[i] = ValidationError{Field: e.Field(), Description: e.Description()}
	}
	return ValidationResult{Valid: false, Errors: errs}
}

// Common reusable fragments for the simplest column constraints — kept as
// illustrative examples the way the teacher ships TaskSchema/ContactSchema
// (internal/schema/validator.go), but expressed at the single-value
// granularity Validate expects.

// NonEmptyStringSchema rejects the empty string and non-string values.
var NonEmptyStringSchema = []byte(`{"type": "string", "minLength": 1}`)

// PositiveIntegerSchema requires a non-negative integer.
var PositiveIntegerSchema = []byte(`{"type": "integer", "minimum": 0}`)
