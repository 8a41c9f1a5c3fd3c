// Package schema provides the payload schema registry: a mapping from event
// type to an optional JSON-schema validator, consulted by the event store on
// every write that carries a payload. Missing schemas are not an error; the
// type degrades to "accept any payload".
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Sentinel errors for schema registry operations.
var (
	// ErrSchemaInvalid is returned when a payload fails validation against
	// the schema registered for its event type.
	ErrSchemaInvalid = errors.New("payload failed schema validation")

	// ErrSchemaCompile is returned when a schema document itself cannot be
	// compiled.
	ErrSchemaCompile = errors.New("schema compilation failed")

	// ErrEventTypeEmpty is returned when registering a schema without an
	// event type.
	ErrEventTypeEmpty = errors.New("event type cannot be empty")
)

// ValidationError carries the structured detail of a rejected payload.
type ValidationError struct {
	EventType string
	Cause     error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload for event type %q rejected: %v", e.EventType, e.Cause)
}

// Unwrap makes the error matchable via errors.Is(err, ErrSchemaInvalid).
func (e *ValidationError) Unwrap() error {
	return ErrSchemaInvalid
}

// Registry maps event types to compiled JSON-schema validators. It is
// populated at startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	validators map[string]*jsonschema.Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles schemaJSON and binds it to the event type, replacing any
// previous registration for that type.
func (r *Registry) Register(eventType, schemaJSON string) error {
	if eventType == "" {
		return ErrEventTypeEmpty
	}

	compiled, err := jsonschema.CompileString(eventType+".schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("%w: event type %q: %w", ErrSchemaCompile, eventType, err)
	}

	r.validators[eventType] = compiled

	return nil
}

// RegisterFile reads a schema document from disk and registers it for the
// event type.
func (r *Registry) RegisterFile(eventType, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config
	if err != nil {
		return fmt.Errorf("%w: event type %q: %w", ErrSchemaCompile, eventType, err)
	}

	return r.Register(eventType, string(data))
}

// Has reports whether a schema is registered for the event type.
func (r *Registry) Has(eventType string) bool {
	_, ok := r.validators[eventType]

	return ok
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	return len(r.validators)
}

// Validate checks payload against the schema registered for eventType.
// Returns nil when no schema is registered, a *ValidationError (unwrapping to
// ErrSchemaInvalid) when the payload is rejected.
func (r *Registry) Validate(eventType string, payload map[string]any) error {
	compiled, ok := r.validators[eventType]
	if !ok {
		return nil
	}

	// The jsonschema package validates decoded JSON values only, so the
	// payload is round-tripped through encoding/json: Go-native values such
	// as int become the json.Unmarshal shapes the validator understands.
	// A nil payload validates as an empty object.
	var doc any = map[string]any{}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return &ValidationError{EventType: eventType, Cause: err}
		}

		if err := json.Unmarshal(raw, &doc); err != nil {
			return &ValidationError{EventType: eventType, Cause: err}
		}
	}

	if err := compiled.Validate(doc); err != nil {
		return &ValidationError{EventType: eventType, Cause: err}
	}

	return nil
}
