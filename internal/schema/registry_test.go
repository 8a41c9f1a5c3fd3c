package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const researchSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["company"],
  "properties": {
    "company": {"type": "string", "minLength": 1},
    "depth": {"type": "integer", "minimum": 0}
  }
}`

func TestRegistryRegister(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("valid schema registers", func(t *testing.T) {
		r := NewRegistry()

		require.NoError(t, r.Register("ResearchRequested", researchSchema))
		assert.True(t, r.Has("ResearchRequested"))
		assert.Equal(t, 1, r.Len())
	})

	t.Run("empty event type rejected", func(t *testing.T) {
		r := NewRegistry()

		err := r.Register("", researchSchema)
		assert.ErrorIs(t, err, ErrEventTypeEmpty)
	})

	t.Run("malformed schema rejected", func(t *testing.T) {
		r := NewRegistry()

		err := r.Register("ResearchRequested", `{"type": 42}`)
		assert.ErrorIs(t, err, ErrSchemaCompile)
	})

	t.Run("re-registration replaces", func(t *testing.T) {
		r := NewRegistry()

		require.NoError(t, r.Register("ResearchRequested", researchSchema))
		require.NoError(t, r.Register("ResearchRequested", `{"type": "object"}`))

		// The permissive replacement accepts what the original rejected.
		assert.NoError(t, r.Validate("ResearchRequested", map[string]any{}))
	})
}

func TestRegistryValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := NewRegistry()
	require.NoError(t, r.Register("ResearchRequested", researchSchema))

	t.Run("conforming payload passes", func(t *testing.T) {
		err := r.Validate("ResearchRequested", map[string]any{"company": "ACME", "depth": 2})
		assert.NoError(t, err)
	})

	t.Run("go-native int values validate as integers", func(t *testing.T) {
		err := r.Validate("ResearchRequested", map[string]any{"company": "ACME", "depth": int(7)})
		assert.NoError(t, err)
	})

	t.Run("missing required field rejected", func(t *testing.T) {
		err := r.Validate("ResearchRequested", map[string]any{"depth": 2})
		assert.ErrorIs(t, err, ErrSchemaInvalid)

		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "ResearchRequested", ve.EventType)
	})

	t.Run("wrong type rejected", func(t *testing.T) {
		err := r.Validate("ResearchRequested", map[string]any{"company": 42})
		assert.ErrorIs(t, err, ErrSchemaInvalid)
	})

	t.Run("nil payload validates as empty object", func(t *testing.T) {
		// The schema requires company, so an empty object is rejected.
		err := r.Validate("ResearchRequested", nil)
		assert.ErrorIs(t, err, ErrSchemaInvalid)
	})

	t.Run("unregistered type accepts anything", func(t *testing.T) {
		err := r.Validate("SomethingElse", map[string]any{"whatever": true})
		assert.NoError(t, err)
	})
}

func TestRegistryRegisterFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("registers schema from disk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "research.schema.json")
		require.NoError(t, os.WriteFile(path, []byte(researchSchema), 0o600))

		r := NewRegistry()
		require.NoError(t, r.RegisterFile("ResearchRequested", path))
		assert.True(t, r.Has("ResearchRequested"))
	})

	t.Run("missing file surfaces as compile error", func(t *testing.T) {
		r := NewRegistry()

		err := r.RegisterFile("ResearchRequested", filepath.Join(t.TempDir(), "absent.json"))
		assert.ErrorIs(t, err, ErrSchemaCompile)
	})
}

func TestValidationErrorMessage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	err := &ValidationError{EventType: "ResearchRequested", Cause: errors.New("boom")}

	assert.Contains(t, err.Error(), "ResearchRequested")
	assert.Contains(t, err.Error(), "boom")
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}
