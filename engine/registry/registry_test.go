package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Should load entries and compute a deterministic topological order", func(t *testing.T) {
		path := writeCatalog(t, `
functions:
  - name: normalize_date
    purpose: Normalize a partial date to ISO 8601
    when_to_use: ["raw date fields"]
    parameters:
      - name: raw_value
        type: variable_ref
        required: true
  - name: derive_age
    purpose: Derive subject age at reference date
    dependencies: ["normalize_date"]
    parameters:
      - name: birth_date
        type: variable_ref
        required: true
      - name: reference_date
        type: variable_ref
        required: false
`)
		r, err := Load(path)
		require.NoError(t, err)

		order := r.TopologicalOrder()
		require.Equal(t, []string{"normalize_date", "derive_age"}, order)

		e, ok := r.Get("derive_age")
		require.True(t, ok)
		assert.Equal(t, "Derive subject age at reference date", e.Purpose)
	})

	t.Run("Should reject a catalog whose dependencies form a cycle", func(t *testing.T) {
		path := writeCatalog(t, `
functions:
  - name: a
    dependencies: ["b"]
  - name: b
    dependencies: ["a"]
`)
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("Should reject a dependency on an unknown function", func(t *testing.T) {
		path := writeCatalog(t, `
functions:
  - name: a
    dependencies: ["missing"]
`)
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("Should reject duplicate function names", func(t *testing.T) {
		path := writeCatalog(t, `
functions:
  - name: a
  - name: a
`)
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("Should reject an entry with an empty name via validator/v10", func(t *testing.T) {
		path := writeCatalog(t, `
functions:
  - purpose: nameless entry
`)
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("Should reject a parameter with an empty type via validator/v10", func(t *testing.T) {
		path := writeCatalog(t, `
functions:
  - name: a
    parameters:
      - name: raw_value
`)
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestRegistry_ValidateBinding(t *testing.T) {
	path := writeCatalog(t, `
functions:
  - name: normalize_date
    parameters:
      - name: raw_value
        type: variable_ref
        required: true
      - name: format_hint
        type: string
        required: false
`)
	r, err := Load(path)
	require.NoError(t, err)

	t.Run("Should accept a binding with all required parameters", func(t *testing.T) {
		err := r.ValidateBinding("normalize_date", map[string]any{"raw_value": "RACE"})
		assert.NoError(t, err)
	})

	t.Run("Should reject a binding missing a required parameter", func(t *testing.T) {
		err := r.ValidateBinding("normalize_date", map[string]any{"format_hint": "yyyy-mm"})
		assert.Error(t, err)
	})

	t.Run("Should reject a binding with an unknown parameter", func(t *testing.T) {
		err := r.ValidateBinding("normalize_date", map[string]any{"raw_value": "RACE", "bogus": 1})
		assert.Error(t, err)
	})

	t.Run("Should reject an unknown function name", func(t *testing.T) {
		err := r.ValidateBinding("does_not_exist", map[string]any{})
		assert.Error(t, err)
	})
}

func TestRegistry_FormatForPrompt(t *testing.T) {
	t.Run("Should render entries in topological order with parameter requiredness", func(t *testing.T) {
		path := writeCatalog(t, `
functions:
  - name: normalize_date
    purpose: Normalize dates
    parameters:
      - name: raw_value
        type: variable_ref
        required: true
`)
		r, err := Load(path)
		require.NoError(t, err)
		out := r.FormatForPrompt()
		assert.Contains(t, out, "normalize_date")
		assert.Contains(t, out, "Normalize dates")
		assert.Contains(t, out, "raw_value (variable_ref, required)")
	})
}
