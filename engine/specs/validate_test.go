package specs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdtm-pilot/sdtm-pilot/engine/registry"
)

func TestValidate(t *testing.T) {
	ctx := context.Background()

	t.Run("Should flag a macro_used not present in the registry", func(t *testing.T) {
		spec := &Spec{Variables: []Variable{
			{TargetVariable: "AGE", DataType: Num, Length: 3, MacroUsed: "derive_age", MappingLogic: "derived"},
		}}
		findings := Validate(ctx, spec, ValidationContext{Registry: emptyRegistry(t)})
		require.NotEmpty(t, findings)
		assert.Equal(t, "macro_exists", findings[0].Rule)
	})

	t.Run("Should flag a missing required variable", func(t *testing.T) {
		spec := &Spec{Variables: []Variable{
			{TargetVariable: "SEX", DataType: Char, Length: 1, MappingLogic: "direct"},
		}}
		findings := Validate(ctx, spec, ValidationContext{RequiredVariables: map[string]bool{"RACE": true}})
		require.NotEmpty(t, findings)
		assert.Equal(t, "required_variable_present", findings[0].Rule)
	})

	t.Run("Should flag length shorter than the longest controlled term", func(t *testing.T) {
		spec := &Spec{Variables: []Variable{
			{TargetVariable: "RACE", DataType: Char, Length: 3, MappingLogic: "direct",
				ControlledTerms: []string{"BLACK OR AFRICAN AMERICAN"}},
		}}
		findings := Validate(ctx, spec, ValidationContext{})
		require.NotEmpty(t, findings)
		assert.Equal(t, "length_covers_terms", findings[0].Rule)
	})

	t.Run("Should flag a duplicate target_variable", func(t *testing.T) {
		spec := &Spec{Variables: []Variable{
			{TargetVariable: "SEX", DataType: Char, Length: 1, MappingLogic: "direct"},
			{TargetVariable: "SEX", DataType: Char, Length: 1, MappingLogic: "direct"},
		}}
		findings := Validate(ctx, spec, ValidationContext{})
		require.NotEmpty(t, findings)
		assert.Equal(t, "no_duplicate_variables", findings[len(findings)-1].Rule)
	})

	t.Run("Should flag a missing decision when checking approval readiness", func(t *testing.T) {
		spec := &Spec{Variables: []Variable{
			{TargetVariable: "RACE", DataType: Char, Length: 40, MappingLogic: "direct",
				HumanDecisionRequired: true, DecisionOptions: []DecisionOption{{ID: "opt-1"}}},
		}}
		findings := Validate(ctx, spec, ValidationContext{CheckApprovalReadiness: true})
		require.NotEmpty(t, findings)
		assert.Equal(t, "decision_present", findings[0].Rule)
	})

	t.Run("Should return no findings for a clean spec with no external context", func(t *testing.T) {
		spec := &Spec{Variables: []Variable{
			{TargetVariable: "SEX", DataType: Char, Length: 1, MappingLogic: "direct"},
		}}
		findings := Validate(ctx, spec, ValidationContext{})
		assert.Empty(t, findings)
	})
}

func emptyRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	path := writeEmptyCatalog(t)
	r, err := registry.Load(path)
	require.NoError(t, err)
	return r
}

func writeEmptyCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("functions: []\n"), 0o644))
	return path
}
