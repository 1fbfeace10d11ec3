package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdtm-pilot/sdtm-pilot/engine/llmclient"
	"github.com/sdtm-pilot/sdtm-pilot/engine/specs"
)

func sampleApprovedSpec() *specs.Spec {
	return &specs.Spec{
		StudyID: "STUDY001", Domain: "dm", SpecVersion: "1", Status: specs.StatusApproved,
		Variables: []specs.Variable{
			{TargetVariable: "SEX", TargetDomain: "DM", DataType: specs.Char, Length: 1, MappingLogic: "direct copy"},
		},
	}
}

func TestProgrammer_Generate(t *testing.T) {
	t.Run("Should write the production script under a role-named path", func(t *testing.T) {
		outDir := t.TempDir()
		p := NewProgrammer(RoleProduction,
			llmclient.New(llmclient.Options{Mode: llmclient.ModeLogOnly, PromptLogPath: filepath.Join(outDir, "prompts.log")}),
			newTestRegistry(t), newTestIG(t), newTestMemory(t), 1, outDir,
		)

		artifact, err := p.Generate(context.Background(), sampleApprovedSpec(), "/data/raw/dm.csv", "")
		require.NoError(t, err)
		assert.Equal(t, RoleProduction, artifact.Role)
		_, err = os.Stat(artifact.Path)
		assert.NoError(t, err)
	})

	t.Run("Should generate a QC-role script at a dm_qc path", func(t *testing.T) {
		outDir := t.TempDir()
		qc := NewProgrammer(RoleQC, llmclient.New(llmclient.Options{Mode: llmclient.ModeLogOnly}),
			newTestRegistry(t), newTestIG(t), newTestMemory(t), 1, outDir)

		artifact, err := qc.Generate(context.Background(), sampleApprovedSpec(), "/data/raw/dm.csv", "previous mismatch: SEX")
		require.NoError(t, err)
		assert.Equal(t, RoleQC, artifact.Role)
		assert.Contains(t, artifact.Path, "dm_qc")
	})
}
