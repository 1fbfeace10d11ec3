package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdtm-pilot/sdtm-pilot/engine/config"
	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
	"github.com/sdtm-pilot/sdtm-pilot/engine/state"
)

// TestOrchestrator_RunToApproval_MonotonicPhase exercises P1: the pipeline
// phase and spec status only ever move forward, and a second call reuses
// the already-approved spec instead of rebuilding it.
func TestOrchestrator_RunToApproval_MonotonicPhase(t *testing.T) {
	t.Run("Should advance spec_building -> spec_review -> human_review and persist an approved spec", func(t *testing.T) {
		ctx := context.Background()
		o, _ := testOrchestrator(t, approveAllGate())
		st := state.New(o.cfg.StudyID, "dm")

		approved, err := o.runToApproval(ctx, st, false)
		require.NoError(t, err)
		assert.Equal(t, state.PhaseHumanReview, st.CurrentPhase)
		assert.NotEmpty(t, approved.Variables)

		stored, err := o.specs.LoadApproved("dm")
		require.NoError(t, err)
		assert.Equal(t, approved.Variables, stored.Variables)
	})

	t.Run("Should reuse an already-approved spec instead of rebuilding it", func(t *testing.T) {
		ctx := context.Background()
		gate := approveAllGate()
		o, _ := testOrchestrator(t, gate)
		st := state.New(o.cfg.StudyID, "dm")

		_, err := o.runToApproval(ctx, st, false)
		require.NoError(t, err)
		require.Equal(t, 1, gate.calls)

		st2 := state.New(o.cfg.StudyID, "dm")
		_, err = o.runToApproval(ctx, st2, false)
		require.NoError(t, err)
		assert.Equal(t, 1, gate.calls, "human review must not run twice once a spec is already approved")
		assert.Equal(t, "approved", specs0Status(st2))
	})
}

func specs0Status(st *state.State) string { return string(st.SpecStatus) }

// TestOrchestrator_HumanReviewReject covers B3: a reject verdict fails
// the gate, leaves spec_status short of approved, and never persists an
// approved spec a later run could mistakenly reuse.
func TestOrchestrator_HumanReviewReject(t *testing.T) {
	t.Run("Should fail the gate and not persist an approved spec", func(t *testing.T) {
		ctx := context.Background()
		o, _ := testOrchestrator(t, rejectGate("missing SUPP mapping"))
		st := state.New(o.cfg.StudyID, "dm")

		_, err := o.runToApproval(ctx, st, false)
		require.Error(t, err)
		assert.NotEqual(t, specs0Status(st), "approved")

		_, loadErr := o.specs.LoadApproved("dm")
		assert.Error(t, loadErr, "a rejected review must not leave an approved spec on disk")
	})
}

// TestOrchestrator_ComparisonLoop_Match covers the comparison stage's
// happy path and the qc/<domain>_compare_report.txt artifact spec.md §6
// names.
func TestOrchestrator_ComparisonLoop_Match(t *testing.T) {
	t.Run("Should record a match and persist the compare report", func(t *testing.T) {
		ctx := context.Background()
		o, root := testOrchestrator(t, approveAllGate())
		st := state.New(o.cfg.StudyID, "dm")
		approved, err := o.runToApproval(ctx, st, false)
		require.NoError(t, err)

		require.NoError(t, o.runComparisonLoop(ctx, st, approved))
		assert.Equal(t, state.ComparisonMatch, st.ComparisonResult)
		assert.Contains(t, st.Artifacts, "production_dataset")
		assert.Contains(t, st.Artifacts, "qc_dataset")

		reportPath, err := root.Join("qc", "dm_compare_report.txt")
		require.NoError(t, err)
		data, err := os.ReadFile(reportPath)
		require.NoError(t, err)
		assert.Contains(t, string(data), "MATCH")
	})

	t.Run("Should write production and qc datasets under separate trees", func(t *testing.T) {
		ctx := context.Background()
		o, root := testOrchestrator(t, approveAllGate())
		st := state.New(o.cfg.StudyID, "dm")
		approved, err := o.runToApproval(ctx, st, false)
		require.NoError(t, err)
		require.NoError(t, o.runComparisonLoop(ctx, st, approved))

		prodPath, err := root.Join("datasets", "dm.parquet")
		require.NoError(t, err)
		qcPath, err := root.Join("qc", "dm_qc.parquet")
		require.NoError(t, err)
		assert.Equal(t, prodPath, st.Artifacts["production_dataset"])
		assert.Equal(t, qcPath, st.Artifacts["qc_dataset"])
	})
}

// TestOrchestrator_ComparisonLoop_Bounded covers P2/B1: the retry loop
// never exceeds MAX_ITERATIONS, and exhausting it surfaces a typed,
// nonzero-exit-coded error rather than looping forever.
func TestOrchestrator_ComparisonLoop_Bounded(t *testing.T) {
	t.Run("Should fail with ErrComparisonMismatch once MAX_ITERATIONS is exhausted", func(t *testing.T) {
		ctx := context.Background()
		o, _ := testOrchestrator(t, approveAllGate())
		o.runScript = divergingScriptRunner(t)
		st := state.New(o.cfg.StudyID, "dm")
		approved, err := o.runToApproval(ctx, st, false)
		require.NoError(t, err)

		err = o.runComparisonLoop(ctx, st, approved)
		require.Error(t, err)

		var coreErr *core.Error
		require.True(t, errors.As(err, &coreErr))
		assert.Equal(t, core.ErrComparisonMismatch, coreErr.Kind)
		assert.Equal(t, o.cfg.Pipeline.MaxIterations, st.ComparisonIteration)
		assert.Equal(t, state.ComparisonMismatch, st.ComparisonResult)
	})
}

// TestOrchestrator_QCIndependence covers P9: the QC programmer's request
// never carries the production role's identity or artifacts, even on a
// retry where it does receive the prior mismatch report.
func TestOrchestrator_QCIndependence(t *testing.T) {
	t.Run("Should generate the qc script from only the spec, raw data path, and mismatch report", func(t *testing.T) {
		ctx := context.Background()
		o, _ := testOrchestrator(t, approveAllGate())
		st := state.New(o.cfg.StudyID, "dm")
		approved, err := o.runToApproval(ctx, st, false)
		require.NoError(t, err)

		prodPath, err := o.runProduction(ctx, st, approved, "")
		require.NoError(t, err)
		qcPath, err := o.runQC(ctx, st, approved, "previous mismatch: SEX")
		require.NoError(t, err)

		assert.NotEqual(t, prodPath, qcPath)
		assert.Contains(t, prodPath, filepath.Join("datasets", "dm.parquet"))
		assert.Contains(t, qcPath, filepath.Join("qc", "dm_qc.parquet"))
		assert.NotEqual(t, filepath.Dir(qcPath), filepath.Dir(prodPath))
	})
}

// TestOrchestrator_Resume covers L4: a second Orchestrator instance,
// pointed at the first's persisted state and approved spec, resumes and
// completes deterministically.
func TestOrchestrator_Resume(t *testing.T) {
	t.Run("Should resume past an approved-spec checkpoint and complete", func(t *testing.T) {
		ctx := context.Background()
		o1, root := testOrchestrator(t, approveAllGate())
		st := state.New(o1.cfg.StudyID, "dm")
		_, err := o1.runToApproval(ctx, st, false)
		require.NoError(t, err)
		require.NoError(t, st.AdvancePhase(state.PhaseProduction))
		require.NoError(t, o1.state.Save(st))

		o2 := newTestOrchestratorAt(t, root, approveAllGate())
		require.NoError(t, o2.Run(ctx, "dm", "", true, false))

		resumed, err := o2.state.Load()
		require.NoError(t, err)
		assert.Equal(t, state.PhaseComplete, resumed.CurrentPhase)
		assert.Equal(t, state.ComparisonMatch, resumed.ComparisonResult)
		assert.Equal(t, "passed", resumed.ValidationStatus)
	})

	t.Run("Should refuse to resume a domain with no persisted state", func(t *testing.T) {
		ctx := context.Background()
		o, _ := testOrchestrator(t, approveAllGate())
		err := o.Resume(ctx, "dm")
		require.Error(t, err)
		var coreErr *core.Error
		require.True(t, errors.As(err, &coreErr))
		assert.Equal(t, core.ErrConfig, coreErr.Kind)
	})
}

// TestOrchestrator_New_RegistryCycle covers B4: a registry dependency
// cycle fails orchestrator construction itself, before any stage runs.
func TestOrchestrator_New_RegistryCycle(t *testing.T) {
	t.Run("Should fail New() before wiring any agent", func(t *testing.T) {
		dir := t.TempDir()
		regPath := filepath.Join(dir, "functions.yaml")
		require.NoError(t, os.WriteFile(regPath, []byte(`
functions:
  - name: a
    purpose: depends on b
    dependencies: [b]
  - name: b
    purpose: depends on a
    dependencies: [a]
`), 0o644))

		cfg := &config.Config{
			StudyID: "STUDY001",
			Paths:   config.PathsConfig{OutputRoot: t.TempDir(), RegistryPath: regPath},
		}
		o, err := New(cfg, "/data/raw/dm.csv")
		require.Error(t, err)
		assert.Nil(t, o)
	})
}
