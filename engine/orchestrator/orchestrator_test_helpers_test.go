package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/sdtm-pilot/sdtm-pilot/engine/agents"
	"github.com/sdtm-pilot/sdtm-pilot/engine/config"
	"github.com/sdtm-pilot/sdtm-pilot/engine/conventions"
	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
	"github.com/sdtm-pilot/sdtm-pilot/engine/ig"
	"github.com/sdtm-pilot/sdtm-pilot/engine/llmclient"
	"github.com/sdtm-pilot/sdtm-pilot/engine/memory"
	"github.com/sdtm-pilot/sdtm-pilot/engine/registry"
	"github.com/sdtm-pilot/sdtm-pilot/engine/specs"
	"github.com/sdtm-pilot/sdtm-pilot/engine/state"
)

// fakeIG is a minimal ig.Client standing in for the file-backed IG
// content a real study would supply, scoped to the demographics template
// variables (SEX, RACE, ETHNIC, AGE).
type fakeIG struct {
	available bool
	vars      []ig.Variable
	required  []ig.Variable
}

func newFakeIG() *fakeIG {
	vars := []ig.Variable{
		{Name: "SEX", Label: "Sex", Type: "Char", Requirement: ig.Required},
		{Name: "RACE", Label: "Race", Type: "Char", Requirement: ig.Required, CTControlled: true, CTCode: "RACE"},
		{Name: "ETHNIC", Label: "Ethnicity", Type: "Char", Requirement: ig.Expected, CTControlled: true, CTCode: "ETHNIC"},
		{Name: "AGE", Label: "Age", Type: "Num", Requirement: ig.Expected},
	}
	return &fakeIG{available: true, vars: vars, required: []ig.Variable{vars[0], vars[1]}}
}

func (f *fakeIG) GetDomainVariables(context.Context, string) ([]ig.Variable, error) { return f.vars, nil }
func (f *fakeIG) GetRequiredVariables(context.Context, string) ([]ig.Variable, error) {
	return f.required, nil
}
func (f *fakeIG) GetConditionalVariables(context.Context, string) ([]ig.Variable, error) {
	return nil, nil
}
func (f *fakeIG) GetCTVariables(context.Context, string) ([]ig.Variable, error) { return nil, nil }
func (f *fakeIG) GetVariableDetail(_ context.Context, _, variable string) (ig.Variable, bool, error) {
	for _, v := range f.vars {
		if v.Name == variable {
			return v, true, nil
		}
	}
	return ig.Variable{}, false, nil
}
func (f *fakeIG) IsAvailable(context.Context) bool { return f.available }

// fakeReviewGate scripts the Human-Review Gate's verdict without an
// interactive terminal session.
type fakeReviewGate struct {
	outcome agents.Outcome
	err     error
	calls   int
}

func (f *fakeReviewGate) Run(context.Context, *specs.Spec) (agents.Outcome, error) {
	f.calls++
	return f.outcome, f.err
}

func approveAllGate() *fakeReviewGate {
	return &fakeReviewGate{outcome: agents.Outcome{Verdict: agents.VerdictApprove, Decisions: map[string]string{}}}
}

func rejectGate(comments string) *fakeReviewGate {
	return &fakeReviewGate{outcome: agents.Outcome{Verdict: agents.VerdictReject, Comments: comments}}
}

type dmRow struct {
	USUBJID string `parquet:"USUBJID"`
	SEX     string `parquet:"SEX"`
	RACE    string `parquet:"RACE"`
	ETHNIC  string `parquet:"ETHNIC"`
	AGE     int64  `parquet:"AGE"`
}

func writeDMParquet(t *testing.T, path string, rows []dmRow) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := parquet.NewGenericWriter[dmRow](f)
	_, err = w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

var defaultFixtureRows = []dmRow{
	{USUBJID: "001", SEX: "M", RACE: "WHITE", ETHNIC: "NOT HISPANIC OR LATINO", AGE: 45},
	{USUBJID: "002", SEX: "F", RACE: "BLACK OR AFRICAN AMERICAN", ETHNIC: "HISPANIC OR LATINO", AGE: 52},
}

// matchingScriptRunner writes identical rows under both the production
// and QC dataset paths, simulating two independent agents converging on
// the same output (spec.md §8 scenario 6).
func matchingScriptRunner(t *testing.T) scriptRunner {
	return func(_ context.Context, _ agents.ScriptArtifact, _, _, outputDatasetPath string) error {
		writeDMParquet(t, outputDatasetPath, defaultFixtureRows)
		return nil
	}
}

// divergingScriptRunner writes production and QC datasets that never
// agree, forcing every comparison iteration to register a mismatch.
func divergingScriptRunner(t *testing.T) scriptRunner {
	return func(_ context.Context, artifact agents.ScriptArtifact, _, _, outputDatasetPath string) error {
		rows := defaultFixtureRows
		if artifact.Role == agents.RoleQC {
			rows = []dmRow{
				{USUBJID: "001", SEX: "F", RACE: "WHITE", ETHNIC: "NOT HISPANIC OR LATINO", AGE: 45},
				{USUBJID: "002", SEX: "F", RACE: "BLACK OR AFRICAN AMERICAN", ETHNIC: "HISPANIC OR LATINO", AGE: 52},
			}
		}
		writeDMParquet(t, outputDatasetPath, rows)
		return nil
	}
}

// testOrchestrator wires a disk-backed Orchestrator (parquet I/O needs a
// real filesystem; see engine/comparator.ReadDataset) with every external
// collaborator faked or put in a deterministic offline mode, so a full
// pipeline run never touches the network or a real LLM/interpreter.
func testOrchestrator(t *testing.T, gate *fakeReviewGate) (*Orchestrator, *core.OutputRoot) {
	t.Helper()
	root, err := core.NewOutputRoot(t.TempDir())
	require.NoError(t, err)
	return newTestOrchestratorAt(t, root, gate), root
}

// newTestOrchestratorAt builds a fully wired Orchestrator rooted at an
// existing output root, so a test can construct a second instance that
// picks up a first instance's persisted state/spec artifacts — standing
// in for a process restart after a crash.
func newTestOrchestratorAt(t *testing.T, root *core.OutputRoot, gate *fakeReviewGate) *Orchestrator {
	t.Helper()
	regPath := filepath.Join(t.TempDir(), "functions.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(`
functions:
  - name: derive_age
    purpose: Derive subject age at reference date
    parameters:
      - name: birth_date
        type: variable_ref
        required: false
`), 0o644))
	reg, err := registry.Load(regPath)
	require.NoError(t, err)

	igClient := newFakeIG()
	mem, err := memory.Open(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	conv, err := conventions.Load("", "")
	require.NoError(t, err)

	llm := llmclient.New(llmclient.Options{Mode: llmclient.ModeTemplate})

	programsDir, err := root.Join("programs")
	require.NoError(t, err)
	qcDir, err := root.Join("qc")
	require.NoError(t, err)
	validationDir, err := root.Join("validation")
	require.NoError(t, err)

	o := &Orchestrator{
		cfg: &config.Config{
			StudyID: "STUDY001",
			Pipeline: config.PipelineConfig{
				MaxIterations: 2, SchemaRetryBudget: 1, ComparisonSampleSize: 10, ValidationFatal: false,
			},
		},
		outputRoot:  root,
		state:       state.NewManager(root),
		specs:       specs.NewManager(root),
		registry:    reg,
		ig:          igClient,
		ct:          nil,
		memory:      mem,
		conventions: conv,

		specBuilder: &agents.SpecBuilder{
			LLM: llm, Registry: reg, IG: igClient, CT: nil, Memory: mem, Conventions: conv, RetryBudget: 1,
		},
		specReviewer: &agents.SpecReviewer{LLM: llm, RetryBudget: 1},
		reviewGate:   gate,
		production:   agents.NewProgrammer(agents.RoleProduction, llm, reg, igClient, mem, 1, programsDir),
		qc:           agents.NewProgrammer(agents.RoleQC, llm, reg, igClient, mem, 1, qcDir),
		validator:    agents.NewValidator(nil, false, validationDir),
		rawDataPath:  writeRawCSV(t),
	}
	o.runScript = matchingScriptRunner(t)
	return o
}

func writeRawCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dm.csv")
	require.NoError(t, os.WriteFile(path, []byte("USUBJID,SEX,RACE,ETHNIC,AGE\n001,M,WHITE,NOT HISPANIC OR LATINO,45\n"), 0o644))
	return path
}
