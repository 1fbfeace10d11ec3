package orchestrator

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sdtm-pilot/sdtm-pilot/engine/agents"
	"github.com/sdtm-pilot/sdtm-pilot/engine/comparator"
	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
	"github.com/sdtm-pilot/sdtm-pilot/engine/memory"
	"github.com/sdtm-pilot/sdtm-pilot/engine/specs"
	"github.com/sdtm-pilot/sdtm-pilot/engine/state"
	"github.com/sdtm-pilot/sdtm-pilot/pkg/logger"
)

// defaultIdentityKey is the SDTM subject identifier every domain dataset
// carries, used to align production and QC rows in the comparison loop
// (spec.md §4.11) absent a domain-specific override.
const defaultIdentityKey = "USUBJID"

// Run starts or resumes the pipeline for domain (spec.md §4.1). If stage
// is non-empty, only that stage runs (its predecessor artifacts must
// already exist, enforced by the Spec/State Managers' Load calls). resume
// loads persisted state instead of starting fresh; force pushes the
// spec-review gate past error findings instead of aborting.
func (o *Orchestrator) Run(ctx context.Context, domain, stage string, resume, force bool) error {
	st, err := o.resolveState(domain, resume)
	if err != nil {
		return err
	}
	if stage != "" {
		return o.runSingleStage(ctx, st, state.Phase(stage), force)
	}
	return o.runAll(ctx, st, force)
}

// Resume loads the persisted state for domain and continues at its
// current_phase (spec.md §4.1 "resume()").
func (o *Orchestrator) Resume(ctx context.Context, domain string) error {
	return o.Run(ctx, domain, "", true, false)
}

func (o *Orchestrator) resolveState(domain string, resume bool) (*state.State, error) {
	st, err := o.state.Load()
	if err != nil {
		if resume {
			return nil, core.NewError(
				fmt.Errorf("cannot resume domain %q: %w", domain, err),
				core.ErrConfig, "resume", nil,
			)
		}
		return state.New(o.cfg.StudyID, domain), nil
	}
	if st.Domain != domain {
		return nil, fmt.Errorf("persisted state is for domain %q, not %q", st.Domain, domain)
	}
	return st, nil
}

// runAll drives every stage in sequence, flushing state to disk after
// each one completes (spec.md §4.1: "state is flushed to disk before the
// next stage runs").
func (o *Orchestrator) runAll(ctx context.Context, st *state.State, force bool) error {
	approved, err := o.runToApproval(ctx, st, force)
	if err != nil {
		return err
	}

	if err := st.AdvancePhase(state.PhaseProduction); err != nil {
		return err
	}
	if err := o.state.Save(st); err != nil {
		return err
	}

	if err := o.runComparisonLoop(ctx, st, approved); err != nil {
		return o.gateFail(st, string(state.PhaseComparison), err)
	}
	if err := st.AdvancePhase(state.PhaseValidation); err != nil {
		return err
	}
	if err := o.state.Save(st); err != nil {
		return err
	}

	if err := o.runValidation(ctx, st, approved); err != nil {
		return o.gateFail(st, string(state.PhaseValidation), err)
	}
	if err := st.AdvancePhase(state.PhaseComplete); err != nil {
		return err
	}
	return o.state.Save(st)
}

// runSingleStage runs exactly one stage, per the `run(stage=...)` contract
// (spec.md §4.1): predecessor artifacts are required to already be on
// disk, enforced by the Load calls each branch makes.
func (o *Orchestrator) runSingleStage(ctx context.Context, st *state.State, phase state.Phase, force bool) error {
	switch phase {
	case state.PhaseSpecBuilding:
		if _, err := o.runSpecBuilding(ctx, st); err != nil {
			return o.gateFail(st, string(phase), err)
		}
	case state.PhaseSpecReview:
		draft, err := o.specs.LoadDraft(st.Domain)
		if err != nil {
			return fmt.Errorf("spec_review requires an existing draft spec: %w", err)
		}
		if _, err := o.runSpecReview(ctx, st, draft, force); err != nil {
			return o.gateFail(st, string(phase), err)
		}
	case state.PhaseHumanReview:
		draft, err := o.specs.LoadDraft(st.Domain)
		if err != nil {
			return fmt.Errorf("human_review requires an existing draft spec: %w", err)
		}
		reviewed, err := o.runSpecReview(ctx, st, draft, force)
		if err != nil {
			return o.gateFail(st, string(phase), err)
		}
		if _, err := o.runHumanReview(ctx, st, reviewed); err != nil {
			return o.gateFail(st, string(phase), err)
		}
	case state.PhaseProduction, state.PhaseQC, state.PhaseComparison:
		approved, err := o.specs.LoadApproved(st.Domain)
		if err != nil {
			return fmt.Errorf("%s requires an approved spec: %w", phase, err)
		}
		if err := o.runComparisonLoop(ctx, st, approved); err != nil {
			return o.gateFail(st, string(phase), err)
		}
	case state.PhaseValidation:
		approved, err := o.specs.LoadApproved(st.Domain)
		if err != nil {
			return fmt.Errorf("validation requires an approved spec: %w", err)
		}
		if err := o.runValidation(ctx, st, approved); err != nil {
			return o.gateFail(st, string(phase), err)
		}
	default:
		return unexpectedStage(string(phase))
	}
	return o.state.Save(st)
}

// runToApproval drives spec_building, spec_review, and human_review, in
// that order, and returns the approved spec. A previously approved spec
// (resume past human_review) or draft spec (resume past spec_building)
// already on disk is reused rather than rebuilt.
func (o *Orchestrator) runToApproval(ctx context.Context, st *state.State, force bool) (*specs.Spec, error) {
	if approved, err := o.specs.LoadApproved(st.Domain); err == nil {
		st.SpecStatus = specs.StatusApproved
		return approved, nil
	}

	draft, err := o.specs.LoadDraft(st.Domain)
	if err != nil {
		draft, err = o.runSpecBuilding(ctx, st)
		if err != nil {
			return nil, o.gateFail(st, string(state.PhaseSpecBuilding), err)
		}
	}
	if err := st.AdvancePhase(state.PhaseSpecReview); err != nil {
		return nil, err
	}
	if err := o.state.Save(st); err != nil {
		return nil, err
	}

	reviewed, err := o.runSpecReview(ctx, st, draft, force)
	if err != nil {
		return nil, o.gateFail(st, string(state.PhaseSpecReview), err)
	}
	if err := st.AdvancePhase(state.PhaseHumanReview); err != nil {
		return nil, err
	}
	if err := o.state.Save(st); err != nil {
		return nil, err
	}

	approved, err := o.runHumanReview(ctx, st, reviewed)
	if err != nil {
		return nil, o.gateFail(st, string(state.PhaseHumanReview), err)
	}
	return approved, nil
}

// runSpecBuilding invokes the Spec-Builder (spec.md §4.4.1). A spec with
// no variables is a fatal gate failure (spec.md §4.1 stage table).
func (o *Orchestrator) runSpecBuilding(ctx context.Context, st *state.State) (*specs.Spec, error) {
	rawFile, err := os.Open(o.rawDataPath)
	if err != nil {
		return nil, core.NewError(err, core.ErrConfig, "spec_building", map[string]any{"raw_data": o.rawDataPath})
	}
	columns, err := csv.NewReader(rawFile).Read()
	_ = rawFile.Close()
	if err != nil {
		return nil, core.NewError(fmt.Errorf("reading raw data header: %w", err), core.ErrConfig, "spec_building", map[string]any{"raw_data": o.rawDataPath})
	}
	spec, err := o.specBuilder.Build(ctx, st.StudyID, st.Domain, columns)
	if err != nil {
		return nil, err
	}
	if len(spec.Variables) == 0 {
		return nil, core.NewError(
			fmt.Errorf("spec-builder returned no variables for domain %q", st.Domain),
			core.ErrSpecValidation, "spec_building", map[string]any{"domain": st.Domain},
		)
	}
	if err := o.specs.SaveDraft(spec); err != nil {
		return nil, err
	}
	st.SpecStatus = specs.StatusDraft
	return spec, nil
}

// runSpecReview invokes the Spec-Reviewer (spec.md §4.4.2). On a
// gate failure (an error-severity finding), force continues anyway
// (spec.md §4.1 stage table: "abort unless force").
func (o *Orchestrator) runSpecReview(ctx context.Context, st *state.State, draft *specs.Spec, force bool) (*specs.Spec, error) {
	requiredVars, err := o.ig.GetRequiredVariables(ctx, st.Domain)
	if err != nil {
		return nil, core.NewError(err, core.ErrIGUnavailable, "spec_review", map[string]any{"domain": st.Domain})
	}
	vctx := specs.ValidationContext{
		Registry:          o.registry,
		CT:                o.ct,
		RequiredVariables: requiredVariableSet(requiredVars),
	}
	reviewed, err := o.specReviewer.Review(ctx, draft, vctx)
	if err != nil {
		if !force {
			return nil, err
		}
		logger.FromContext(ctx).Warn("spec review gate failed; continuing because force=true",
			"domain", st.Domain, "error", err)
		if advErr := reviewed.Advance(specs.StatusReviewed); advErr != nil {
			return nil, advErr
		}
	}
	st.SpecStatus = specs.StatusReviewed
	return reviewed, nil
}

// runHumanReview invokes the Human-Review Gate (spec.md §4.4.3). A reject
// verdict fails the gate (spec.md §4.1 stage table: "fatal on reject");
// operators address it by re-running from spec_building on a subsequent
// invocation.
func (o *Orchestrator) runHumanReview(ctx context.Context, st *state.State, reviewed *specs.Spec) (*specs.Spec, error) {
	outcome, err := o.reviewGate.Run(ctx, reviewed)
	if err != nil {
		return nil, core.NewError(err, core.ErrSpecValidation, "human_review", map[string]any{"domain": st.Domain})
	}
	if outcome.Verdict == agents.VerdictReject {
		return nil, core.NewError(
			fmt.Errorf("human review rejected the spec: %s", outcome.Comments),
			core.ErrSpecValidation, "human_review", map[string]any{"domain": st.Domain},
		)
	}
	if err := o.specs.SaveApproved(reviewed, outcome.Decisions); err != nil {
		return nil, err
	}

	st.HumanDecisions = make(map[string]memory.Decision, len(outcome.Decisions))
	for variable, optionID := range outcome.Decisions {
		st.HumanDecisions[variable] = memory.Decision{
			ID: uuid.NewString(), Variable: variable, OptionID: optionID, Rationale: outcome.Comments,
			Source: memory.SourceHuman, Timestamp: time.Now().UTC(),
			StudyID: reviewed.StudyID, Domain: reviewed.Domain,
		}
	}
	st.SpecStatus = specs.StatusApproved
	return reviewed, nil
}

// runComparisonLoop drives production → qc → comparison, retrying up to
// MAX_ITERATIONS times on a mismatch (spec.md §4.1 comparison loop). Each
// retry's agents receive the prior mismatch report but never each other's
// generated artifacts (spec.md §4.4 independence invariant).
func (o *Orchestrator) runComparisonLoop(ctx context.Context, st *state.State, approved *specs.Spec) error {
	maxIterations := o.cfg.Pipeline.MaxIterations
	if maxIterations <= 0 {
		maxIterations = state.DefaultMaxIterations
	}

	mismatchReport := ""
	for {
		prodDataset, err := o.runProduction(ctx, st, approved, mismatchReport)
		if err != nil {
			return err
		}
		qcDataset, err := o.runQC(ctx, st, approved, mismatchReport)
		if err != nil {
			return err
		}

		report, err := comparator.Compare(prodDataset, qcDataset, comparator.Options{
			IdentityKey: defaultIdentityKey,
			SampleSize:  o.cfg.Pipeline.ComparisonSampleSize,
		})
		if err != nil {
			return core.NewError(err, core.ErrComparisonMismatch, "comparison", map[string]any{"domain": st.Domain})
		}

		compareReport := formatCompareReport(report)
		if reportErr := o.writeCompareReport(st.Domain, compareReport); reportErr != nil {
			return reportErr
		}

		if report.Match {
			st.ComparisonResult = state.ComparisonMatch
			st.Artifacts["production_dataset"] = prodDataset
			st.Artifacts["qc_dataset"] = qcDataset
			return nil
		}

		st.ComparisonResult = state.ComparisonMismatch
		if err := st.IncrementComparisonIteration(maxIterations); err != nil {
			return core.NewError(
				fmt.Errorf("comparison did not converge after %d iteration(s): %w", maxIterations, err),
				core.ErrComparisonMismatch, "comparison", map[string]any{"report": report},
			)
		}
		mismatchReport = compareReport
		if err := o.state.Save(st); err != nil {
			return err
		}
		logger.FromContext(ctx).Info("comparison mismatch, retrying",
			"domain", st.Domain, "iteration", st.ComparisonIteration, "max_iterations", maxIterations)
	}
}

// runProduction writes the domain's primary working dataset under
// datasets/ (spec.md §6 External Interfaces), unprefixed — it is the one
// dataset downstream validation consumes.
func (o *Orchestrator) runProduction(ctx context.Context, st *state.State, approved *specs.Spec, mismatchReport string) (string, error) {
	artifact, err := o.production.Generate(ctx, approved, o.rawDataPath, mismatchReport)
	if err != nil {
		return "", err
	}
	datasetPath, err := o.outputRoot.Join("datasets", fmt.Sprintf("%s.parquet", st.Domain))
	if err != nil {
		return "", err
	}
	if err := o.runScript(ctx, artifact, o.outputRoot.Path(), o.rawDataPath, datasetPath); err != nil {
		return "", err
	}
	st.ProductionStatus = "executed"
	return datasetPath, nil
}

// runQC writes the QC dataset under its own qc/ tree (spec.md §6:
// production and QC artifacts never share a directory) so a reviewer can
// tell at a glance which file came from which independent agent.
func (o *Orchestrator) runQC(ctx context.Context, st *state.State, approved *specs.Spec, mismatchReport string) (string, error) {
	artifact, err := o.qc.Generate(ctx, approved, o.rawDataPath, mismatchReport)
	if err != nil {
		return "", err
	}
	datasetPath, err := o.outputRoot.Join("qc", fmt.Sprintf("%s_qc.parquet", st.Domain))
	if err != nil {
		return "", err
	}
	if err := o.runScript(ctx, artifact, o.outputRoot.Path(), o.rawDataPath, datasetPath); err != nil {
		return "", err
	}
	st.QCStatus = "executed"
	return datasetPath, nil
}

// runValidation invokes the Validator (spec.md §4.4.6) against the
// matched production output recorded by the comparison loop.
func (o *Orchestrator) runValidation(ctx context.Context, st *state.State, approved *specs.Spec) error {
	prodDataset, ok := st.Artifacts["production_dataset"]
	if !ok {
		return core.NewError(
			fmt.Errorf("no matched production dataset recorded for domain %q", st.Domain),
			core.ErrValidationFinding, "validation", nil,
		)
	}
	report, err := o.validator.Validate(ctx, approved, prodDataset)
	if err != nil {
		st.ValidationStatus = "failed"
		return err
	}
	st.ValidationStatus = "passed"
	if report.Fatal {
		st.ValidationStatus = "failed"
	}
	return nil
}

// gateFail records err to the state's error log with its typed kind,
// flushes the state, and returns err unchanged so the caller still sees
// the original failure.
func (o *Orchestrator) gateFail(st *state.State, stage string, err error) error {
	var coreErr *core.Error
	kind := core.ErrScriptExecution
	if errors.As(err, &coreErr) && coreErr.Kind != "" {
		kind = coreErr.Kind
	}
	st.RecordError(kind, stage, err)
	_ = o.state.Save(st)
	return err
}

// writeCompareReport persists the comparison outcome to
// qc/<domain>_compare_report.txt (spec.md §6 External Interfaces), on
// both a match and a mismatch — a reviewer auditing a passing run still
// needs to see that the comparison actually ran and what it covered.
func (o *Orchestrator) writeCompareReport(domain, report string) error {
	path, err := o.outputRoot.Join("qc", fmt.Sprintf("%s_compare_report.txt", domain))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return core.NewError(fmt.Errorf("writing compare report %q: %w", path, err), core.ErrComparisonMismatch, "comparison", nil)
	}
	return nil
}

func formatCompareReport(report comparator.Report) string {
	status := "MATCH"
	if !report.Match {
		status = "MISMATCH"
	}
	out := fmt.Sprintf("Comparison %s: %d production row(s), %d qc row(s).\n", status, report.ProductionRowCount, report.QCRowCount)
	for _, m := range report.StructuralMismatches {
		out += "structural: " + m + "\n"
	}
	for _, c := range report.ColumnMismatches {
		out += fmt.Sprintf("column %s: %d mismatch(es)\n", c.Column, c.Count)
	}
	return out
}
