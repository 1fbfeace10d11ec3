package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
	"github.com/sdtm-pilot/sdtm-pilot/engine/llmclient"
	"github.com/sdtm-pilot/sdtm-pilot/engine/specs"
)

const specReviewerSystemPrompt = `You are the spec-reviewer agent for an SDTM mapping pipeline. Review the ` +
	`draft spec against the implementation guide and function registry context provided. Surface any ` +
	`completeness gap, inconsistent codelist reference, derivation-ordering violation, or CRF coverage gap ` +
	`as a finding with severity info, warn, or error. Respond with a single JSON object matching the ` +
	`supplied schema.`

// SpecReviewer is the Spec-Reviewer agent (spec.md §4.4.2). It runs the
// deterministic validation rules from engine/specs first, then asks the
// model for a qualitative pass (completeness narrative, CRF coverage),
// and merges both sets of findings onto the spec.
type SpecReviewer struct {
	LLM         *llmclient.Client
	RetryBudget int
}

// Review validates spec, appends the LLM's qualitative findings, and
// advances the spec to reviewed — unless any finding (deterministic or
// model-surfaced) is severity error, in which case the gate fails and the
// spec's status is left unchanged (spec.md §4.4.2: "Fails the gate if any
// error").
func (r *SpecReviewer) Review(ctx context.Context, spec *specs.Spec, vctx specs.ValidationContext) (*specs.Spec, error) {
	findings := specs.Validate(ctx, spec, vctx)

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding spec for review: %w", err)
	}
	req := llmclient.Request{
		SystemPrompt: specReviewerSystemPrompt,
		UserPrompt:   "Draft spec:\n" + string(specJSON),
		Domain:       spec.Domain,
		Schema:       reviewFindingsSchema,
	}
	resp, err := callWithSchemaRetry(ctx, r.LLM, req, r.RetryBudget)
	if err != nil {
		return nil, core.NewError(err, core.ErrSchemaViolation, "spec_review", map[string]any{"domain": spec.Domain})
	}
	llmFindings, err := decodeReviewFindings(resp.Structured)
	if err != nil {
		return nil, core.NewError(err, core.ErrSchemaViolation, "spec_review", map[string]any{"domain": spec.Domain})
	}

	spec.ReviewFindings = append(findings, llmFindings...)

	for _, f := range spec.ReviewFindings {
		if f.Severity == specs.SeverityError {
			return spec, core.NewError(
				fmt.Errorf("spec review found %d error-severity finding(s)", countErrors(spec.ReviewFindings)),
				core.ErrSpecValidation, "spec_review", map[string]any{"domain": spec.Domain},
			)
		}
	}

	if err := spec.Advance(specs.StatusReviewed); err != nil {
		return spec, core.NewError(err, core.ErrSpecValidation, "spec_review", map[string]any{"domain": spec.Domain})
	}
	return spec, nil
}

func decodeReviewFindings(structured map[string]any) ([]specs.ReviewFinding, error) {
	data, err := json.Marshal(structured)
	if err != nil {
		return nil, fmt.Errorf("re-encoding review findings response: %w", err)
	}
	var payload struct {
		Findings []specs.ReviewFinding `json:"findings"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding review findings response: %w", err)
	}
	return payload.Findings, nil
}

func countErrors(findings []specs.ReviewFinding) int {
	n := 0
	for _, f := range findings {
		if f.Severity == specs.SeverityError {
			n++
		}
	}
	return n
}
