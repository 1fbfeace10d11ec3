package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sdtm-pilot/sdtm-pilot/engine/conventions"
	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
	"github.com/sdtm-pilot/sdtm-pilot/engine/ct"
	"github.com/sdtm-pilot/sdtm-pilot/engine/ig"
	"github.com/sdtm-pilot/sdtm-pilot/engine/llmclient"
	"github.com/sdtm-pilot/sdtm-pilot/engine/memory"
	"github.com/sdtm-pilot/sdtm-pilot/engine/registry"
	"github.com/sdtm-pilot/sdtm-pilot/engine/specs"
)

const specBuilderSystemPrompt = `You are the spec-builder agent for an SDTM mapping pipeline. Given raw ` +
	`data columns, the domain's implementation guide requirements, the function registry catalog, and ` +
	`prior conventions/decisions, produce a draft mapping specification. For every variable prefer a ` +
	`registry function over custom logic; mark human_decision_required when a codelist is non-extensible ` +
	`and a raw value cannot be resolved, or the IG lists more than one valid approach. Respond with a ` +
	`single JSON object matching the supplied schema.`

// SpecBuilder is the Spec-Builder agent (spec.md §4.4.1).
type SpecBuilder struct {
	LLM         *llmclient.Client
	Registry    *registry.Registry
	IG          ig.Client
	CT          *ct.Resolver
	Memory      *memory.Store
	Conventions *conventions.Manager
	RetryBudget int
}

// Build produces a draft spec for domain from rawColumns (the raw
// dataset's column names) and the IG/registry/CT/memory context.
// IG unavailability is fatal (spec.md §4.4.1); a registry gap for a
// required transformation only flags the affected variable.
func (b *SpecBuilder) Build(ctx context.Context, studyID, domain string, rawColumns []string) (*specs.Spec, error) {
	if !b.IG.IsAvailable(ctx) {
		return nil, core.NewError(
			fmt.Errorf("implementation guide unavailable for domain %q", domain),
			core.ErrIGUnavailable, "spec_building", map[string]any{"domain": domain},
		)
	}

	pack, err := BuildContextPack(ctx, domain, b.Registry, b.IG, b.Memory, b.Conventions)
	if err != nil {
		return nil, core.NewError(err, core.ErrIGUnavailable, "spec_building", map[string]any{"domain": domain})
	}

	req := llmclient.Request{
		SystemPrompt: specBuilderSystemPrompt,
		UserPrompt:   pack.Render() + "\nRaw data columns:\n- " + strings.Join(rawColumns, "\n- "),
		Domain:       domain,
		Schema:       draftSpecSchema,
	}
	resp, err := callWithSchemaRetry(ctx, b.LLM, req, b.RetryBudget)
	if err != nil {
		return nil, core.NewError(err, core.ErrSchemaViolation, "spec_building", map[string]any{"domain": domain})
	}

	spec, err := decodeDraftSpec(resp.Structured, studyID, domain)
	if err != nil {
		return nil, core.NewError(err, core.ErrSchemaViolation, "spec_building", map[string]any{"domain": domain})
	}

	b.flagUnresolvedCodelists(ctx, spec)
	return spec, nil
}

func decodeDraftSpec(structured map[string]any, studyID, domain string) (*specs.Spec, error) {
	data, err := json.Marshal(structured)
	if err != nil {
		return nil, fmt.Errorf("re-encoding draft spec response: %w", err)
	}
	var payload struct {
		Variables []specs.Variable `json:"variables"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding draft spec response: %w", err)
	}
	return &specs.Spec{
		StudyID:     studyID,
		Domain:      domain,
		SpecVersion: "1",
		CreatedBy:   "spec-builder",
		Status:      specs.StatusDraft,
		Variables:   payload.Variables,
	}, nil
}

// flagUnresolvedCodelists marks a variable for human decision when the CT
// resolver reports its codelist as non-extensible and the model listed no
// controlled terms for it — a conservative fallback when the model didn't
// already flag it. A variable whose codelist cannot be fetched is left as is.
func (b *SpecBuilder) flagUnresolvedCodelists(ctx context.Context, spec *specs.Spec) {
	if b.CT == nil {
		return
	}
	for i := range spec.Variables {
		v := &spec.Variables[i]
		if v.CodelistCode == "" || v.HumanDecisionRequired {
			continue
		}
		cl, err := b.CT.FetchCodelist(ctx, v.CodelistCode)
		if err != nil {
			continue
		}
		if !cl.Extensible && len(v.ControlledTerms) == 0 {
			v.HumanDecisionRequired = true
			v.DecisionOptions = append(v.DecisionOptions, specs.DecisionOption{
				ID:          "unresolved",
				Description: fmt.Sprintf("no submission value resolved against non-extensible codelist %s", v.CodelistCode),
			})
		}
	}
}
