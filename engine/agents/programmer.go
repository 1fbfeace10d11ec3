package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sdtm-pilot/sdtm-pilot/engine/conventions"
	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
	"github.com/sdtm-pilot/sdtm-pilot/engine/ig"
	"github.com/sdtm-pilot/sdtm-pilot/engine/llmclient"
	"github.com/sdtm-pilot/sdtm-pilot/engine/memory"
	"github.com/sdtm-pilot/sdtm-pilot/engine/registry"
	"github.com/sdtm-pilot/sdtm-pilot/engine/specs"
)

// emptyConventions is shared by every Programmer: programmer agents don't
// consult conventions (only the spec-builder and reviewer do, per spec.md
// §4.4), so BuildContextPack is given a manager with nothing loaded into
// it rather than a nil pointer.
var emptyConventions = mustEmptyConventions()

func mustEmptyConventions() *conventions.Manager {
	m, err := conventions.Load("", "")
	if err != nil {
		panic(err)
	}
	return m
}

// Role distinguishes the production programmer from the QC programmer.
// The two are otherwise the same agent shape — the independence invariant
// (spec.md §4.4) is enforced structurally, not by Role: a Programmer only
// ever receives a spec, a raw data path, and a freshly built ContextPack
// (§4.4 "the orchestrator constructing the QC context pack from scratch"),
// never the other role's generated script, execution log, or dataset.
type Role string

const (
	RoleProduction Role = "production"
	RoleQC         Role = "qc"
)

var scriptExtensions = map[string]string{"python": "py", "r": "R", "sas": "sas"}

const programmerSystemPromptTemplate = `You are the %s programmer agent for an SDTM mapping pipeline. Using ` +
	`only the approved spec and the supplied function registry/IG context, generate a single executable ` +
	`script that: sources registered transformation functions in topological dependency order, reads the ` +
	`raw data path from the SDTM_RAW_DATA environment variable, produces the target domain dataset, and ` +
	`writes it to the path in the SDTM_OUTPUT_DATASET environment variable in columnar parquet form ` +
	`(primary), plus the regulatory fixed-column transport form alongside it (secondary). Include a ` +
	`comment header per variable citing the approved spec reference (variable name, codelist, decision ` +
	`id). Use a registry function for any transformation it covers; custom inline logic only where none ` +
	`applies. Respond with a single JSON object matching the supplied schema.`

// ScriptArtifact is the generated, persisted transformation script. The
// orchestrator executes Path as a subprocess with the study root as its
// working directory (spec.md §4.4.4).
type ScriptArtifact struct {
	Path     string
	Language string
	Role     Role
}

// Programmer is the Production-Programmer (spec.md §4.4.4) or the
// QC-Programmer (spec.md §4.4.5), selected by Role.
type Programmer struct {
	Role        Role
	LLM         *llmclient.Client
	Registry    *registry.Registry
	IG          ig.Client
	Memory      *memory.Store
	RetryBudget int
	outputDir   string
}

// NewProgrammer builds a Programmer for role, writing generated scripts
// under outputDir — the study output root's "programs" directory for
// RoleProduction, its separate "qc" directory for RoleQC (spec.md §6
// External Interfaces: production and QC artifacts live in distinct
// trees, never sharing a directory).
func NewProgrammer(role Role, llm *llmclient.Client, reg *registry.Registry, igClient ig.Client, store *memory.Store, retryBudget int, outputDir string) *Programmer {
	return &Programmer{Role: role, LLM: llm, Registry: reg, IG: igClient, Memory: store, RetryBudget: retryBudget, outputDir: outputDir}
}

// Generate asks the model for a transformation script implementing spec
// against rawDataPath, and persists it under outputDir. mismatchReport, if
// non-empty, is the previous comparison's formatted mismatch report,
// biasing self-correction on a retry (spec.md §4.1) without exposing the
// other role's code.
func (p *Programmer) Generate(ctx context.Context, spec *specs.Spec, rawDataPath string, mismatchReport string) (ScriptArtifact, error) {
	pack, err := BuildContextPack(ctx, spec.Domain, p.Registry, p.IG, p.Memory, emptyConventions)
	if err != nil {
		return ScriptArtifact{}, core.NewError(err, core.ErrIGUnavailable, string(p.Role)+"_programming", map[string]any{"domain": spec.Domain})
	}
	pack.MismatchReport = mismatchReport

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return ScriptArtifact{}, fmt.Errorf("encoding approved spec: %w", err)
	}

	req := llmclient.Request{
		SystemPrompt: fmt.Sprintf(programmerSystemPromptTemplate, p.Role),
		UserPrompt:   pack.Render() + fmt.Sprintf("\nRaw data path: %s\n\nApproved spec:\n%s", rawDataPath, specJSON),
		Domain:       spec.Domain,
		Schema:       programScriptSchema,
	}
	resp, err := callWithSchemaRetry(ctx, p.LLM, req, p.RetryBudget)
	if err != nil {
		return ScriptArtifact{}, core.NewError(err, core.ErrSchemaViolation, string(p.Role)+"_programming", map[string]any{"domain": spec.Domain})
	}

	language, _ := resp.Structured["language"].(string)
	script, _ := resp.Structured["script"].(string)
	ext := scriptExtensions[language]
	if ext == "" {
		ext = "txt"
	}

	name := spec.Domain + "_production." + ext
	if p.Role == RoleQC {
		name = spec.Domain + "_qc." + ext
	}
	path := filepath.Join(p.outputDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ScriptArtifact{}, fmt.Errorf("creating program dir for %q: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return ScriptArtifact{}, fmt.Errorf("writing generated script %q: %w", path, err)
	}

	return ScriptArtifact{Path: path, Language: language, Role: p.Role}, nil
}
