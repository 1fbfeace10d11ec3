// Package orchestrator implements the Pipeline Orchestrator (spec.md
// §4.1): it drives the five agents and the human-review gate through the
// stage sequence in order, applies each stage's gate, runs the bounded
// production/QC comparison retry loop, and checkpoints state to disk
// before the next stage begins.
package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/sdtm-pilot/sdtm-pilot/engine/agents"
	"github.com/sdtm-pilot/sdtm-pilot/engine/config"
	"github.com/sdtm-pilot/sdtm-pilot/engine/conventions"
	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
	"github.com/sdtm-pilot/sdtm-pilot/engine/ct"
	"github.com/sdtm-pilot/sdtm-pilot/engine/ig"
	"github.com/sdtm-pilot/sdtm-pilot/engine/llmclient"
	"github.com/sdtm-pilot/sdtm-pilot/engine/memory"
	"github.com/sdtm-pilot/sdtm-pilot/engine/registry"
	"github.com/sdtm-pilot/sdtm-pilot/engine/specs"
	"github.com/sdtm-pilot/sdtm-pilot/engine/state"
)

// ReviewGate is the Human-Review Gate capability the orchestrator drives
// (spec.md §4.4.3). *agents.HumanReviewGate is the only production
// implementation; tests substitute a scripted fake so a decision can be
// driven without an interactive terminal session.
type ReviewGate interface {
	Run(ctx context.Context, spec *specs.Spec) (agents.Outcome, error)
}

// scriptRunner executes a generated program as a subprocess (spec.md
// §4.4.4). Orchestrator.executeScript is the production implementation;
// tests substitute a fake that writes a deterministic dataset directly,
// so the comparison/validation stages can be exercised without a real
// python3/Rscript/sas interpreter on the test host.
type scriptRunner func(ctx context.Context, artifact agents.ScriptArtifact, workDir, rawDataPath, outputDatasetPath string) error

// Orchestrator is the Pipeline Orchestrator. It owns no domain logic of
// its own beyond stage sequencing and gating — every stage's actual work
// is delegated to the already-wired component it holds a reference to.
type Orchestrator struct {
	cfg *config.Config

	outputRoot  *core.OutputRoot
	state       *state.Manager
	specs       *specs.Manager
	registry    *registry.Registry
	ig          ig.Client
	ct          *ct.Resolver
	memory      *memory.Store
	conventions *conventions.Manager

	specBuilder  *agents.SpecBuilder
	specReviewer *agents.SpecReviewer
	reviewGate   ReviewGate
	production   *agents.Programmer
	qc           *agents.Programmer
	validator    *agents.Validator
	runScript    scriptRunner

	rawDataPath string
}

// New wires every component from cfg and returns a ready-to-run
// Orchestrator. rawDataPath is the study's raw source dataset, the
// production/qc stage input named in spec.md §4.1's stage table.
func New(cfg *config.Config, rawDataPath string) (*Orchestrator, error) {
	outputRoot, err := core.NewOutputRoot(cfg.Paths.OutputRoot)
	if err != nil {
		return nil, core.NewError(err, core.ErrConfig, "orchestrator_wiring", nil)
	}

	reg, err := registry.Load(cfg.Paths.RegistryPath)
	if err != nil {
		return nil, err
	}

	igClient := ig.NewFileBackend(cfg.Paths.IGContentDir)

	ctOverlay, err := ct.LoadOverlay(cfg.Paths.CTOverlayPath)
	if err != nil {
		return nil, core.NewError(err, core.ErrConfig, "orchestrator_wiring", nil)
	}
	ctResolver := ct.NewResolver(ct.Options{
		BaseURL:     cfg.CT.BaseURL,
		Timeout:     cfg.CT.Timeout,
		RetryBudget: cfg.CT.RetryBudget,
		Overlay:     ctOverlay,
	})

	conv, err := conventions.Load(cfg.Paths.ConventionsBaseDir, cfg.Paths.ConventionsStudyDir)
	if err != nil {
		return nil, core.NewError(err, core.ErrConfig, "orchestrator_wiring", nil)
	}

	mem, err := memory.Open(cfg.Paths.MemoryCompanyDir, cfg.Paths.MemoryStudyDir)
	if err != nil {
		return nil, core.NewError(err, core.ErrConfig, "orchestrator_wiring", nil)
	}

	specManager := specs.NewManager(outputRoot)
	stateManager := state.NewManager(outputRoot)

	reviewLLM := newLLMClient(cfg, cfg.LLM.ReviewModel)
	productionLLM := newLLMClient(cfg, cfg.LLM.ProductionModel)
	qcLLM := newLLMClient(cfg, cfg.LLM.QCModel)

	programsDir, err := outputRoot.Join("programs")
	if err != nil {
		return nil, err
	}
	qcDir, err := outputRoot.Join("qc")
	if err != nil {
		return nil, err
	}
	validationDir, err := outputRoot.Join("validation")
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:         cfg,
		outputRoot:  outputRoot,
		state:       stateManager,
		specs:       specManager,
		registry:    reg,
		ig:          igClient,
		ct:          ctResolver,
		memory:      mem,
		conventions: conv,
		rawDataPath: rawDataPath,

		specBuilder: &agents.SpecBuilder{
			LLM: reviewLLM, Registry: reg, IG: igClient, CT: ctResolver,
			Memory: mem, Conventions: conv, RetryBudget: cfg.Pipeline.SchemaRetryBudget,
		},
		specReviewer: &agents.SpecReviewer{LLM: reviewLLM, RetryBudget: cfg.Pipeline.SchemaRetryBudget},
		reviewGate:   &agents.HumanReviewGate{Memory: mem, Conventions: conv},
		production: agents.NewProgrammer(agents.RoleProduction, productionLLM, reg, igClient, mem,
			cfg.Pipeline.SchemaRetryBudget, programsDir),
		qc: agents.NewProgrammer(agents.RoleQC, qcLLM, reg, igClient, mem,
			cfg.Pipeline.SchemaRetryBudget, qcDir),
		validator: agents.NewValidator(ctResolver, cfg.Pipeline.ValidationFatal, validationDir),
	}
	o.runScript = o.executeScript
	return o, nil
}

func newLLMClient(cfg *config.Config, model config.ModelConfig) *llmclient.Client {
	return llmclient.New(llmclient.Options{
		Mode: llmclient.Mode(cfg.LLM.Mode),
		Provider: &llmclient.ProviderConfig{
			Provider: llmclient.ProviderName(model.Provider),
			Model:    model.Model,
			APIURL:   model.APIURL,
			// Per spec.md §6, the API key is never read from a config
			// file — only from the environment, when the client is built.
			APIKey: os.Getenv("SDTM_PILOT_LLM_API_KEY"),
		},
		PromptLogPath: cfg.LLM.PromptLogPath,
		Timeout:       cfg.LLM.RequestTimeout,
		RetryBudget:   cfg.LLM.ModelRetryBudget,
	})
}

func requiredVariableSet(vars []ig.Variable) map[string]bool {
	set := make(map[string]bool, len(vars))
	for _, v := range vars {
		set[v.Name] = true
	}
	return set
}

func unexpectedStage(stage string) error {
	return fmt.Errorf("unknown pipeline stage %q", stage)
}
