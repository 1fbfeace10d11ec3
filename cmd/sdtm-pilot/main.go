// Command sdtm-pilot is the CLI front-end spec.md §6 describes as an
// external collaborator of the orchestration core: it parses the
// documented flag surface, resolves configuration, and drives exactly one
// Orchestrator.Run call. It owns no pipeline logic of its own.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sdtm-pilot/sdtm-pilot/engine/config"
	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
	"github.com/sdtm-pilot/sdtm-pilot/engine/orchestrator"
	"github.com/sdtm-pilot/sdtm-pilot/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// newRootCommand wires spec.md §6's documented flag surface (--domain,
// --stage, --study, --resume, --force) plus the config/raw-data paths the
// Config Resolver and Orchestrator need but the spec leaves to the CLI.
func newRootCommand() *cobra.Command {
	var (
		configPath  string
		overlayPath string
		study       string
		domain      string
		stage       string
		rawData     string
		resume      bool
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "sdtm-pilot",
		Short: "Drive the SDTM mapping spec/code/data pipeline for one study domain",
		Long: "sdtm-pilot runs the spec-building, review, human-review, production, qc, " +
			"comparison, and validation stages of the SDTM mapping pipeline in order, " +
			"checkpointing state after every stage.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			cfg, err := config.NewResolver(configPath, overlayPath).Resolve()
			if err != nil {
				return err
			}
			if study != "" {
				cfg.StudyID = study
			}
			if cfg.StudyID == "" {
				return core.NewError(errors.New("no study id: pass --study or set study_id in the base config"),
					core.ErrConfig, "cli", nil)
			}

			o, err := orchestrator.New(cfg, rawData)
			if err != nil {
				return err
			}

			ctx := logger.ContextWithLogger(context.Background(),
				logger.NewLogger(&logger.Config{Level: logger.LogLevel(cfg.Logging.Level), JSON: cfg.Logging.JSON, Output: os.Stderr}))
			return o.Run(ctx, domain, stage, resume, force)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "base configuration file")
	cmd.Flags().StringVar(&overlayPath, "study-config", "", "per-study configuration overlay file")
	cmd.Flags().StringVar(&study, "study", "", "study id (spec.md §6 --study)")
	cmd.Flags().StringVar(&domain, "domain", "", "target SDTM domain, e.g. dm (spec.md §6 --domain)")
	cmd.Flags().StringVar(&stage, "stage", "", "run only this pipeline stage instead of the full sequence (spec.md §6 --stage)")
	cmd.Flags().StringVar(&rawData, "raw-data", "", "path to the raw per-site tabular input (spec.md §6 External Interfaces)")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume from persisted state instead of starting fresh (spec.md §6 --resume)")
	cmd.Flags().BoolVar(&force, "force", false, "push past the spec-review error gate (spec.md §6 --force)")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

// exitCode maps a returned error's core.ErrorKind to a nonzero process
// exit code, per spec.md §6: "Exit code 0 on pipeline success; nonzero
// with an error category otherwise."
func exitCode(err error) int {
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		switch coreErr.Kind {
		case core.ErrConfig:
			return 2
		case core.ErrIGUnavailable, core.ErrCTResolution:
			return 3
		case core.ErrModel, core.ErrSchemaViolation:
			return 4
		case core.ErrSpecValidation:
			return 5
		case core.ErrScriptExecution:
			return 6
		case core.ErrComparisonMismatch:
			return 7
		case core.ErrValidationFinding:
			return 8
		}
	}
	return 1
}
