package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/sdtm-pilot/sdtm-pilot/engine/agents"
	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
)

// interpreters maps a generated script's declared language to the binary
// that executes it (spec.md §4.4.4: "the orchestrator then executes the
// script as a subprocess").
var interpreters = map[string]string{
	"python": "python3",
	"r":      "Rscript",
	"sas":    "sas",
}

// executeScript runs artifact.Path as a subprocess with workDir as its
// working directory, per spec.md §4.4.4. The raw data path and the
// expected output dataset path are passed through the environment — the
// convention the generated script is prompted to honor (engine/agents'
// programmer system prompt) — since the script's own content is not known
// until the model returns it. A nonzero exit is fatal to the stage.
func (o *Orchestrator) executeScript(ctx context.Context, artifact agents.ScriptArtifact, workDir, rawDataPath, outputDatasetPath string) error {
	interpreter, ok := interpreters[artifact.Language]
	if !ok {
		return core.NewError(
			fmt.Errorf("no interpreter registered for language %q", artifact.Language),
			core.ErrScriptExecution, string(artifact.Role)+"_execution", map[string]any{"path": artifact.Path},
		)
	}

	cmd := exec.CommandContext(ctx, interpreter, artifact.Path)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"SDTM_RAW_DATA="+rawDataPath,
		"SDTM_OUTPUT_DATASET="+outputDatasetPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return core.NewError(
			fmt.Errorf("script %q exited with error: %w (stderr: %s)", artifact.Path, err, stderr.String()),
			core.ErrScriptExecution, string(artifact.Role)+"_execution",
			map[string]any{"path": artifact.Path, "stderr": stderr.String()},
		)
	}
	return nil
}
