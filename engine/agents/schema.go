package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
	"github.com/sdtm-pilot/sdtm-pilot/engine/llmclient"
)

// DefaultSchemaRetryBudget is how many times an agent re-asks the model
// after a schema-validation failure before surfacing an error (spec.md
// §4.4: "retries up to a small bounded count (default 2)").
const DefaultSchemaRetryBudget = 2

// callWithSchemaRetry calls llm.Call, and on a core.ErrSchemaViolation
// response re-issues the call up to retryBudget additional times with a
// clarifying addendum appended to the user prompt. Any other error kind
// (e.g. core.ErrModel) is not retried here — the LLM Client already
// applies its own bounded retry for transient model/network failures.
func callWithSchemaRetry(
	ctx context.Context,
	llm *llmclient.Client,
	req llmclient.Request,
	retryBudget int,
) (llmclient.Response, error) {
	if retryBudget <= 0 {
		retryBudget = DefaultSchemaRetryBudget
	}

	attempt := req
	var lastErr error
	for i := 0; i <= retryBudget; i++ {
		resp, err := llm.Call(ctx, attempt)
		if err == nil {
			return resp, nil
		}
		var coreErr *core.Error
		if !errors.As(err, &coreErr) || coreErr.Kind != core.ErrSchemaViolation {
			return llmclient.Response{}, err
		}
		lastErr = err
		attempt.UserPrompt = req.UserPrompt + fmt.Sprintf(
			"\n\nYour previous response did not satisfy the required schema (%s). Respond with a single JSON object matching it exactly.",
			err.Error(),
		)
	}
	return llmclient.Response{}, lastErr
}

var draftSpecSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"variables": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_variable":         map[string]any{"type": "string"},
					"target_domain":           map[string]any{"type": "string"},
					"source_variable":         map[string]any{"type": "string"},
					"source_dataset":          map[string]any{"type": "string"},
					"data_type":               map[string]any{"type": "string", "enum": []any{"Char", "Num"}},
					"length":                  map[string]any{"type": "integer"},
					"codelist_code":           map[string]any{"type": "string"},
					"codelist_name":           map[string]any{"type": "string"},
					"mapping_logic":           map[string]any{"type": "string"},
					"macro_used":              map[string]any{"type": "string"},
					"human_decision_required": map[string]any{"type": "boolean"},
				},
				"required": []any{"target_variable", "target_domain", "data_type", "length", "mapping_logic"},
			},
		},
	},
	"required": []any{"variables"},
}

var reviewFindingsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"findings": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"variable": map[string]any{"type": "string"},
					"severity": map[string]any{"type": "string", "enum": []any{"info", "warn", "error"}},
					"message":  map[string]any{"type": "string"},
					"rule":     map[string]any{"type": "string"},
				},
				"required": []any{"severity", "message"},
			},
		},
	},
	"required": []any{"findings"},
}

var programScriptSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"language": map[string]any{"type": "string", "enum": []any{"python", "r", "sas"}},
		"script":   map[string]any{"type": "string"},
		"summary":  map[string]any{"type": "string"},
	},
	"required": []any{"language", "script"},
}
