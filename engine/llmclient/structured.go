package llmclient

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// decodeStructured parses raw as a JSON object and, when schema is
// supplied, validates it against schema before returning (spec.md §4.4:
// "the agent parses/validates the output against a schema"). A parse or
// schema failure surfaces as core.ErrSchemaViolation to the caller, which
// retries with a clarified prompt up to its bounded budget.
func decodeStructured(raw string, schema map[string]any) (map[string]any, error) {
	if schema == nil {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("model response is not a JSON object: %w", err)
	}
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encoding response schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile(schemaBytes)
	if err != nil {
		return nil, fmt.Errorf("compiling response schema: %w", err)
	}
	result := compiled.Validate(doc)
	if !result.IsValid() {
		return nil, fmt.Errorf("model response does not satisfy the expected schema")
	}
	return doc, nil
}
