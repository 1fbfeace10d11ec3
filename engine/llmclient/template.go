package llmclient

import (
	"encoding/json"
	"fmt"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
)

// domainTemplates are the rule-based fallbacks for the spec-builder's
// draft-spec schema in template mode (spec.md §4.8: "Bypass the model;
// run rule-based templates keyed on domain"). Demographics is the only
// domain this pilot's scenarios exercise (spec.md §8 scenario 6); other
// domains fall back to an empty-but-valid document rather than failing,
// so template mode never blocks the pipeline on an unmodeled domain.
var domainTemplates = map[string]func(req Request) map[string]any{
	"dm": demographicsTemplate,
}

func (c *Client) callTemplate(req Request) (Response, error) {
	structured := templateDocument(req)
	raw, err := marshalCompact(structured)
	if err != nil {
		return Response{}, core.NewError(err, core.ErrModel, "llm_call_template", nil)
	}
	return Response{Raw: raw, Structured: structured}, nil
}

// templateDocument picks a canned document shaped to what the caller
// actually needs, keyed on the requested schema's own properties rather
// than on domain alone. cannedStructure (llmclient.go, log-only mode)
// keys off the same schema["properties"] set but fills every property
// with nil; a programmer given a nil script or a reviewer given a nil
// findings array can't do anything useful with it, so template mode goes
// one step further and returns real, schema-satisfying values.
func templateDocument(req Request) map[string]any {
	props, _ := req.Schema["properties"].(map[string]any)
	switch {
	case hasProperty(props, "findings"):
		return reviewFindingsTemplate()
	case hasProperty(props, "language") && hasProperty(props, "script"):
		return programScriptTemplate(req)
	default:
		fn, ok := domainTemplates[req.Domain]
		if !ok {
			return map[string]any{}
		}
		return fn(req)
	}
}

func hasProperty(props map[string]any, name string) bool {
	_, ok := props[name]
	return ok
}

// reviewFindingsTemplate gives the spec-reviewer agent a valid, empty
// findings array — the deterministic offline stand-in for the model's
// qualitative pass never raises a finding of its own, leaving the
// deterministic rule-based findings from engine/specs.Validate as the
// only ones recorded (spec.md §8 scenario 6).
func reviewFindingsTemplate() map[string]any {
	return map[string]any{"findings": []any{}}
}

// programScriptTemplate gives the production/QC programmer agents an
// actually-executable script: a Python interpreter that copies the raw
// CSV's USUBJID/SEX/RACE/ETHNIC/AGE columns straight through to the output
// dataset path named by SDTM_OUTPUT_DATASET (parquet when pyarrow is
// importable, CSV otherwise), plus a CSV copy beside it with an .xpt.csv
// suffix. Production and QC requests for the same
// domain receive byte-identical scripts, so under template mode the
// comparison stage matches trivially (spec.md §8 scenario 6: "comparison
// matches trivially because both agents run deterministic templates").
func programScriptTemplate(_ Request) map[string]any {
	return map[string]any{
		"language": "python",
		"script":   demographicsProgramScript,
		"summary":  "Deterministic template-mode passthrough of raw demographics columns.",
	}
}

const demographicsProgramScript = `import csv
import os

raw_path = os.environ["SDTM_RAW_DATA"]
out_path = os.environ["SDTM_OUTPUT_DATASET"]

with open(raw_path, newline="") as f:
    rows = list(csv.DictReader(f))

columns = ["USUBJID", "SEX", "RACE", "ETHNIC", "AGE"]
records = [{c: row.get(c, "") for c in columns} for row in rows]

try:
    import pyarrow as pa
    import pyarrow.parquet as pq

    table = pa.table({c: [r[c] for r in records] for c in columns})
    pq.write_table(table, out_path)
except ImportError:
    with open(out_path, "w", newline="") as f:
        writer = csv.DictWriter(f, fieldnames=columns)
        writer.writeheader()
        writer.writerows(records)

transport_path = os.path.splitext(out_path)[0] + ".xpt.csv"
with open(transport_path, "w", newline="") as f:
    writer = csv.DictWriter(f, fieldnames=columns)
    writer.writeheader()
    writer.writerows(records)
`

// demographicsTemplate produces a deterministic draft-spec-shaped document
// for the demographics domain, so L2 (re-running spec_build under template
// mode on the same inputs is content-equal) holds trivially.
func demographicsTemplate(_ Request) map[string]any {
	return map[string]any{
		"variables": []any{
			map[string]any{
				"target_variable": "SEX", "target_domain": "DM", "data_type": "Char", "length": 1,
				"mapping_logic": "Direct copy from raw SEX column, uppercased.",
			},
			map[string]any{
				"target_variable": "RACE", "target_domain": "DM", "data_type": "Char", "length": 40,
				"mapping_logic": "Map raw RACE free text to the CDISC Race codelist.",
				"codelist_code": "RACE",
			},
			map[string]any{
				"target_variable": "ETHNIC", "target_domain": "DM", "data_type": "Char", "length": 40,
				"mapping_logic": "Map raw ETHNIC free text to the CDISC Ethnicity codelist.",
				"codelist_code": "ETHNIC",
			},
			map[string]any{
				"target_variable": "AGE", "target_domain": "DM", "data_type": "Num", "length": 3,
				"mapping_logic": "Derive age at reference date from BRTHDTC.",
				"macro_used":     "derive_age",
			},
		},
	}
}

func marshalCompact(v map[string]any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding template response: %w", err)
	}
	return string(data), nil
}
