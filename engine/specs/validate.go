package specs

import (
	"context"
	"fmt"

	"github.com/sdtm-pilot/sdtm-pilot/engine/ct"
	"github.com/sdtm-pilot/sdtm-pilot/engine/registry"
)

// ValidationContext bundles the read-shared components Validate consults.
// RequiredVariables is the set of target-variable names the IG Client
// reports as required for the spec's domain (spec.md §4.3 rule 3).
// HumanDecisions maps target-variable name to the approved option_id, and
// is only checked (rule 4) when CheckApprovalReadiness is true — a draft
// spec is not yet expected to carry decisions.
type ValidationContext struct {
	Registry                *registry.Registry
	CT                      *ct.Resolver
	RequiredVariables       map[string]bool
	HumanDecisions          map[string]string
	CheckApprovalReadiness  bool
}

// Validate runs the six spec-consistency rules from spec.md §4.3 and
// returns every finding; it has no error return — even a codelist the CT
// resolver cannot resolve yields a finding, per spec.md's "must return a
// list of structured findings, never throw on data errors".
func Validate(ctx context.Context, spec *Spec, vctx ValidationContext) []ReviewFinding {
	var findings []ReviewFinding

	findings = append(findings, validateCodelists(ctx, spec, vctx)...)
	findings = append(findings, validateMacros(spec, vctx)...)
	findings = append(findings, validateRequiredVariables(spec, vctx)...)
	if vctx.CheckApprovalReadiness {
		findings = append(findings, validateHumanDecisions(spec, vctx)...)
	}
	findings = append(findings, validateLengths(spec)...)
	findings = append(findings, validateNoDuplicates(spec)...)

	return findings
}

// Rule 1: every codelist_code referenced must resolve via CT Resolver.
func validateCodelists(ctx context.Context, spec *Spec, vctx ValidationContext) []ReviewFinding {
	var findings []ReviewFinding
	if vctx.CT == nil {
		return findings
	}
	checked := map[string]bool{}
	for _, v := range spec.Variables {
		if v.CodelistCode == "" || checked[v.CodelistCode] {
			continue
		}
		checked[v.CodelistCode] = true
		if _, err := vctx.CT.FetchCodelist(ctx, v.CodelistCode); err != nil {
			findings = append(findings, ReviewFinding{
				Variable: v.TargetVariable,
				Severity: SeverityError,
				Rule:     "codelist_resolves",
				Message:  fmt.Sprintf("codelist %q does not resolve via the CT resolver: %v", v.CodelistCode, err),
			})
		}
	}
	return findings
}

// Rule 2: every macro_used exists in the function registry and its
// function_parameters are a valid binding for that entry's schema.
func validateMacros(spec *Spec, vctx ValidationContext) []ReviewFinding {
	var findings []ReviewFinding
	if vctx.Registry == nil {
		return findings
	}
	for _, v := range spec.Variables {
		if v.MacroUsed == "" {
			continue
		}
		if _, ok := vctx.Registry.Get(v.MacroUsed); !ok {
			findings = append(findings, ReviewFinding{
				Variable: v.TargetVariable, Severity: SeverityError, Rule: "macro_exists",
				Message: fmt.Sprintf("macro_used %q is not present in the function registry", v.MacroUsed),
			})
			continue
		}
		if err := vctx.Registry.ValidateBinding(v.MacroUsed, v.FunctionParameters); err != nil {
			findings = append(findings, ReviewFinding{
				Variable: v.TargetVariable, Severity: SeverityError, Rule: "macro_parameters_valid",
				Message: err.Error(),
			})
		}
	}
	return findings
}

// Rule 3: for required domain variables (from IG), a record must exist
// with a non-null mapping (a populated mapping_logic or macro_used).
func validateRequiredVariables(spec *Spec, vctx ValidationContext) []ReviewFinding {
	var findings []ReviewFinding
	present := map[string]Variable{}
	for _, v := range spec.Variables {
		present[v.TargetVariable] = v
	}
	for name := range vctx.RequiredVariables {
		v, ok := present[name]
		if !ok {
			findings = append(findings, ReviewFinding{
				Variable: name, Severity: SeverityError, Rule: "required_variable_present",
				Message: fmt.Sprintf("required variable %q has no spec record", name),
			})
			continue
		}
		if v.MappingLogic == "" && v.MacroUsed == "" {
			findings = append(findings, ReviewFinding{
				Variable: name, Severity: SeverityError, Rule: "required_variable_mapped",
				Message: fmt.Sprintf("required variable %q has no mapping_logic or macro_used", name),
			})
		}
	}
	return findings
}

// Rule 4: for any variable marked human_decision_required in a spec
// intended to be approved, a matching decision must be present with an
// option_id among decision_options.
func validateHumanDecisions(spec *Spec, vctx ValidationContext) []ReviewFinding {
	var findings []ReviewFinding
	for _, v := range spec.Variables {
		if !v.HumanDecisionRequired {
			continue
		}
		optionID, ok := vctx.HumanDecisions[v.TargetVariable]
		if !ok {
			findings = append(findings, ReviewFinding{
				Variable: v.TargetVariable, Severity: SeverityError, Rule: "decision_present",
				Message: "human_decision_required but no decision record exists",
			})
			continue
		}
		valid := false
		for _, opt := range v.DecisionOptions {
			if opt.ID == optionID {
				valid = true
				break
			}
		}
		if !valid {
			findings = append(findings, ReviewFinding{
				Variable: v.TargetVariable, Severity: SeverityError, Rule: "decision_option_valid",
				Message: fmt.Sprintf("decision option_id %q is not among declared decision_options", optionID),
			})
		}
	}
	return findings
}

// Rule 5: length >= max(len(term) for term in controlled_terms).
func validateLengths(spec *Spec) []ReviewFinding {
	var findings []ReviewFinding
	for _, v := range spec.Variables {
		maxLen := 0
		for _, term := range v.ControlledTerms {
			if len(term) > maxLen {
				maxLen = len(term)
			}
		}
		if v.Length < maxLen {
			findings = append(findings, ReviewFinding{
				Variable: v.TargetVariable, Severity: SeverityError, Rule: "length_covers_terms",
				Message: fmt.Sprintf("length %d is shorter than the longest controlled term (%d)", v.Length, maxLen),
			})
		}
	}
	return findings
}

// Rule 6: no duplicate target_variable within the spec.
func validateNoDuplicates(spec *Spec) []ReviewFinding {
	var findings []ReviewFinding
	seen := map[string]bool{}
	for _, v := range spec.Variables {
		if seen[v.TargetVariable] {
			findings = append(findings, ReviewFinding{
				Variable: v.TargetVariable, Severity: SeverityError, Rule: "no_duplicate_variables",
				Message: fmt.Sprintf("duplicate target_variable %q", v.TargetVariable),
			})
		}
		seen[v.TargetVariable] = true
	}
	return findings
}
