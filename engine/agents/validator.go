package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/xuri/excelize/v2"

	"github.com/sdtm-pilot/sdtm-pilot/engine/comparator"
	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
	"github.com/sdtm-pilot/sdtm-pilot/engine/ct"
	"github.com/sdtm-pilot/sdtm-pilot/engine/specs"
)

var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}(:\d{2})?)?$`)

// ValidationReport is the Validator's structured output (spec.md §4.4.6).
type ValidationReport struct {
	Findings []specs.ReviewFinding `json:"findings"`
	Fatal    bool                  `json:"fatal"`
}

// Validator is the Validator agent (spec.md §4.4.6): a deterministic
// structural check over the approved spec and the matched production
// output, with no model call — there is nothing here a schema-validated
// LLM response would do better than direct dataset introspection.
type Validator struct {
	CT              *ct.Resolver
	ValidationFatal bool
	outputDir       string
}

// NewValidator builds a Validator writing its three artifacts (p21_report.txt,
// p21_spec_sheet.xlsx, define_metadata.json) under outputDir (the study
// output root's "validation" directory).
func NewValidator(ctResolver *ct.Resolver, validationFatal bool, outputDir string) *Validator {
	return &Validator{CT: ctResolver, ValidationFatal: validationFatal, outputDir: outputDir}
}

// Validate runs the structural checks listed in spec.md §4.4.6 and emits
// the validation report, a codelist/value-level-metadata sheet, and a
// submission metadata document. ValidationFatal decides whether any
// error-severity finding aborts the pipeline (returned as an error) or is
// only recorded (spec.md: "a configuration flag decides whether a
// violation aborts the pipeline or is recorded as a finding").
func (v *Validator) Validate(ctx context.Context, spec *specs.Spec, datasetPath string) (ValidationReport, error) {
	columns, rows, err := comparator.ReadDataset(datasetPath)
	if err != nil {
		return ValidationReport{}, core.NewError(err, core.ErrValidationFinding, "validation", map[string]any{"dataset": datasetPath})
	}
	columnSet := make(map[string]bool, len(columns))
	for _, c := range columns {
		columnSet[c] = true
	}

	var findings []specs.ReviewFinding
	for _, variable := range spec.Variables {
		if !columnSet[variable.TargetVariable] {
			findings = append(findings, specs.ReviewFinding{
				Variable: variable.TargetVariable, Severity: specs.SeverityError,
				Message: "declared variable missing from output dataset", Rule: "structural_presence",
			})
			continue
		}
		findings = append(findings, v.checkValues(ctx, variable, rows)...)
	}

	report := ValidationReport{Findings: findings}
	for _, f := range findings {
		if f.Severity == specs.SeverityError {
			report.Fatal = true
			break
		}
	}

	if err := v.writeArtifacts(spec, report); err != nil {
		return report, core.NewError(err, core.ErrValidationFinding, "validation", map[string]any{"domain": spec.Domain})
	}

	if report.Fatal && v.ValidationFatal {
		return report, core.NewError(
			fmt.Errorf("validation found a fatal structural violation"),
			core.ErrValidationFinding, "validation", map[string]any{"domain": spec.Domain},
		)
	}
	return report, nil
}

func (v *Validator) checkValues(ctx context.Context, variable specs.Variable, rows []map[string]any) []specs.ReviewFinding {
	var findings []specs.ReviewFinding
	isISODate := isISODateVariable(variable.TargetVariable)
	nonExtensibleCTControlled := variable.CodelistCode != "" && len(variable.ControlledTerms) > 0

	for _, row := range rows {
		value, ok := row[variable.TargetVariable]
		if !ok || value == nil {
			continue
		}
		str := fmt.Sprintf("%v", value)

		if variable.DataType == specs.Char && variable.Length > 0 && len(str) > variable.Length {
			findings = append(findings, specs.ReviewFinding{
				Variable: variable.TargetVariable, Severity: specs.SeverityError,
				Message: fmt.Sprintf("value %q exceeds declared length %d", str, variable.Length), Rule: "declared_length",
			})
		}
		if isISODate && !isoDatePattern.MatchString(str) {
			findings = append(findings, specs.ReviewFinding{
				Variable: variable.TargetVariable, Severity: specs.SeverityError,
				Message: fmt.Sprintf("value %q does not match the ISO 8601 date/datetime grammar", str), Rule: "iso_date_grammar",
			})
		}
		if nonExtensibleCTControlled && !containsString(variable.ControlledTerms, str) {
			findings = append(findings, specs.ReviewFinding{
				Variable: variable.TargetVariable, Severity: specs.SeverityError,
				Message: fmt.Sprintf("value %q is not in the declared controlled terms", str), Rule: "controlled_terms",
			})
		}
	}
	return findings
}

func isISODateVariable(name string) bool {
	return len(name) >= 4 && (name[len(name)-3:] == "DTC" || name[len(name)-2:] == "DT")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// writeArtifacts persists the three validation artifacts named in
// spec.md §6 External Interfaces: a Pinnacle 21-style plain-text report,
// a value-level-metadata spec sheet workbook (mirroring
// engine/specs.Manager.ExportHumanReadable's excelize usage), and a
// define.xml-adjacent submission metadata document.
func (v *Validator) writeArtifacts(spec *specs.Spec, report ValidationReport) error {
	if err := os.MkdirAll(v.outputDir, 0o755); err != nil {
		return fmt.Errorf("creating validation dir %q: %w", v.outputDir, err)
	}
	if err := v.writeP21Report(spec, report); err != nil {
		return err
	}
	if err := v.writeP21SpecSheet(spec); err != nil {
		return err
	}
	defineMetadata := map[string]any{
		"study_id":     spec.StudyID,
		"domain":       spec.Domain,
		"spec_version": spec.SpecVersion,
		"variables":    len(spec.Variables),
	}
	return writeJSONArtifact(filepath.Join(v.outputDir, "define_metadata.json"), defineMetadata)
}

func (v *Validator) writeP21Report(spec *specs.Spec, report ValidationReport) error {
	path := filepath.Join(v.outputDir, "p21_report.txt")
	status := "PASS"
	if report.Fatal {
		status = "FAIL"
	}
	out := fmt.Sprintf("Pinnacle 21-style validation report for %s/%s\nStatus: %s\nFindings: %d\n\n",
		spec.StudyID, spec.Domain, status, len(report.Findings))
	for _, f := range report.Findings {
		out += fmt.Sprintf("[%s] %s (%s): %s\n", f.Severity, f.Variable, f.Rule, f.Message)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(out), 0o644); err != nil {
		return fmt.Errorf("writing temp artifact %q: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

var valueLevelColumns = []string{"Target Variable", "Codelist Code", "Codelist Name", "Controlled Terms"}

func (v *Validator) writeP21SpecSheet(spec *specs.Spec) error {
	path := filepath.Join(v.outputDir, "p21_spec_sheet.xlsx")

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Value-Level Metadata"
	f.SetSheetName(f.GetSheetName(0), sheet)

	for col, header := range valueLevelColumns {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
	}
	for row, variable := range spec.Variables {
		r := row + 2
		values := []any{variable.TargetVariable, variable.CodelistCode, variable.CodelistName, joinTerms(variable.ControlledTerms)}
		for col, val := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, r)
			_ = f.SetCellValue(sheet, cell, val)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving value-level metadata workbook %q: %w", path, err)
	}
	return nil
}

func joinTerms(terms []string) string {
	out := ""
	for i, t := range terms {
		if i > 0 {
			out += ", "
		}
		out += t
	}
	return out
}

func writeJSONArtifact(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %q: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp artifact %q: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
