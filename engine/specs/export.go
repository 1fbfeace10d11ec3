package specs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
)

var humanReadableColumns = []string{
	"Target Variable", "Target Domain", "Source Variable", "Source Dataset",
	"Data Type", "Length", "Codelist Code", "Codelist Name", "Controlled Terms",
	"Mapping Logic", "Macro Used", "Assumptions", "Human Decision Required",
}

// ExportHumanReadable renders spec as the tabular workbook named by
// spec.md §4.3/§6 (`specs/<domain>_mapping_spec.xlsx`).
func (m *Manager) ExportHumanReadable(spec *Spec) error {
	path, err := m.outputRoot.Join("specs", spec.Domain+"_mapping_spec.xlsx")
	if err != nil {
		return core.NewError(err, core.ErrSpecValidation, "spec_export_xlsx", nil)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Mapping Spec"
	f.SetSheetName(f.GetSheetName(0), sheet)

	for col, header := range humanReadableColumns {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
	}

	for row, v := range spec.Variables {
		r := row + 2
		values := []any{
			v.TargetVariable, v.TargetDomain, v.SourceVariable, v.SourceDataset,
			string(v.DataType), v.Length, v.CodelistCode, v.CodelistName,
			joinTerms(v.ControlledTerms), v.MappingLogic, v.MacroUsed,
			joinTerms(v.Assumptions), v.HumanDecisionRequired,
		}
		for col, val := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, r)
			_ = f.SetCellValue(sheet, cell, val)
		}
	}

	if err := ensureDir(path); err != nil {
		return core.NewError(err, core.ErrSpecValidation, "spec_export_xlsx", nil)
	}
	if err := f.SaveAs(path); err != nil {
		return core.NewError(fmt.Errorf("saving workbook %q: %w", path, err), core.ErrSpecValidation, "spec_export_xlsx", nil)
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

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
