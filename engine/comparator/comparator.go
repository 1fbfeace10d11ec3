// Package comparator implements the Comparator (spec.md §4.11): a
// column-wise diff of two parquet datasets aligned on an identity key,
// with type-specific equality and structural-mismatch detection that is
// never silently normalized away.
package comparator

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
)

// MismatchSample is one sampled disagreement between the two datasets.
type MismatchSample struct {
	IdentityValue   string `json:"identity_value"`
	ProductionValue any    `json:"production_value"`
	QCValue         any    `json:"qc_value"`
}

// ColumnMismatch is the per-column tally for one shared column.
type ColumnMismatch struct {
	Column  string            `json:"column"`
	Count   int               `json:"count"`
	Samples []MismatchSample `json:"samples"`
}

// Report is the comparison outcome (spec.md §3 "Comparison Report").
type Report struct {
	Match                bool             `json:"match"`
	ColumnMismatches     []ColumnMismatch `json:"column_mismatches,omitempty"`
	StructuralMismatches []string         `json:"structural_mismatches,omitempty"`
	ProductionRowCount   int              `json:"production_row_count"`
	QCRowCount           int              `json:"qc_row_count"`
}

// Options configures a comparison run.
type Options struct {
	IdentityKey string
	// SampleSize bounds how many mismatched rows are recorded per column
	// (spec.md §4.11 default 10).
	SampleSize int
	// FloatTolerance opts a named float column into epsilon comparison
	// instead of exact equality (DESIGN.md Open Question decision).
	FloatTolerance map[string]float64
}

const defaultSampleSize = 10

// Compare reads productionPath and qcPath as parquet files and returns
// their comparison report. Missing columns, differing column counts, and
// differing row counts are always recorded as structural mismatches —
// never silently normalized (spec.md §4.11) — even while the function
// still compares whatever identity keys and columns the two datasets
// share.
func Compare(productionPath, qcPath string, opts Options) (Report, error) {
	sampleSize := opts.SampleSize
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}

	prod, err := readParquet(productionPath)
	if err != nil {
		return Report{}, core.NewError(err, core.ErrComparisonMismatch, "comparison_read_production", nil)
	}
	qc, err := readParquet(qcPath)
	if err != nil {
		return Report{}, core.NewError(err, core.ErrComparisonMismatch, "comparison_read_qc", nil)
	}

	report := Report{
		ProductionRowCount: len(prod.rows),
		QCRowCount:         len(qc.rows),
		Match:              true,
	}

	shared, structural := diffColumns(prod.columns, qc.columns)
	report.StructuralMismatches = append(report.StructuralMismatches, structural...)
	if len(prod.rows) != len(qc.rows) {
		report.StructuralMismatches = append(report.StructuralMismatches,
			fmt.Sprintf("row count differs: production=%d qc=%d", len(prod.rows), len(qc.rows)))
	}
	if len(report.StructuralMismatches) > 0 {
		report.Match = false
	}

	prodByKey := indexByIdentity(prod.rows, opts.IdentityKey)
	qcByKey := indexByIdentity(qc.rows, opts.IdentityKey)

	mismatches := make(map[string]*ColumnMismatch, len(shared))
	for key, prodRow := range prodByKey {
		qcRow, ok := qcByKey[key]
		if !ok {
			continue
		}
		for _, col := range shared {
			if col == opts.IdentityKey {
				continue
			}
			pv, qv := prodRow[col], qcRow[col]
			if valuesEqual(col, pv, qv, opts.FloatTolerance) {
				continue
			}
			cm, exists := mismatches[col]
			if !exists {
				cm = &ColumnMismatch{Column: col}
				mismatches[col] = cm
			}
			cm.Count++
			if len(cm.Samples) < sampleSize {
				cm.Samples = append(cm.Samples, MismatchSample{IdentityValue: key, ProductionValue: pv, QCValue: qv})
			}
		}
	}

	for _, col := range shared {
		if cm, ok := mismatches[col]; ok {
			report.ColumnMismatches = append(report.ColumnMismatches, *cm)
		}
	}
	sort.Slice(report.ColumnMismatches, func(i, j int) bool {
		return report.ColumnMismatches[i].Column < report.ColumnMismatches[j].Column
	})
	if len(report.ColumnMismatches) > 0 {
		report.Match = false
	}

	return report, nil
}

func diffColumns(a, b []string) (shared []string, structural []string) {
	aSet := make(map[string]bool, len(a))
	for _, c := range a {
		aSet[c] = true
	}
	bSet := make(map[string]bool, len(b))
	for _, c := range b {
		bSet[c] = true
	}
	for _, c := range a {
		if bSet[c] {
			shared = append(shared, c)
		} else {
			structural = append(structural, fmt.Sprintf("column %q present in production, missing in qc", c))
		}
	}
	for _, c := range b {
		if !aSet[c] {
			structural = append(structural, fmt.Sprintf("column %q present in qc, missing in production", c))
		}
	}
	sort.Strings(shared)
	sort.Strings(structural)
	return shared, structural
}

func indexByIdentity(rows []map[string]any, identityKey string) map[string]map[string]any {
	out := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		key := fmt.Sprintf("%v", row[identityKey])
		out[key] = row
	}
	return out
}

func valuesEqual(col string, a, b any, tolerance map[string]float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aIsFloat := toFloat(a)
	bf, bIsFloat := toFloat(b)
	if aIsFloat && bIsFloat {
		if tol, hasTol := tolerance[col]; hasTol {
			return math.Abs(af-bf) <= tol
		}
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

type dataset struct {
	columns []string
	rows    []map[string]any
}

// ReadDataset exposes the parquet row reader to other components (the
// Validator) that need raw column/row access without running a full
// Compare.
func ReadDataset(path string) (columns []string, rows []map[string]any, err error) {
	ds, err := readParquet(path)
	if err != nil {
		return nil, nil, err
	}
	return ds.columns, ds.rows, nil
}

// readParquet reads every row of path into column-name-keyed maps using
// parquet-go's low-level row-group/value API, so it needs no static
// per-domain struct to decode an SDTM dataset whose column set varies by
// domain.
func readParquet(path string) (*dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening parquet file %q: %w", path, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat parquet file %q: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("reading parquet schema %q: %w", path, err)
	}

	leaves := pf.Schema().Columns()
	colNames := make([]string, len(leaves))
	for i, leaf := range leaves {
		colNames[i] = leaf[len(leaf)-1]
	}

	ds := &dataset{columns: colNames}
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		buf := make([]parquet.Row, 256)
		for {
			n, readErr := rows.ReadRows(buf)
			for i := 0; i < n; i++ {
				ds.rows = append(ds.rows, rowToMap(buf[i], colNames))
			}
			if readErr != nil {
				break
			}
		}
		_ = rows.Close()
	}
	return ds, nil
}

func rowToMap(row parquet.Row, colNames []string) map[string]any {
	record := make(map[string]any, len(colNames))
	for _, v := range row {
		idx := v.Column()
		if idx < 0 || idx >= len(colNames) {
			continue
		}
		record[colNames[idx]] = valueToAny(v)
	}
	return record
}

func valueToAny(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return v.String()
	}
}
