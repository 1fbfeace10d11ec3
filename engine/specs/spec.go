// Package specs implements the Spec Manager (spec.md §4.3): the versioned
// mapping specification document that is the sole source of truth for
// generated code, output data, and submission metadata.
package specs

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/tidwall/pretty"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
)

// Status is the spec's version lifecycle stage (spec.md §4.3). Transitions
// are not reversible within a single pipeline run.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusReviewed  Status = "reviewed"
	StatusApproved  Status = "approved"
	StatusFinalized Status = "finalized"
)

// statusOrder gives each status its position in the monotonic lifecycle
// (spec.md P1), used to reject backward transitions.
var statusOrder = map[Status]int{
	StatusDraft:     0,
	StatusReviewed:  1,
	StatusApproved:  2,
	StatusFinalized: 3,
}

// DataType is a variable's SDTM storage type.
type DataType string

const (
	Char DataType = "Char"
	Num  DataType = "Num"
)

// DecisionOption is one offered resolution for a human_decision_required
// variable.
type DecisionOption struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	IGReference string   `json:"ig_reference,omitempty"`
	Pros        []string `json:"pros,omitempty"`
	Cons        []string `json:"cons,omitempty"`
}

// Variable is one mapping specification record (spec.md §3).
type Variable struct {
	TargetVariable     string            `json:"target_variable"`
	TargetDomain       string            `json:"target_domain"`
	SourceVariable     string            `json:"source_variable,omitempty"`
	SourceDataset      string            `json:"source_dataset,omitempty"`
	DataType           DataType          `json:"data_type"`
	Length             int               `json:"length"`
	CodelistCode       string            `json:"codelist_code,omitempty"`
	CodelistName       string            `json:"codelist_name,omitempty"`
	ControlledTerms    []string          `json:"controlled_terms,omitempty"`
	MappingLogic       string            `json:"mapping_logic"`
	MacroUsed          string            `json:"macro_used,omitempty"`
	FunctionParameters map[string]any    `json:"function_parameters,omitempty"`
	Assumptions        []string          `json:"assumptions,omitempty"`
	HumanDecisionRequired bool           `json:"human_decision_required"`
	DecisionOptions    []DecisionOption  `json:"decision_options,omitempty"`

	// SupplementalQualifier flags a variable whose original free-text value
	// belongs in the domain's SUPP dataset (SPEC_FULL.md §C.1). It is only
	// carried on the record; no component writes a SUPP dataset from it.
	SupplementalQualifier bool `json:"supplemental_qualifier,omitempty"`
}

// ReviewFinding is a structured issue surfaced by validation or review
// (spec.md §4.3/§4.4.2).
type ReviewFinding struct {
	Variable string `json:"variable,omitempty"`
	Severity string `json:"severity"` // info | warn | error
	Message  string `json:"message"`
	Rule     string `json:"rule,omitempty"`
}

const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Spec is the mapping specification document (spec.md §3).
type Spec struct {
	StudyID     string     `json:"study_id"`
	Domain      string     `json:"domain"`
	SpecVersion string     `json:"spec_version"`
	CreatedBy   string     `json:"created_by"`
	Status      Status     `json:"status"`
	Variables   []Variable `json:"variables"`

	// CRFAnnotations optionally maps a CRF field name to the target
	// variable it annotates, supplied by an external CRF-annotation input
	// (SPEC_FULL.md §C.2). It is stored with the spec only; no review step
	// reads it, and its absence produces no finding.
	CRFAnnotations map[string]string `json:"crf_annotations,omitempty"`

	ReviewFindings []ReviewFinding `json:"review_findings,omitempty"`
}

// Rank returns s's position in the monotonic lifecycle, for callers (e.g.
// the State Manager) that need to compare two statuses without
// reimplementing the ordering.
func (s Status) Rank() int { return statusOrder[s] }

// Advance moves the spec to next if next is a forward (or equal) lifecycle
// transition; it refuses any backward move (spec.md P1).
func (s *Spec) Advance(next Status) error {
	if statusOrder[next] < statusOrder[s.Status] {
		return fmt.Errorf("spec lifecycle cannot move backward from %q to %q", s.Status, next)
	}
	s.Status = next
	return nil
}

// Manager is the Spec Manager: read/write/validate/version the spec
// document under a study's output root.
type Manager struct {
	outputRoot *core.OutputRoot
}

// NewManager returns a Manager rooted at outputRoot.
func NewManager(outputRoot *core.OutputRoot) *Manager {
	return &Manager{outputRoot: outputRoot}
}

func draftPath(domain string) []string    { return []string{"specs", domain + "_mapping_spec.json"} }
func approvedPath(domain string) []string { return []string{"specs", domain + "_mapping_spec_approved.json"} }

// LoadDraft reads the draft spec for domain.
func (m *Manager) LoadDraft(domain string) (*Spec, error) {
	path, err := m.outputRoot.JoinExisting(draftPath(domain)...)
	if err != nil {
		return nil, core.NewError(err, core.ErrSpecValidation, "spec_load_draft", map[string]any{"domain": domain})
	}
	return readSpec(m.outputRoot.Fs(), path)
}

// SaveDraft writes spec as the domain's draft spec, setting its status to
// draft.
func (m *Manager) SaveDraft(spec *Spec) error {
	spec.Status = StatusDraft
	path, err := m.outputRoot.Join(draftPath(spec.Domain)...)
	if err != nil {
		return core.NewError(err, core.ErrSpecValidation, "spec_save_draft", nil)
	}
	return writeSpec(m.outputRoot.Fs(), path, spec)
}

// LoadApproved reads the approved spec for domain.
func (m *Manager) LoadApproved(domain string) (*Spec, error) {
	path, err := m.outputRoot.JoinExisting(approvedPath(domain)...)
	if err != nil {
		return nil, core.NewError(err, core.ErrSpecValidation, "spec_load_approved", map[string]any{"domain": domain})
	}
	return readSpec(m.outputRoot.Fs(), path)
}

// SaveApproved writes spec as the domain's approved spec. decisions records
// the human-review outcome for every human_decision_required variable; it
// is the caller's (human-review gate's) responsibility to have already
// persisted these to the memory store — SaveApproved only checks that every
// such variable has a decision, and does not write the decisions into the
// spec document.
func (m *Manager) SaveApproved(spec *Spec, decisions map[string]string) error {
	if err := spec.Advance(StatusApproved); err != nil {
		return core.NewError(err, core.ErrSpecValidation, "spec_save_approved", nil)
	}
	for _, v := range spec.Variables {
		if !v.HumanDecisionRequired {
			continue
		}
		if _, ok := decisions[v.TargetVariable]; !ok {
			return core.NewError(
				fmt.Errorf("variable %q requires a human decision but none was supplied", v.TargetVariable),
				core.ErrSpecValidation, "spec_save_approved", map[string]any{"variable": v.TargetVariable},
			)
		}
	}
	path, err := m.outputRoot.Join(approvedPath(spec.Domain)...)
	if err != nil {
		return core.NewError(err, core.ErrSpecValidation, "spec_save_approved", nil)
	}
	return writeSpec(m.outputRoot.Fs(), path, spec)
}

func readSpec(fs afero.Fs, path string) (*Spec, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading spec %q: %w", path, err)
	}
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing spec %q: %w", path, err)
	}
	return &s, nil
}

func writeSpec(fs afero.Fs, path string, spec *Spec) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating spec dir for %q: %w", path, err)
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding spec: %w", err)
	}
	data = pretty.Pretty(data)
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp spec %q: %w", tmp, err)
	}
	return fs.Rename(tmp, path)
}
