// Package state implements the State Manager (spec.md §4.2): a pure
// value object persisting the pipeline's typed state as a single JSON
// artifact after every stage, enabling crash-resume. Writes are atomic
// (write-temp-then-rename) and unknown fields round-trip untouched,
// honoring forward compatibility across schema additions.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
	"github.com/sdtm-pilot/sdtm-pilot/engine/memory"
	"github.com/sdtm-pilot/sdtm-pilot/engine/specs"
)

// Phase is the pipeline's current stage (spec.md §3, §4.1).
type Phase string

const (
	PhaseSpecBuilding Phase = "spec_building"
	PhaseSpecReview   Phase = "spec_review"
	PhaseHumanReview  Phase = "human_review"
	PhaseProduction   Phase = "production"
	PhaseQC           Phase = "qc"
	PhaseComparison   Phase = "comparison"
	PhaseValidation   Phase = "validation"
	PhaseComplete     Phase = "complete"
)

var phaseOrder = map[Phase]int{
	PhaseSpecBuilding: 0, PhaseSpecReview: 1, PhaseHumanReview: 2, PhaseProduction: 3,
	PhaseQC: 4, PhaseComparison: 5, PhaseValidation: 6, PhaseComplete: 7,
}

// ComparisonResult is the outcome of the most recent comparison stage run.
type ComparisonResult string

const (
	ComparisonPending  ComparisonResult = "pending"
	ComparisonMatch    ComparisonResult = "match"
	ComparisonMismatch ComparisonResult = "mismatch"
)

// ErrorLogEntry is one record in the state's error_log (spec.md §7:
// "errors that escape a stage are recorded in error_log with a typed kind
// and a stage attribution").
type ErrorLogEntry struct {
	ID        string         `json:"id"`
	Kind      core.ErrorKind `json:"kind"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// State is the pipeline's persisted state document.
type State struct {
	StudyID              string                      `json:"study_id"`
	Domain                string                      `json:"domain"`
	CurrentPhase          Phase                       `json:"current_phase"`
	SpecStatus            specs.Status                `json:"spec_status"`
	ProductionStatus       string                      `json:"production_status,omitempty"`
	QCStatus               string                      `json:"qc_status,omitempty"`
	ValidationStatus       string                      `json:"validation_status,omitempty"`
	ComparisonResult       ComparisonResult            `json:"comparison_result"`
	ComparisonIteration    int                         `json:"comparison_iteration"`
	HumanDecisions         map[string]memory.Decision  `json:"human_decisions,omitempty"`
	ErrorLog               []ErrorLogEntry             `json:"error_log,omitempty"`
	Artifacts              map[string]string           `json:"artifacts,omitempty"`

	// extra preserves any field this version of State does not know about,
	// so a round trip never drops data a newer writer added (spec.md L1).
	extra map[string]json.RawMessage `json:"-"`
}

// DefaultMaxIterations bounds comparison_iteration when the config sets no
// limit (spec.md P2); the orchestrator enforces the actual retry loop, this
// package only rejects an increment past the bound.
const DefaultMaxIterations = 5

// New returns a freshly initialized State for (studyID, domain), phase
// spec_building, spec status draft.
func New(studyID, domain string) *State {
	return &State{
		StudyID: studyID, Domain: domain,
		CurrentPhase: PhaseSpecBuilding, SpecStatus: specs.StatusDraft,
		ComparisonResult: ComparisonPending,
		Artifacts:        map[string]string{},
	}
}

// AdvancePhase moves CurrentPhase to next, rejecting any backward move.
func (s *State) AdvancePhase(next Phase) error {
	if phaseOrder[next] < phaseOrder[s.CurrentPhase] {
		return fmt.Errorf("pipeline phase cannot move backward from %q to %q", s.CurrentPhase, next)
	}
	s.CurrentPhase = next
	return nil
}

// AdvanceSpecStatus moves SpecStatus to next, rejecting any backward move
// (spec.md P1).
func (s *State) AdvanceSpecStatus(next specs.Status) error {
	if next.Rank() < s.SpecStatus.Rank() {
		return fmt.Errorf("spec_status cannot move backward from %q to %q", s.SpecStatus, next)
	}
	s.SpecStatus = next
	return nil
}

// IncrementComparisonIteration bumps comparison_iteration, rejecting a
// move past maxIterations (spec.md P2).
func (s *State) IncrementComparisonIteration(maxIterations int) error {
	if s.ComparisonIteration+1 > maxIterations {
		return fmt.Errorf("comparison_iteration would exceed MAX_ITERATIONS=%d", maxIterations)
	}
	s.ComparisonIteration++
	return nil
}

// RecordError appends a typed, stage-attributed error to the error log.
func (s *State) RecordError(kind core.ErrorKind, stage string, err error) {
	s.ErrorLog = append(s.ErrorLog, ErrorLogEntry{
		ID: uuid.NewString(), Kind: kind, Stage: stage, Message: err.Error(), Timestamp: time.Now().UTC(),
	})
}

// MarshalJSON merges the typed fields with any preserved unknown fields so
// a round trip never drops data a newer schema version added.
func (s *State) MarshalJSON() ([]byte, error) {
	type alias State
	known, err := json.Marshal((*alias)(s))
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the typed fields and stashes any field this version
// of State does not declare into extra, to be re-emitted on the next save
// (spec.md L1).
func (s *State) UnmarshalJSON(data []byte) error {
	type alias State
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = State(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known, err := json.Marshal((*alias)(s))
	if err != nil {
		return err
	}
	var knownRaw map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownRaw); err != nil {
		return err
	}
	s.extra = make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, declared := knownRaw[k]; !declared {
			s.extra[k] = v
		}
	}
	return nil
}

// Manager persists State under a study's output root.
type Manager struct {
	outputRoot *core.OutputRoot
}

// NewManager returns a Manager rooted at outputRoot.
func NewManager(outputRoot *core.OutputRoot) *Manager {
	return &Manager{outputRoot: outputRoot}
}

const stateFile = "pipeline_state.json"

// Load reads the persisted state, or returns (nil, os.ErrNotExist) if none
// exists yet (a fresh pipeline run).
func (m *Manager) Load() (*State, error) {
	path, err := m.outputRoot.JoinExisting(stateFile)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(m.outputRoot.Fs(), path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline state %q: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing pipeline state %q: %w", path, err)
	}
	return &s, nil
}

// Save persists s atomically: write to a temp file in the same directory,
// then rename over the canonical path, so a reader never observes a
// partially written document (spec.md §4.2).
func (m *Manager) Save(s *State) error {
	path, err := m.outputRoot.Join(stateFile)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pipeline state: %w", err)
	}
	fs := m.outputRoot.Fs()
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp pipeline state %q: %w", tmp, err)
	}
	return fs.Rename(tmp, path)
}
