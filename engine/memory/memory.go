// Package memory implements the Memory Store (spec.md §4.10 /§3): a
// persistent, layered record of past decisions, encountered pitfalls, and
// coding standards. The company layer is read company-wide; the study
// layer is the only layer the pipeline may write to.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// DecisionSource attributes how a decision was reached, per spec.md §3.
type DecisionSource string

const (
	SourceConvention DecisionSource = "convention"
	SourceHuman      DecisionSource = "human"
	SourceInherited  DecisionSource = "inherited"
)

// Decision is the persisted record of a human-review (or conventiom-backed)
// choice for one variable.
type Decision struct {
	ID        string         `json:"id"`
	Variable  string         `json:"variable"`
	OptionID  string         `json:"option_id"`
	Rationale string         `json:"rationale"`
	Source    DecisionSource `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Outcome   string         `json:"outcome,omitempty"`
	StudyID   string         `json:"study_id"`
	Domain    string         `json:"domain"`
}

// Pitfall is a recorded root-cause/resolution pair, promoted to the company
// layer only through a manual, out-of-pipeline step (spec.md §4.10).
type Pitfall struct {
	ID              string `json:"id"`
	Context         string `json:"context"`
	RootCause       string `json:"root_cause"`
	Resolution      string `json:"resolution"`
	StudyID         string `json:"study_id"`
	Domain          string `json:"domain"`
	OccurrenceCount int    `json:"occurrence_count"`
}

// PromotionThreshold is the occurrence count at which a pitfall becomes a
// promotion candidate (spec.md §3). The count covers every recorded
// repeat in the study layer; whether the repeats came from distinct
// studies is not checked.
const PromotionThreshold = 2

type layer struct {
	Decisions     []Decision `json:"decisions"`
	Pitfalls      []Pitfall  `json:"pitfalls"`
	CodingStandards []string `json:"coding_standards"`
}

// Store is the Memory Store: a read-shared company layer and a
// read/write study layer.
type Store struct {
	companyDir string
	studyDir   string
	company    layer
	study      layer
}

const layerFile = "memory.json"

// Open loads the company layer (read-only for the pipeline) and the study
// layer (read/write). Missing files are treated as an empty layer.
func Open(companyDir, studyDir string) (*Store, error) {
	s := &Store{companyDir: companyDir, studyDir: studyDir}
	var err error
	if s.company, err = readLayer(filepath.Join(companyDir, layerFile)); err != nil {
		return nil, err
	}
	if s.study, err = readLayer(filepath.Join(studyDir, layerFile)); err != nil {
		return nil, err
	}
	return s, nil
}

func readLayer(path string) (layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return layer{}, nil
		}
		return layer{}, fmt.Errorf("reading memory layer %q: %w", path, err)
	}
	var l layer
	if err := json.Unmarshal(data, &l); err != nil {
		return layer{}, fmt.Errorf("parsing memory layer %q: %w", path, err)
	}
	return l, nil
}

// RecordDecision appends d to the study layer and flushes it to disk. The
// write is guarded by a file lock and uses write-temp-then-rename so
// concurrent pipelines touching distinct study trees never corrupt a
// layer, and a crash mid-write never leaves a partial file (spec.md §5).
func (s *Store) RecordDecision(d Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Timestamp = d.Timestamp.UTC()
	s.study.Decisions = append(s.study.Decisions, d)
	return s.flushStudy()
}

// RecordPitfall appends or increments an existing pitfall (matched on
// Context+RootCause) in the study layer.
func (s *Store) RecordPitfall(p Pitfall) error {
	for i := range s.study.Pitfalls {
		if s.study.Pitfalls[i].Context == p.Context && s.study.Pitfalls[i].RootCause == p.RootCause {
			s.study.Pitfalls[i].OccurrenceCount++
			return s.flushStudy()
		}
	}
	if p.OccurrenceCount == 0 {
		p.OccurrenceCount = 1
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.study.Pitfalls = append(s.study.Pitfalls, p)
	return s.flushStudy()
}

// RecentDecisions returns every decision recorded for variable, company
// layer first, then study layer (study layer is the more recent source and
// sorts last so callers displaying "most recent last" need no further
// sort).
func (s *Store) RecentDecisions(variable string) []Decision {
	var out []Decision
	for _, d := range s.company.Decisions {
		if d.Variable == variable {
			out = append(out, d)
		}
	}
	for _, d := range s.study.Decisions {
		if d.Variable == variable {
			out = append(out, d)
		}
	}
	return out
}

// RelevantPitfalls returns every pitfall (company and study layer) whose
// Context matches context exactly — a simple substring-free match, since
// pitfall context strings are short, controlled vocabulary written by prior
// pipeline runs, not free text requiring fuzzy search.
func (s *Store) RelevantPitfalls(context string) []Pitfall {
	var out []Pitfall
	for _, p := range s.company.Pitfalls {
		if p.Context == context {
			out = append(out, p)
		}
	}
	for _, p := range s.study.Pitfalls {
		if p.Context == context {
			out = append(out, p)
		}
	}
	return out
}

// CodingStandards returns the company layer's standards followed by any
// study-specific additions.
func (s *Store) CodingStandards() []string {
	return append(append([]string{}, s.company.CodingStandards...), s.study.CodingStandards...)
}

// PromotionCandidates surfaces study-layer pitfalls whose occurrence count
// has reached PromotionThreshold. Promotion itself requires a human
// sign-off via ApprovePromotion; the pipeline never calls it.
func (s *Store) PromotionCandidates() []Pitfall {
	var out []Pitfall
	for _, p := range s.study.Pitfalls {
		if p.OccurrenceCount >= PromotionThreshold {
			out = append(out, p)
		}
	}
	return out
}

// ApprovePromotion moves a pitfall from the study layer to the company
// layer. It is never invoked by the pipeline itself, so the company layer
// stays write-protected from ordinary runs (spec.md §4.10); the CLI has no
// command that calls it.
func (s *Store) ApprovePromotion(p Pitfall) error {
	s.company.Pitfalls = append(s.company.Pitfalls, p)
	if err := writeLayerAtomic(filepath.Join(s.companyDir, layerFile), s.company); err != nil {
		return err
	}
	kept := s.study.Pitfalls[:0]
	for _, existing := range s.study.Pitfalls {
		if existing.Context == p.Context && existing.RootCause == p.RootCause {
			continue
		}
		kept = append(kept, existing)
	}
	s.study.Pitfalls = kept
	return s.flushStudy()
}

func (s *Store) flushStudy() error {
	return writeLayerAtomic(filepath.Join(s.studyDir, layerFile), s.study)
}

// writeLayerAtomic locks path.lock, then writes path via write-temp-then-
// rename so a reader never observes a partially written layer file.
func writeLayerAtomic(path string, l layer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating memory dir for %q: %w", path, err)
	}
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking memory layer %q: %w", path, err)
	}
	defer fl.Unlock()

	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding memory layer: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp memory layer %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming temp memory layer into place: %w", err)
	}
	return nil
}
