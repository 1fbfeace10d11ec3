// Package conventions implements the Conventions Manager (spec.md §4.9):
// pre-configured decision defaults, with rationale and source attribution,
// loaded from a company-wide base layer and an optional per-study overlay
// layer, merged per key with study precedence.
package conventions

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

// Source attributes where a convention came from, per spec.md §4.9.
type Source string

const (
	SourceCompany Source = "company"
	SourceStudy   Source = "study"
)

// Convention is a single pre-configured answer to a decision point.
type Convention struct {
	Variable          string   `yaml:"variable"          json:"variable"`
	RecommendedOption string   `yaml:"recommended_option" json:"recommended_option"`
	Rationale         string   `yaml:"rationale"         json:"rationale"`
	Source            Source   `yaml:"-"                 json:"source"`
	IGReferences      []string `yaml:"ig_references,omitempty" json:"ig_references,omitempty"`
}

// key combines variable and domain so the same variable name in two
// domains does not collide.
type key struct {
	domain, variable string
}

// Manager holds the merged company + study convention layers in memory.
type Manager struct {
	byKey map[key]Convention
}

// Load reads every *.yaml file in baseDir as company-layer conventions, then
// every *.yaml file in studyDir (if non-empty) as study-layer conventions
// overriding the base layer per variable. Missing directories are treated
// as "no conventions defined" rather than an error — this manager is
// consulted opportunistically by the spec-builder and the human-review
// gate, never required for startup.
func Load(baseDir, studyDir string) (*Manager, error) {
	m := &Manager{byKey: make(map[key]Convention)}
	if err := m.loadDir(baseDir, SourceCompany); err != nil {
		return nil, err
	}
	if studyDir != "" {
		if err := m.loadDir(studyDir, SourceStudy); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) loadDir(dir string, source Source) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading conventions dir %q: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading convention file %q: %w", path, err)
		}
		var file struct {
			Domain      string       `yaml:"domain"`
			Conventions []Convention `yaml:"conventions"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parsing convention file %q: %w", path, err)
		}
		for _, c := range file.Conventions {
			c.Source = source
			m.byKey[key{domain: file.Domain, variable: c.Variable}] = c
		}
	}
	return nil
}

// For returns the convention recorded for variable in domain, and whether
// one was found. Study-layer conventions always win over company-layer
// ones for the same variable because loadDir applies the study layer last.
func (m *Manager) For(domain, variable string) (Convention, bool) {
	if m == nil {
		return Convention{}, false
	}
	c, ok := m.byKey[key{domain: domain, variable: variable}]
	return c, ok
}
