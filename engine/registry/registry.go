// Package registry implements the Function Registry (spec.md §4.5/§3): a
// machine-readable catalog of callable transformation primitives, with a
// validated parameter schema and a dependency DAG that yields a
// deterministic topological execution order.
package registry

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
)

// structValidator enforces the `validate:"required"` struct tags on
// Parameter/Entry. A single shared instance, as the library recommends
// (its internal struct-tag cache is built per type on first use).
var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ParamType tags the allowed literal kinds a registry parameter accepts.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
	ParamVarRef ParamType = "variable_ref"
)

// Parameter describes one entry in a function's parameter schema.
type Parameter struct {
	Name     string    `yaml:"name"     json:"name"     validate:"required"`
	Type     ParamType `yaml:"type"     json:"type"     validate:"required"`
	Required bool      `yaml:"required" json:"required"`
	Default  any       `yaml:"default,omitempty" json:"default,omitempty"`
	Example  any       `yaml:"example,omitempty" json:"example,omitempty"`
}

// Entry is one function registry catalog entry (spec.md §3).
type Entry struct {
	Name              string      `yaml:"name"         json:"name"         validate:"required"`
	Purpose           string      `yaml:"purpose"       json:"purpose"`
	WhenToUse         []string    `yaml:"when_to_use"   json:"when_to_use"`
	Parameters        []Parameter `yaml:"parameters"    json:"parameters"    validate:"dive"`
	Dependencies      []string    `yaml:"dependencies"  json:"dependencies"`
	UsageExamples     []string    `yaml:"usage_examples" json:"usage_examples"`
	SupportedCodelists []string   `yaml:"supported_codelists,omitempty" json:"supported_codelists,omitempty"`
	Notes             []string    `yaml:"notes,omitempty" json:"notes,omitempty"`
}

func (p Parameter) required() bool { return p.Required }

func (e Entry) paramByName(name string) (Parameter, bool) {
	for _, p := range e.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Registry is the loaded, validated catalog.
type Registry struct {
	entries map[string]Entry
	order   []string // topological order, ties broken by name
}

type catalogFile struct {
	Functions []Entry `yaml:"functions"`
}

// Load reads path (YAML), validates that the dependency relation is a DAG,
// and computes the deterministic topological order. A cycle fails at load
// time (spec.md §4.5, B4) — no stage ever runs with an invalid registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewError(fmt.Errorf("reading function registry %q: %w", path, err), core.ErrConfig, "registry_load", nil)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, core.NewError(fmt.Errorf("parsing function registry %q: %w", path, err), core.ErrConfig, "registry_load", nil)
	}
	r := &Registry{entries: make(map[string]Entry, len(file.Functions))}
	for _, e := range file.Functions {
		if err := structValidator.Struct(e); err != nil {
			return nil, core.NewError(fmt.Errorf("registry entry failed validation: %w", err), core.ErrConfig, "registry_load", map[string]any{"name": e.Name})
		}
		if _, dup := r.entries[e.Name]; dup {
			return nil, core.NewError(fmt.Errorf("duplicate registry function %q", e.Name), core.ErrConfig, "registry_load", nil)
		}
		r.entries[e.Name] = e
	}
	order, err := topoSort(r.entries)
	if err != nil {
		return nil, core.NewError(err, core.ErrConfig, "registry_load", nil)
	}
	r.order = order
	return r, nil
}

// Get looks up a registry entry by name.
func (r *Registry) Get(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// TopologicalOrder returns the registry's deterministic execution order,
// ties broken lexicographically by function name.
func (r *Registry) TopologicalOrder() []string {
	return append([]string(nil), r.order...)
}

// ValidateBinding checks that params is a valid binding for entry's
// parameter schema: every required parameter present, every supplied
// parameter known to the schema. Used by the Spec Manager to validate a
// spec variable's function_parameters against its macro_used entry
// (spec.md §4.3 rule 2).
func (r *Registry) ValidateBinding(functionName string, params map[string]any) error {
	entry, ok := r.entries[functionName]
	if !ok {
		return fmt.Errorf("unknown registry function %q", functionName)
	}
	for _, p := range entry.Parameters {
		if p.required() {
			if _, present := params[p.Name]; !present {
				return fmt.Errorf("function %q: missing required parameter %q", functionName, p.Name)
			}
		}
	}
	for name := range params {
		if _, known := entry.paramByName(name); !known {
			return fmt.Errorf("function %q: unknown parameter %q", functionName, name)
		}
	}
	return nil
}

// FormatForPrompt renders a compact textual catalog for injection into an
// agent's context pack (spec.md §4.5): name, purpose, when_to_use,
// parameter schema, dependencies — in topological order so agents read
// upstream functions before the ones that depend on them.
func (r *Registry) FormatForPrompt() string {
	out := ""
	for _, name := range r.order {
		e := r.entries[name]
		out += fmt.Sprintf("### %s\n%s\n", e.Name, e.Purpose)
		if len(e.WhenToUse) > 0 {
			out += "When to use:\n"
			for _, w := range e.WhenToUse {
				out += fmt.Sprintf("- %s\n", w)
			}
		}
		if len(e.Parameters) > 0 {
			out += "Parameters:\n"
			for _, p := range e.Parameters {
				req := "optional"
				if p.Required {
					req = "required"
				}
				out += fmt.Sprintf("- %s (%s, %s)\n", p.Name, p.Type, req)
			}
		}
		if len(e.Dependencies) > 0 {
			out += fmt.Sprintf("Depends on: %v\n", e.Dependencies)
		}
		out += "\n"
	}
	return out
}

// topoSort computes a deterministic (Kahn's-algorithm, lexicographic
// tie-break) topological order over entries' Dependencies edges, returning
// an error if a cycle exists.
func topoSort(entries map[string]Entry) ([]string, error) {
	inDegree := make(map[string]int, len(entries))
	dependents := make(map[string][]string)
	for name := range entries {
		inDegree[name] = 0
	}
	for name, e := range entries {
		for _, dep := range e.Dependencies {
			if _, ok := entries[dep]; !ok {
				return nil, fmt.Errorf("function %q depends on unknown function %q", name, dep)
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, child := range dependents[next] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	if len(order) != len(entries) {
		return nil, fmt.Errorf("function registry dependency graph contains a cycle")
	}
	return order, nil
}
