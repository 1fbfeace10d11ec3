// Package agents implements the five LLM-backed agents plus the
// Human-Review Gate (spec.md §4.4): spec-builder, spec-reviewer,
// production-programmer, qc-programmer, and validator, all sharing one
// context-pack contract and one bounded schema-retry policy.
package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sdtm-pilot/sdtm-pilot/engine/conventions"
	"github.com/sdtm-pilot/sdtm-pilot/engine/ig"
	"github.com/sdtm-pilot/sdtm-pilot/engine/memory"
	"github.com/sdtm-pilot/sdtm-pilot/engine/registry"
)

// ContextPack is the common context every agent receives (spec.md §4.4:
// "function-registry formatted catalog, relevant IG excerpts for the
// domain, coding standards, relevant memory ... and conventions").
type ContextPack struct {
	Domain            string
	FunctionCatalog   string
	IGExcerpts        []ig.Variable
	CodingStandards   []string
	RelevantDecisions map[string][]memory.Decision
	RelevantPitfalls  []memory.Pitfall
	Conventions       map[string]conventions.Convention

	// MismatchReport biases self-correction on a comparison retry
	// (spec.md §4.1 comparison loop); nil on a first attempt.
	MismatchReport string
}

// BuildContextPack assembles a fresh ContextPack for domain. It is called
// anew for every agent invocation — in particular for both the production
// and the QC programmer, independently — so the independence invariant
// (spec.md §4.4) holds by construction: nothing carries a prior agent's
// generated artifacts forward, because nothing in ContextPack has a slot
// for them.
func BuildContextPack(
	ctx context.Context,
	domain string,
	reg *registry.Registry,
	igClient ig.Client,
	store *memory.Store,
	conv *conventions.Manager,
) (ContextPack, error) {
	vars, err := igClient.GetDomainVariables(ctx, domain)
	if err != nil {
		return ContextPack{}, fmt.Errorf("loading IG variables for domain %q: %w", domain, err)
	}

	pack := ContextPack{
		Domain:            domain,
		FunctionCatalog:   reg.FormatForPrompt(),
		IGExcerpts:        vars,
		CodingStandards:   store.CodingStandards(),
		RelevantDecisions: make(map[string][]memory.Decision),
		Conventions:       make(map[string]conventions.Convention),
	}
	for _, v := range vars {
		if ds := store.RecentDecisions(v.Name); len(ds) > 0 {
			pack.RelevantDecisions[v.Name] = ds
		}
		if c, ok := conv.For(domain, v.Name); ok {
			pack.Conventions[v.Name] = c
		}
		pack.RelevantPitfalls = append(pack.RelevantPitfalls, store.RelevantPitfalls(domain+":"+v.Name)...)
	}
	return pack, nil
}

// Render flattens the context pack into the plain-text block injected into
// an agent's user prompt.
func (p ContextPack) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Domain: %s\n\n", p.Domain)

	b.WriteString("Function registry catalog:\n")
	b.WriteString(p.FunctionCatalog)
	b.WriteString("\n\n")

	b.WriteString("IG variables:\n")
	for _, v := range p.IGExcerpts {
		fmt.Fprintf(&b, "- %s (%s, %s): %s\n", v.Name, v.Type, v.Requirement, v.Label)
	}
	b.WriteString("\n")

	if len(p.CodingStandards) > 0 {
		b.WriteString("Coding standards:\n")
		for _, s := range p.CodingStandards {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	if len(p.Conventions) > 0 {
		b.WriteString("Conventions:\n")
		for _, name := range sortedKeys(p.Conventions) {
			c := p.Conventions[name]
			fmt.Fprintf(&b, "- %s: %s (%s) — %s\n", name, c.RecommendedOption, c.Source, c.Rationale)
		}
		b.WriteString("\n")
	}

	if len(p.RelevantDecisions) > 0 {
		b.WriteString("Past decisions:\n")
		for _, name := range sortedDecisionKeys(p.RelevantDecisions) {
			for _, d := range p.RelevantDecisions[name] {
				fmt.Fprintf(&b, "- %s: chose %q (%s) — %s\n", name, d.OptionID, d.Source, d.Rationale)
			}
		}
		b.WriteString("\n")
	}

	if len(p.RelevantPitfalls) > 0 {
		b.WriteString("Known pitfalls:\n")
		for _, pf := range p.RelevantPitfalls {
			fmt.Fprintf(&b, "- %s: %s -> %s\n", pf.Context, pf.RootCause, pf.Resolution)
		}
		b.WriteString("\n")
	}

	if p.MismatchReport != "" {
		b.WriteString("Previous comparison mismatch report (for self-correction):\n")
		b.WriteString(p.MismatchReport)
		b.WriteString("\n")
	}

	return b.String()
}

func sortedKeys(m map[string]conventions.Convention) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedDecisionKeys(m map[string][]memory.Decision) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
