package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/sdtm-pilot/sdtm-pilot/engine/conventions"
	"github.com/sdtm-pilot/sdtm-pilot/engine/memory"
	"github.com/sdtm-pilot/sdtm-pilot/engine/specs"
)

// Styling for the terminal review session — the banner announcing how
// many variables need a decision, and the per-option annotations the form
// description renders above each select field.
var (
	bannerStyle         = lipgloss.NewStyle().Bold(true).Padding(0, 1).BorderStyle(lipgloss.RoundedBorder())
	conventionLineStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	pastDecisionStyle   = lipgloss.NewStyle().Faint(true)
)

// Banner renders the fixed header shown above the review form: the
// domain under review and how many variables require a human decision.
// Exposed so a CLI front-end can print it before invoking Run.
func Banner(domain string, decisionsRequired int) string {
	return bannerStyle.Render(fmt.Sprintf("Human review — domain %s (%d decision(s) required)", domain, decisionsRequired))
}

// Verdict is the Human-Review Gate's overall disposition (spec.md §4.4.3).
type Verdict string

const (
	VerdictApprove             Verdict = "approve"
	VerdictApproveWithChanges  Verdict = "approve-with-changes"
	VerdictReject              Verdict = "reject"
)

// Outcome is what the Human-Review Gate produces: the overall verdict, a
// per-variable decision (an offered option id, or the literal value
// "override" when the operator picks the override choice; no free text is
// collected for it),
// and reviewer comments (populated on reject, per spec.md §4.4.3: "returns
// to spec-building with reviewer comments").
type Outcome struct {
	Verdict   Verdict
	Decisions map[string]string
	Comments  string
}

// HumanReviewGate is not an LLM agent (spec.md §4.4.3): it presents the
// reviewed spec's human_decision_required variables — with their options,
// the pre-configured convention, and past memory decisions — and collects
// a human operator's choice.
type HumanReviewGate struct {
	Memory      *memory.Store
	Conventions *conventions.Manager
}

// Run prompts the operator for every human_decision_required variable plus
// an overall verdict. On approve/approve-with-changes, every decision is
// recorded to the memory store (spec.md §4.4.3: "persists decisions to
// memory"); the caller is responsible for then writing the approved spec
// via the Spec Manager. On reject, nothing is persisted.
func (g *HumanReviewGate) Run(ctx context.Context, spec *specs.Spec) (Outcome, error) {
	selections := make(map[string]*string, len(spec.Variables))
	var fields []huh.Field

	decisionsRequired := 0
	for _, v := range spec.Variables {
		if v.HumanDecisionRequired {
			decisionsRequired++
		}
	}
	fmt.Println(Banner(spec.Domain, decisionsRequired))

	for _, v := range spec.Variables {
		if !v.HumanDecisionRequired {
			continue
		}
		selected := new(string)
		selections[v.TargetVariable] = selected

		options := decisionOptions(v, g.Conventions, spec.Domain, g.Memory)
		fields = append(fields, huh.NewSelect[string]().
			Title(fmt.Sprintf("%s — choose a mapping option", v.TargetVariable)).
			Description(describeDecision(v, g.Conventions, spec.Domain, g.Memory)).
			Options(options...).
			Value(selected))
	}

	verdict := new(string)
	fields = append(fields, huh.NewSelect[string]().
		Title("Overall verdict").
		Options(
			huh.NewOption("Approve", string(VerdictApprove)),
			huh.NewOption("Approve with changes", string(VerdictApproveWithChanges)),
			huh.NewOption("Reject", string(VerdictReject)),
		).
		Value(verdict))

	comments := new(string)
	fields = append(fields, huh.NewText().
		Title("Reviewer comments").
		Description("Required on reject; optional otherwise.").
		Value(comments))

	form := huh.NewForm(huh.NewGroup(fields...))
	if err := form.RunWithContext(ctx); err != nil {
		return Outcome{}, fmt.Errorf("running human-review form: %w", err)
	}

	outcome := Outcome{Verdict: Verdict(*verdict), Comments: *comments, Decisions: make(map[string]string)}
	if outcome.Verdict == VerdictReject {
		return outcome, nil
	}

	for variable, selected := range selections {
		outcome.Decisions[variable] = *selected
		if g.Memory == nil {
			continue
		}
		if err := g.Memory.RecordDecision(memory.Decision{
			Variable:  variable,
			OptionID:  *selected,
			Rationale: outcome.Comments,
			Source:    memory.SourceHuman,
			StudyID:   spec.StudyID,
			Domain:    spec.Domain,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			return Outcome{}, fmt.Errorf("recording human decision for %q: %w", variable, err)
		}
	}
	return outcome, nil
}

func decisionOptions(v specs.Variable, conv *conventions.Manager, domain string, store *memory.Store) []huh.Option[string] {
	var opts []huh.Option[string]
	if c, ok := conv.For(domain, v.TargetVariable); ok {
		opts = append(opts, huh.NewOption(
			conventionLineStyle.Render(fmt.Sprintf("%s (company/study convention)", c.RecommendedOption)), c.RecommendedOption,
		))
	}
	for _, o := range v.DecisionOptions {
		opts = append(opts, huh.NewOption(fmt.Sprintf("%s — %s", o.ID, o.Description), o.ID))
	}
	opts = append(opts, huh.NewOption("Other (free-text override)", "override"))
	return opts
}

func describeDecision(v specs.Variable, conv *conventions.Manager, domain string, store *memory.Store) string {
	desc := ""
	for _, o := range v.DecisionOptions {
		if o.IGReference != "" {
			desc += fmt.Sprintf("%s: IG ref %s\n", o.ID, o.IGReference)
		}
	}
	if store != nil {
		for _, d := range store.RecentDecisions(v.TargetVariable) {
			desc += pastDecisionStyle.Render(fmt.Sprintf("past decision (%s): %s — %s", d.Source, d.OptionID, d.Rationale)) + "\n"
		}
	}
	return desc
}
