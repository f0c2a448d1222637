package pipeline

import (
	"context"
	"errors"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/outcome"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/signals"
)

// Stage names in execution order.
const (
	StageRisk     = "risk"
	StageBehavior = "behavior"
	StagePolicy   = "policy"
	StageJustify  = "justify"
	StageValidate = "validate"
)

// MaxEvents is the most events a single run emits: one progress event per
// stage plus the terminal event.
const MaxEvents = 6

// Stage is one step of a run. Run reads the state and returns only the
// fields it adds; it never mutates the state directly.
type Stage struct {
	Name     string
	Message  string
	Requires []domain.Field
	Run      func(ctx context.Context, state *domain.PipelineState) (domain.Delta, error)
}

// Justifier produces a justification for a decision. It never fails;
// problems are reported in the metadata.
type Justifier interface {
	Justify(ctx context.Context, d *domain.PolicyDecision) (domain.MaybeJustification, domain.JustificationMeta)
}

// stages builds the fixed stage list bound to one policy snapshot.
func (r *Runner) stages(spec *policy.Spec) []Stage {
	return []Stage{
		{
			Name:     StageRisk,
			Message:  "Extracting risk signals",
			Requires: []domain.Field{domain.FieldCase},
			Run: func(_ context.Context, s *domain.PipelineState) (domain.Delta, error) {
				risk := signals.ExtractRisk(s.Case)
				return domain.Delta{Risk: &risk}, nil
			},
		},
		{
			Name:     StageBehavior,
			Message:  "Extracting behavior signals",
			Requires: []domain.Field{domain.FieldCase},
			Run: func(_ context.Context, s *domain.PipelineState) (domain.Delta, error) {
				behavior := signals.ExtractBehavior(s.Case)
				return domain.Delta{Behavior: &behavior}, nil
			},
		},
		{
			Name:     StagePolicy,
			Message:  "Evaluating policy",
			Requires: []domain.Field{domain.FieldCase, domain.FieldRisk, domain.FieldBehavior},
			Run: func(_ context.Context, s *domain.PipelineState) (domain.Delta, error) {
				if spec == nil {
					return domain.Delta{}, policy.ErrNoPolicy
				}
				res := decision.EvaluateWithAudit(s.Case, *s.Risk, *s.Behavior, spec)
				return domain.Delta{Decision: res.Decision, RuleAudit: res.Audit}, nil
			},
		},
		{
			Name:     StageJustify,
			Message:  "Generating justification",
			Requires: []domain.Field{domain.FieldDecision},
			Run: func(ctx context.Context, s *domain.PipelineState) (domain.Delta, error) {
				if r.justifier == nil {
					return domain.Delta{}, errors.New("no justifier configured")
				}
				j, meta := r.justifier.Justify(ctx, s.Decision)
				return domain.Delta{Justification: &j, JustificationMeta: &meta}, nil
			},
		},
		{
			Name:     StageValidate,
			Message:  "Validating outcome",
			Requires: []domain.Field{domain.FieldDecision, domain.FieldJustification},
			Run: func(_ context.Context, s *domain.PipelineState) (domain.Delta, error) {
				res := outcome.Validate(s.Decision, s.Justification, *s.JustificationMeta, spec)
				return domain.Delta{Validation: &res}, nil
			},
		},
	}
}
