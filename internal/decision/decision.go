// Package decision resolves a compiled policy against case signals.
//
// Every rule block is evaluated, the highest triggered tier wins, and the
// reasons, confidence, and next actions are derived from the winning tier.
// Evaluation is pure and deterministic for a given spec and input.
package decision

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// Result is a decision plus the rule-by-rule audit trail behind it.
type Result struct {
	Decision *domain.PolicyDecision
	Audit    []domain.RuleEvaluation
}

// Evaluate produces the policy decision for a case.
func Evaluate(c *domain.EnrichedCase, risk domain.RiskSignals, behavior domain.BehaviorSignals, spec *policy.Spec) *domain.PolicyDecision {
	return EvaluateWithAudit(c, risk, behavior, spec).Decision
}

// EvaluateWithAudit produces the decision and records how each rule block voted.
func EvaluateWithAudit(c *domain.EnrichedCase, risk domain.RiskSignals, behavior domain.BehaviorSignals, spec *policy.Spec) *Result {
	caseID, customerID := domain.UnknownID, domain.UnknownID
	if c != nil {
		caseID, customerID = c.CaseID, c.CustomerID
	}
	return EvaluateVars(policy.Vars(caseID, customerID, risk, behavior), spec)
}

// EvaluateVars resolves spec against a prepared evaluation context, such as
// the debug_signals recorded by an earlier decision.
func EvaluateVars(vars map[string]any, spec *policy.Spec) *Result {
	caseID, _ := vars["case_id"].(string)
	customerID, _ := vars["customer_id"].(string)
	if caseID == "" {
		caseID = domain.UnknownID
	}
	if customerID == "" {
		customerID = domain.UnknownID
	}

	blocks := spec.Blocks()
	audit := make([]domain.RuleEvaluation, len(blocks))
	triggered := make([]*policy.CompiledBlock, 0, len(blocks))
	for i, b := range blocks {
		row := domain.RuleEvaluation{
			RuleID:        b.ID,
			Tier:          b.Tier,
			Predicate:     b.Predicate,
			Normalized:    b.Normalized,
			AlwaysInclude: b.AlwaysInclude,
		}
		matched, err := b.Eval(vars)
		if err != nil {
			row.Error = err.Error()
			matched = false
		}
		row.Matched = matched
		audit[i] = row
		if matched {
			triggered = append(triggered, b)
		}
	}

	lowest := domain.TierOrder[0]
	d := &domain.PolicyDecision{
		CaseID:         caseID,
		CustomerID:     customerID,
		PolicyVersion:  spec.Version(),
		Decision:       lowest,
		Confidence:     spec.Confidence().Default,
		Reasons:        []string{domain.NoRuleMatchedReason},
		TriggeredRules: []string{},
		DebugSignals:   vars,
	}

	if len(triggered) > 0 {
		winner := highestTier(triggered)
		d.Decision = winner
		d.Reasons = reasons(triggered, winner, vars, audit)
		d.TriggeredRules = ruleIDs(triggered)
		d.Confidence = confidence(spec.Confidence(), len(triggered), margin(triggered, winner))
	}

	if ts, ok := spec.Settings(d.Decision); ok {
		d.RequiredNextActions = append([]string{}, ts.RequiredNextActions...)
	} else {
		d.RequiredNextActions = []string{}
	}

	return &Result{Decision: d, Audit: audit}
}

func highestTier(blocks []*policy.CompiledBlock) domain.Tier {
	top := blocks[0].Tier
	for _, b := range blocks[1:] {
		if b.Tier.Rank() > top.Rank() {
			top = b.Tier
		}
	}
	return top
}

// reasons keeps policy order: winning-tier blocks plus always-include blocks.
func reasons(triggered []*policy.CompiledBlock, winner domain.Tier, vars map[string]any, audit []domain.RuleEvaluation) []string {
	out := make([]string, 0, len(triggered))
	seen := make(map[string]bool, len(triggered))
	for _, b := range triggered {
		if b.Tier != winner && !b.AlwaysInclude {
			continue
		}
		text, err := b.Reason(vars)
		if err != nil {
			text = fmt.Sprintf("%s: %s", b.ID, b.ReasonTemplate)
			markRenderError(audit, b.ID, err)
		}
		if seen[text] {
			continue
		}
		seen[text] = true
		out = append(out, text)
	}
	return out
}

func markRenderError(audit []domain.RuleEvaluation, id string, err error) {
	for i := range audit {
		if audit[i].RuleID == id {
			audit[i].Error = "reason render: " + err.Error()
			return
		}
	}
}

func ruleIDs(blocks []*policy.CompiledBlock) []string {
	ids := make([]string, len(blocks))
	for i, b := range blocks {
		ids[i] = b.ID
	}
	return ids
}

// margin is the rank gap between the winning tier and the next distinct
// triggered tier below it, or 0 when only one tier triggered.
func margin(triggered []*policy.CompiledBlock, winner domain.Tier) int {
	next := -1
	for _, b := range triggered {
		r := b.Tier.Rank()
		if r < winner.Rank() && r > next {
			next = r
		}
	}
	if next < 0 {
		return 0
	}
	return winner.Rank() - next
}

func confidence(cfg policy.ConfidenceConfig, triggered, margin int) string {
	for _, lvl := range cfg.Levels {
		if triggered >= lvl.MinTriggered && margin >= lvl.MinMargin {
			return lvl.Level
		}
	}
	return cfg.Default
}
