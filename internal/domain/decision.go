package domain

// Tier is a decision outcome level.
type Tier string

// Decision tiers, lowest to highest.
const (
	TierCloseNoAction Tier = "CLOSE_NO_ACTION"
	TierL1Review      Tier = "L1_REVIEW"
	TierEscalateL2    Tier = "ESCALATE_L2"
	TierSARReviewL2   Tier = "SAR_REVIEW_L2"
)

// TierOrder is the fixed tier order from lowest to highest.
var TierOrder = []Tier{TierCloseNoAction, TierL1Review, TierEscalateL2, TierSARReviewL2}

// Rank returns the position of the tier in TierOrder, or -1 if unknown.
func (t Tier) Rank() int {
	for i, known := range TierOrder {
		if t == known {
			return i
		}
	}
	return -1
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// Confidence levels.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// NoRuleMatchedReason is the sole reason given when no rule block triggers.
const NoRuleMatchedReason = "no rule matched"

// PolicyDecision is the outcome of evaluating a policy against a case.
type PolicyDecision struct {
	CaseID              string         `json:"case_id"`
	CustomerID          string         `json:"customer_id"`
	PolicyVersion       string         `json:"policy_version"`
	Decision            Tier           `json:"decision"`
	Confidence          string         `json:"confidence"`
	Reasons             []string       `json:"reasons"`
	TriggeredRules      []string       `json:"triggered_rules"`
	RequiredNextActions []string       `json:"required_next_actions"`
	DebugSignals        map[string]any `json:"debug_signals"`
}

// RuleEvaluation is one row of the policy audit trail.
type RuleEvaluation struct {
	RuleID        string `json:"rule_id"`
	Tier          Tier   `json:"tier"`
	Predicate     string `json:"predicate"`
	Normalized    string `json:"normalized_predicate"`
	Matched       bool   `json:"matched"`
	AlwaysInclude bool   `json:"always_include,omitempty"`
	Error         string `json:"error,omitempty"`
}
