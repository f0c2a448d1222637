package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Justification is the structured explanation of a policy decision.
type Justification struct {
	CaseSummary                string `json:"case_summary"`
	RiskAssessmentSummary      string `json:"risk_assessment_summary"`
	PolicyAlignmentExplanation string `json:"policy_alignment_explanation"`
	RecommendedActionRationale string `json:"recommended_action_rationale"`
}

// Blank reports whether any field is empty after trimming.
func (j Justification) Blank() bool {
	for _, f := range j.Fields() {
		if strings.TrimSpace(f) == "" {
			return true
		}
	}
	return false
}

// Fields returns the field values in declaration order.
func (j Justification) Fields() []string {
	return []string{
		j.CaseSummary,
		j.RiskAssessmentSummary,
		j.PolicyAlignmentExplanation,
		j.RecommendedActionRationale,
	}
}

// Text joins all fields into one block of text.
func (j Justification) Text() string {
	return strings.Join(j.Fields(), "\n")
}

// MaybeJustification is a Justification that may be absent.
// The zero value is absent.
type MaybeJustification struct {
	value *Justification
}

// SomeJustification wraps a present justification.
func SomeJustification(j Justification) MaybeJustification {
	return MaybeJustification{value: &j}
}

// NoJustification returns the absent variant.
func NoJustification() MaybeJustification {
	return MaybeJustification{}
}

// Get returns the justification and whether it is present.
func (m MaybeJustification) Get() (Justification, bool) {
	if m.value == nil {
		return Justification{}, false
	}
	return *m.value, true
}

// Present reports whether a justification is set.
func (m MaybeJustification) Present() bool {
	return m.value != nil
}

// MarshalJSON encodes the absent variant as null.
func (m MaybeJustification) MarshalJSON() ([]byte, error) {
	if m.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m.value)
}

// UnmarshalJSON accepts null or a justification object.
func (m *MaybeJustification) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		m.value = nil
		return nil
	}
	var j Justification
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	m.value = &j
	return nil
}

// JustificationErrorKind classifies why a justification is absent.
type JustificationErrorKind string

// Justification failure kinds.
const (
	JustificationTimeout     JustificationErrorKind = "timeout"
	JustificationUnavailable JustificationErrorKind = "unavailable"
	JustificationParse       JustificationErrorKind = "parse"
	JustificationSchema      JustificationErrorKind = "schema"
	JustificationGuardrail   JustificationErrorKind = "guardrail"
	JustificationInternal    JustificationErrorKind = "internal"
)

// JustificationMeta describes how a justification was produced.
// It is always populated, whether or not a justification exists.
type JustificationMeta struct {
	OK             bool                   `json:"ok"`
	Error          string                 `json:"error,omitempty"`
	ErrorKind      JustificationErrorKind `json:"error_kind,omitempty"`
	Model          string                 `json:"model"`
	GeneratedAt    time.Time              `json:"generated_at"`
	Attempts       int                    `json:"attempts"`
	Cached         bool                   `json:"cached"`
	DebugRaw       string                 `json:"debug_raw,omitempty"`
	DebugLatencyMs int64                  `json:"debug_latency_ms"`
}
