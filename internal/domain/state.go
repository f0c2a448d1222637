package domain

import (
	"errors"
	"fmt"
)

// ErrFieldAlreadySet is returned when a delta would overwrite a state field.
var ErrFieldAlreadySet = errors.New("state field already set")

// Field names a PipelineState slot.
type Field string

// State fields in the order they are filled.
const (
	FieldCase          Field = "enriched_case"
	FieldRisk          Field = "risk_signals"
	FieldBehavior      Field = "behavior_signals"
	FieldDecision      Field = "policy_decision"
	FieldJustification Field = "llm_justification"
	FieldValidation    Field = "validation"
)

// PipelineState accumulates the output of every stage of a run.
// Each field is written at most once through Apply.
type PipelineState struct {
	Case              *EnrichedCase
	Risk              *RiskSignals
	Behavior          *BehaviorSignals
	Decision          *PolicyDecision
	RuleAudit         []RuleEvaluation
	Justification     MaybeJustification
	JustificationMeta *JustificationMeta
	Validation        *ValidationResult
}

// Delta carries the fields a single stage adds.
type Delta struct {
	Risk              *RiskSignals
	Behavior          *BehaviorSignals
	Decision          *PolicyDecision
	RuleAudit         []RuleEvaluation
	Justification     *MaybeJustification
	JustificationMeta *JustificationMeta
	Validation        *ValidationResult
}

// NewPipelineState starts a state holding only the input case.
func NewPipelineState(c *EnrichedCase) *PipelineState {
	return &PipelineState{Case: c}
}

// Has reports whether a field has been set.
func (s *PipelineState) Has(f Field) bool {
	switch f {
	case FieldCase:
		return s.Case != nil
	case FieldRisk:
		return s.Risk != nil
	case FieldBehavior:
		return s.Behavior != nil
	case FieldDecision:
		return s.Decision != nil
	case FieldJustification:
		return s.JustificationMeta != nil
	case FieldValidation:
		return s.Validation != nil
	}
	return false
}

// Apply merges a delta into the state.
// The whole delta is rejected if it touches a field that is already set.
func (s *PipelineState) Apply(d Delta) error {
	if d.Risk != nil && s.Has(FieldRisk) {
		return fmt.Errorf("%w: %s", ErrFieldAlreadySet, FieldRisk)
	}
	if d.Behavior != nil && s.Has(FieldBehavior) {
		return fmt.Errorf("%w: %s", ErrFieldAlreadySet, FieldBehavior)
	}
	if d.Decision != nil && s.Has(FieldDecision) {
		return fmt.Errorf("%w: %s", ErrFieldAlreadySet, FieldDecision)
	}
	if (d.Justification != nil || d.JustificationMeta != nil) && s.Has(FieldJustification) {
		return fmt.Errorf("%w: %s", ErrFieldAlreadySet, FieldJustification)
	}
	if d.Validation != nil && s.Has(FieldValidation) {
		return fmt.Errorf("%w: %s", ErrFieldAlreadySet, FieldValidation)
	}

	if d.Risk != nil {
		s.Risk = d.Risk
	}
	if d.Behavior != nil {
		s.Behavior = d.Behavior
	}
	if d.Decision != nil {
		s.Decision = d.Decision
		s.RuleAudit = d.RuleAudit
	}
	if d.JustificationMeta != nil {
		s.JustificationMeta = d.JustificationMeta
		if d.Justification != nil {
			s.Justification = *d.Justification
		}
	}
	if d.Validation != nil {
		s.Validation = d.Validation
	}
	return nil
}

// Output is the public result of a pipeline run.
type Output struct {
	CaseID            string             `json:"case_id"`
	CustomerID        string             `json:"customer_id"`
	ValidationOK      bool               `json:"validation_ok"`
	ValidationErrors  []string           `json:"validation_errors"`
	PolicyDecision    *PolicyDecision    `json:"policy_decision"`
	Justification     MaybeJustification `json:"llm_justification"`
	JustificationMeta *JustificationMeta `json:"llm_justification_meta"`
	RiskSignals       *RiskSignals       `json:"risk_signals"`
	BehaviorSignals   *BehaviorSignals   `json:"behavior_signals"`
}

// Output projects the state onto the public result shape.
func (s *PipelineState) Output() *Output {
	out := &Output{
		CaseID:            UnknownID,
		CustomerID:        UnknownID,
		ValidationErrors:  []string{},
		PolicyDecision:    s.Decision,
		Justification:     s.Justification,
		JustificationMeta: s.JustificationMeta,
		RiskSignals:       s.Risk,
		BehaviorSignals:   s.Behavior,
	}
	if s.Case != nil {
		out.CaseID = s.Case.CaseID
		out.CustomerID = s.Case.CustomerID
	}
	if s.Validation != nil {
		out.ValidationOK = s.Validation.OK
		if s.Validation.Errors != nil {
			out.ValidationErrors = s.Validation.Errors
		}
	}
	return out
}
