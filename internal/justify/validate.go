// Package justify checks LLM-drafted justifications and drives the
// justification stage of the pipeline.
//
// A justification is accepted only if it parses as a JSON object, matches
// the justification schema, and passes the guardrails in guardrail.go.
// Every rejection yields an absent justification plus metadata naming why.
package justify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/llm"
)

const schemaURL = "kestrel://justification.schema.json"

const justificationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "case_summary",
    "risk_assessment_summary",
    "policy_alignment_explanation",
    "recommended_action_rationale"
  ],
  "additionalProperties": false,
  "properties": {
    "case_summary": {"type": "string", "pattern": "\\S"},
    "risk_assessment_summary": {"type": "string", "pattern": "\\S"},
    "policy_alignment_explanation": {"type": "string", "pattern": "\\S"},
    "recommended_action_rationale": {"type": "string", "pattern": "\\S"}
  }
}`

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(justificationSchema)); err != nil {
		panic(fmt.Sprintf("justification schema: %v", err))
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("justification schema: %v", err))
	}
	return s
}

// Rejection explains why a justification was not accepted.
type Rejection struct {
	Kind    domain.JustificationErrorKind
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// Validate turns one collaborator result into a justification and its
// metadata. callErr is the error from the collaborator call, if any.
// Only OK, Error and ErrorKind are set on the returned metadata.
func Validate(raw string, callErr error, decision *domain.PolicyDecision) (domain.MaybeJustification, domain.JustificationMeta) {
	j, err := check(raw, callErr, decision)
	if err != nil {
		var rej *Rejection
		if !errors.As(err, &rej) {
			rej = &Rejection{Kind: domain.JustificationInternal, Message: err.Error()}
		}
		return domain.NoJustification(), domain.JustificationMeta{
			OK:        false,
			Error:     rej.Message,
			ErrorKind: rej.Kind,
		}
	}
	return domain.SomeJustification(j), domain.JustificationMeta{OK: true}
}

func check(raw string, callErr error, decision *domain.PolicyDecision) (domain.Justification, error) {
	if callErr != nil {
		kind := domain.JustificationUnavailable
		if llm.IsTimeout(callErr) {
			kind = domain.JustificationTimeout
		}
		return domain.Justification{}, &Rejection{Kind: kind, Message: callErr.Error()}
	}
	if decision == nil {
		return domain.Justification{}, &Rejection{Kind: domain.JustificationInternal, Message: "no policy decision to justify"}
	}

	var doc any
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &doc); err != nil {
		return domain.Justification{}, &Rejection{Kind: domain.JustificationParse, Message: "output is not valid JSON: " + err.Error()}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return domain.Justification{}, &Rejection{Kind: domain.JustificationParse, Message: "output is not a JSON object"}
	}

	if err := schema.Validate(obj); err != nil {
		return domain.Justification{}, &Rejection{Kind: domain.JustificationSchema, Message: schemaMessage(err)}
	}

	j := domain.Justification{
		CaseSummary:                strings.TrimSpace(obj["case_summary"].(string)),
		RiskAssessmentSummary:      strings.TrimSpace(obj["risk_assessment_summary"].(string)),
		PolicyAlignmentExplanation: strings.TrimSpace(obj["policy_alignment_explanation"].(string)),
		RecommendedActionRationale: strings.TrimSpace(obj["recommended_action_rationale"].(string)),
	}

	if err := Guardrail(j, decision); err != nil {
		return domain.Justification{}, &Rejection{Kind: domain.JustificationGuardrail, Message: err.Error()}
	}
	return j, nil
}

// cleanJSON strips markdown fences and any prose around the outermost object.
func cleanJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start > 0 && end > start {
		s = s[start : end+1]
	}
	return s
}

// schemaMessage flattens a schema error to its innermost causes.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
