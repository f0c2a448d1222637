package justify

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/llm"
)

// SystemPrompt instructs the collaborator how to write a justification.
const SystemPrompt = `You are a senior AML compliance analyst at a financial institution.

A deterministic policy engine has already decided this case. Write a structured
justification of that decision in professional compliance language.

Base the analysis only on:
- "decision": the tier the engine selected
- "reasons": the policy conditions the engine matched
- "debug_signals": the exact values the engine evaluated

Do not introduce risk factors that are not in "debug_signals".
Do not state thresholds other than those quoted in "reasons".
Do not recompute policy logic or contradict the decision.

Structure the reasoning as follows:
1. Summarize the case context and what triggered it.
2. Assess baseline customer risk from "debug_signals".
3. Assess transaction behavior and alert characteristics from "debug_signals".
4. Explain policy alignment by quoting the matched "reasons" verbatim.
5. Justify the required next actions in proportion to the assessed risk.

Return valid JSON only, with exactly these string fields:
{"case_summary": "...", "risk_assessment_summary": "...",
 "policy_alignment_explanation": "...", "recommended_action_rationale": "..."}
No commentary outside the JSON.`

// PromptInput is the part of a decision the collaborator may see.
type PromptInput = llm.Input

// NewPromptInput takes the prompt subset of d.
func NewPromptInput(d *domain.PolicyDecision) PromptInput {
	return PromptInput{
		Decision:            d.Decision,
		Confidence:          d.Confidence,
		Reasons:             d.Reasons,
		RequiredNextActions: d.RequiredNextActions,
		DebugSignals:        d.DebugSignals,
	}
}

type promptPayload struct {
	PolicyEngineOutput   PromptInput       `json:"policy_engine_output"`
	RequiredOutputSchema map[string]string `json:"required_output_schema"`
}

var outputSchema = map[string]string{
	"case_summary":                 "string",
	"risk_assessment_summary":      "string",
	"policy_alignment_explanation": "string",
	"recommended_action_rationale": "string",
}

// UserPrompt renders the user message for in.
func UserPrompt(in PromptInput) (string, error) {
	data, err := json.MarshalIndent(promptPayload{
		PolicyEngineOutput:   in,
		RequiredOutputSchema: outputSchema,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt: %w", err)
	}
	return string(data), nil
}
