package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// OfflineModel is the model name reported by the offline collaborator.
const OfflineModel = "offline-template"

// Offline drafts a justification from the decision itself without any
// network call. Output quotes every reason verbatim.
type Offline struct{}

// NewOffline creates the template collaborator.
func NewOffline() *Offline { return &Offline{} }

// Model returns OfflineModel.
func (o *Offline) Model() string { return OfflineModel }

// Complete renders the justification JSON for req.Input.
func (o *Offline) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := req.Input
	if d.Decision == "" {
		return nil, &ProviderError{Provider: "offline", Message: "request has no decision"}
	}
	start := time.Now()

	reasons := strings.Join(d.Reasons, "; ")
	actions := strings.Join(d.RequiredNextActions, ", ")
	if actions == "" {
		actions = "none"
	}

	summary := fmt.Sprintf("The case was evaluated against the active policy and resolved to %s with %s confidence.",
		d.Decision, d.Confidence)
	alignment := fmt.Sprintf("The decision follows the matched policy conditions: %s.", reasons)
	rationale := fmt.Sprintf("Recommended next actions (%s) correspond to the %s tier.", actions, d.Decision)

	j := domain.Justification{
		CaseSummary:                summary,
		RiskAssessmentSummary:      "Signals considered: " + describeSignals(d.DebugSignals) + ".",
		PolicyAlignmentExplanation: alignment,
		RecommendedActionRationale: rationale,
	}
	content, err := json.Marshal(j)
	if err != nil {
		return nil, &ProviderError{Provider: "offline", Message: "failed to encode", Cause: err}
	}
	return &Response{
		Content: string(content),
		Model:   OfflineModel,
		Latency: time.Since(start),
	}, nil
}

var summarySignals = []string{
	"aggregated_score", "total_alerts", "pattern_present", "high_sev",
	"customer_risk", "crypto_percentage", "max_tx_amount", "total_volume_in_window",
}

func describeSignals(signals map[string]any) string {
	parts := make([]string, 0, len(summarySignals))
	for _, k := range summarySignals {
		if v, ok := signals[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", k, policy.FormatNumber(v)))
		}
	}
	if len(parts) == 0 {
		return "none recorded"
	}
	return strings.Join(parts, ", ")
}
