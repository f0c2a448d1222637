package policy

import (
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// variableTypes lists every name a predicate may reference.
// Counts are declared as doubles so predicates never mix int and double.
var variableTypes = map[string]*cel.Type{
	"case_id":     cel.StringType,
	"customer_id": cel.StringType,

	"aggregated_score":       cel.DoubleType,
	"total_alerts":           cel.DoubleType,
	"pattern_present":        cel.BoolType,
	"high_sev":               cel.BoolType,
	"customer_risk":          cel.StringType,
	"priority":               cel.StringType,
	"historical_alert_count": cel.DoubleType,

	"crypto_percentage":      cel.DoubleType,
	"max_tx_amount":          cel.DoubleType,
	"avg_tx_amount":          cel.DoubleType,
	"total_tx_in_window":     cel.DoubleType,
	"total_volume_in_window": cel.DoubleType,
	"flagged_tx_count":       cel.DoubleType,
	"any_threshold_exceeded": cel.BoolType,
	"any_pattern_detected":   cel.BoolType,
	"any_velocity_violation": cel.BoolType,
}

// Variables returns the predicate variable names in sorted order.
func Variables() []string {
	names := make([]string, 0, len(variableTypes))
	for name := range variableTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Vars merges case identity and both signal sets into one evaluation context.
// The returned map is also the decision's debug_signals.
func Vars(caseID, customerID string, risk domain.RiskSignals, behavior domain.BehaviorSignals) map[string]any {
	return map[string]any{
		"case_id":     caseID,
		"customer_id": customerID,

		"aggregated_score":       risk.AggregatedScore,
		"total_alerts":           float64(risk.TotalAlerts),
		"pattern_present":        risk.PatternPresent,
		"high_sev":               risk.HasHighSevAlert,
		"customer_risk":          risk.CustomerRisk,
		"priority":               risk.Priority,
		"historical_alert_count": float64(risk.HistoricalAlertCount),

		"crypto_percentage":      behavior.CryptoPercentage,
		"max_tx_amount":          behavior.MaxTxAmount,
		"avg_tx_amount":          behavior.AvgTxAmount,
		"total_tx_in_window":     float64(behavior.TotalTxInWindow),
		"total_volume_in_window": behavior.TotalVolumeInWindow,
		"flagged_tx_count":       float64(behavior.FlaggedTxCount),
		"any_threshold_exceeded": behavior.AnyThresholdExceeded,
		"any_pattern_detected":   behavior.AnyPatternDetected,
		"any_velocity_violation": behavior.AnyVelocityViolation,
	}
}

func newEnv() (*cel.Env, error) {
	opts := make([]cel.EnvOption, 0, len(variableTypes))
	for _, name := range Variables() {
		opts = append(opts, cel.Variable(name, variableTypes[name]))
	}
	return cel.NewEnv(opts...)
}
