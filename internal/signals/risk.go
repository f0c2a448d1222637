package signals

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ExtractRisk derives risk signals from a case. It never fails.
func ExtractRisk(c *domain.EnrichedCase) domain.RiskSignals {
	r := &reader{}
	out := domain.RiskSignals{
		CustomerRisk: domain.CustomerRiskUnknown,
		Priority:     domain.PriorityUnknown,
	}
	if c == nil {
		r.defect("enriched_case", "missing")
		out.Defects = r.defects
		return out
	}

	customer := r.object(c.CustomerSnapshot, "customer_snapshot")
	if rating, ok := r.str(customer, "risk_rating", "customer_snapshot"); ok {
		out.CustomerRisk = normalizeRiskRating(rating)
		if out.CustomerRisk == domain.CustomerRiskUnknown {
			r.defect("customer_snapshot.risk_rating", "unrecognized value %q", rating)
		}
	}
	if customer != nil {
		if _, present := customer["historical_alert_count"]; present {
			out.HistoricalAlertCount, _ = r.count(customer, "historical_alert_count", "customer_snapshot")
		}
	}

	meta := r.object(c.CaseMetadata, "case_metadata")
	out.AggregatedScore, _ = r.nonNegative(meta, "aggregated_score", "case_metadata")
	out.PatternPresent = r.boolean(meta, "pattern_present", "case_metadata")
	if p, ok := r.str(meta, "priority", "case_metadata"); ok {
		out.Priority = normalizePriority(p)
		if out.Priority == domain.PriorityUnknown {
			r.defect("case_metadata.priority", "unrecognized value %q", p)
		}
	}

	alerts, alertsOK := r.list(c.AlertsInCase, "alerts_in_case")
	metaTotal, metaOK := r.count(meta, "total_alerts", "case_metadata")
	switch {
	case metaOK && alertsOK:
		out.TotalAlerts = max(metaTotal, len(alerts))
		if metaTotal != len(alerts) {
			r.defect("case_metadata.total_alerts", "declares %d but alerts_in_case has %d, using %d", metaTotal, len(alerts), out.TotalAlerts)
		}
	case metaOK:
		out.TotalAlerts = metaTotal
	case alertsOK:
		out.TotalAlerts = len(alerts)
	}

	for _, a := range alerts {
		if sev, ok := a["severity"].(string); ok && strings.EqualFold(strings.TrimSpace(sev), "high") {
			out.HasHighSevAlert = true
			break
		}
	}

	if meta != nil {
		if tw, ok := meta["time_window"].(map[string]any); ok {
			start, okStart := r.timestamp(tw, "start", "case_metadata.time_window")
			end, okEnd := r.timestamp(tw, "end", "case_metadata.time_window")
			if okStart && okEnd && start.After(end) {
				r.defect("case_metadata.time_window", "start is after end")
			}
		}
	}

	out.Defects = r.defects
	return out
}

func normalizeRiskRating(s string) string {
	switch strings.ToLower(s) {
	case "low":
		return domain.CustomerRiskLow
	case "medium":
		return domain.CustomerRiskMedium
	case "high":
		return domain.CustomerRiskHigh
	}
	return domain.CustomerRiskUnknown
}

func normalizePriority(s string) string {
	switch strings.ToLower(s) {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh:
		return strings.ToLower(s)
	}
	return domain.PriorityUnknown
}
