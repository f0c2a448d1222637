// Package testutil provides enriched case fixtures shared by package tests.
package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CaseSpec describes a synthetic enriched case.
type CaseSpec struct {
	CaseID          string
	CustomerID      string
	RiskRating      string
	Priority        string
	AggregatedScore float64
	TotalAlerts     int
	PatternPresent  bool
	Severities      []string

	CryptoPercentage    float64
	MaxTxAmount         float64
	TotalTxInWindow     int
	TotalVolumeInWindow float64
	Velocity            bool
	Threshold           bool
	Pattern             bool
}

// Build renders the fixture as an enriched case.
// TotalAlerts defaults to the number of severities.
func (s CaseSpec) Build() *domain.EnrichedCase {
	c, err := domain.ParseEnrichedCase(s.JSON())
	if err != nil {
		panic(err)
	}
	return c
}

// JSON renders the fixture as an enriched case document.
func (s CaseSpec) JSON() []byte {
	if s.CaseID == "" {
		s.CaseID = "CASE-TEST"
	}
	if s.CustomerID == "" {
		s.CustomerID = "CUST-TEST"
	}
	if s.RiskRating == "" {
		s.RiskRating = "Low"
	}
	if s.Priority == "" {
		s.Priority = "low"
	}
	total := s.TotalAlerts
	if total == 0 {
		total = len(s.Severities)
	}

	alerts := make([]map[string]any, 0, len(s.Severities))
	for i, sev := range s.Severities {
		alerts = append(alerts, map[string]any{
			"alert_id":   fmt.Sprintf("%s-A%d", s.CaseID, i),
			"rule_id":    "R-TEST",
			"rule_name":  "test rule",
			"severity":   sev,
			"base_score": 40,
		})
	}
	txs := []map[string]any{{
		"transaction_id": s.CaseID + "-T0",
		"amount":         s.MaxTxAmount,
		"currency":       "USD",
		"is_crypto":      s.CryptoPercentage > 0,
		"rule_trigger_reason": map[string]any{
			"threshold_exceeded": s.Threshold,
			"velocity_violation": s.Velocity,
			"pattern_detected":   s.Pattern,
		},
	}}

	doc := map[string]any{
		"case_id":     s.CaseID,
		"customer_id": s.CustomerID,
		"customer_snapshot": map[string]any{
			"risk_rating":            s.RiskRating,
			"customer_type":          "individual",
			"account_status":         "active",
			"historical_alert_count": 0,
		},
		"case_metadata": map[string]any{
			"priority":         s.Priority,
			"aggregated_score": s.AggregatedScore,
			"total_alerts":     total,
			"pattern_present":  s.PatternPresent,
			"time_window": map[string]any{
				"start": "2025-01-01T00:00:00Z",
				"end":   "2025-01-31T00:00:00Z",
			},
		},
		"alerts_in_case":       alerts,
		"flagged_transactions": txs,
		"behavior_snapshot": map[string]any{
			"total_tx_in_window":     s.TotalTxInWindow,
			"total_volume_in_window": s.TotalVolumeInWindow,
			"max_tx_amount":          s.MaxTxAmount,
			"crypto_percentage":      s.CryptoPercentage,
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}

// CleanCase is a low-risk case that no shipped rule matches.
func CleanCase() CaseSpec {
	return CaseSpec{
		CaseID:              "CASE-CLEAN",
		CustomerID:          "CUST-CLEAN",
		AggregatedScore:     40,
		Severities:          []string{"low"},
		CryptoPercentage:    0,
		MaxTxAmount:         900,
		TotalTxInWindow:     4,
		TotalVolumeInWindow: 2400,
	}
}

// SARCryptoCase is a high-velocity crypto case above SAR thresholds.
func SARCryptoCase() CaseSpec {
	return CaseSpec{
		CaseID:              "CASE-SAR",
		CustomerID:          "CUST-SAR",
		RiskRating:          "High",
		Priority:            "high",
		AggregatedScore:     420,
		PatternPresent:      true,
		Severities:          []string{"high", "high", "medium", "medium"},
		CryptoPercentage:    85,
		MaxTxAmount:         48000,
		TotalTxInWindow:     31,
		TotalVolumeInWindow: 310000,
		Velocity:            true,
		Threshold:           true,
		Pattern:             true,
	}
}

// L1Case triggers only the L1 score rule.
func L1Case() CaseSpec {
	return CaseSpec{
		CaseID:              "CASE-L1",
		CustomerID:          "CUST-L1",
		Priority:            "medium",
		AggregatedScore:     130,
		Severities:          []string{"medium", "low"},
		MaxTxAmount:         5000,
		TotalTxInWindow:     10,
		TotalVolumeInWindow: 30000,
	}
}
