package domain

// Customer risk ratings as they appear in customer snapshots.
const (
	CustomerRiskLow     = "Low"
	CustomerRiskMedium  = "Medium"
	CustomerRiskHigh    = "High"
	CustomerRiskUnknown = "unknown"
)

// Case priorities as they appear in case metadata.
const (
	PriorityLow     = "low"
	PriorityMedium  = "medium"
	PriorityHigh    = "high"
	PriorityUnknown = "unknown"
)

// RiskSignals are the normalized risk indicators of a case.
type RiskSignals struct {
	AggregatedScore      float64  `json:"aggregated_score"`
	TotalAlerts          int      `json:"total_alerts"`
	PatternPresent       bool     `json:"pattern_present"`
	HasHighSevAlert      bool     `json:"has_high_sev_alert"`
	CustomerRisk         string   `json:"customer_risk"`
	Priority             string   `json:"priority"`
	HistoricalAlertCount int      `json:"historical_alert_count"`
	Defects              []string `json:"defects,omitempty"`
}

// BehaviorSignals are the transaction behavior indicators of a case.
type BehaviorSignals struct {
	CryptoPercentage     float64  `json:"crypto_percentage"`
	MaxTxAmount          float64  `json:"max_tx_amount"`
	AvgTxAmount          float64  `json:"avg_tx_amount"`
	TotalTxInWindow      int      `json:"total_tx_in_window"`
	TotalVolumeInWindow  float64  `json:"total_volume_in_window"`
	FlaggedTxCount       int      `json:"flagged_tx_count"`
	AnyThresholdExceeded bool     `json:"any_threshold_exceeded"`
	AnyPatternDetected   bool     `json:"any_pattern_detected"`
	AnyVelocityViolation bool     `json:"any_velocity_violation"`
	Defects              []string `json:"defects,omitempty"`
}
