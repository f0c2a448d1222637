package signals

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ExtractBehavior derives behavior signals from a case. It never fails.
func ExtractBehavior(c *domain.EnrichedCase) domain.BehaviorSignals {
	r := &reader{}
	var out domain.BehaviorSignals
	if c == nil {
		r.defect("enriched_case", "missing")
		out.Defects = r.defects
		return out
	}

	snap := r.object(c.BehaviorSnapshot, "behavior_snapshot")
	if pct, ok := r.nonNegative(snap, "crypto_percentage", "behavior_snapshot"); ok {
		if pct > 100 {
			r.defect("behavior_snapshot.crypto_percentage", "value %v clamped to 100", pct)
			pct = 100
		}
		out.CryptoPercentage = pct
	}
	out.MaxTxAmount, _ = r.nonNegative(snap, "max_tx_amount", "behavior_snapshot")
	out.TotalTxInWindow, _ = r.count(snap, "total_tx_in_window", "behavior_snapshot")
	out.TotalVolumeInWindow, _ = r.nonNegative(snap, "total_volume_in_window", "behavior_snapshot")
	if snap != nil {
		if _, present := snap["avg_tx_amount"]; present {
			out.AvgTxAmount, _ = r.nonNegative(snap, "avg_tx_amount", "behavior_snapshot")
		} else if out.TotalTxInWindow > 0 {
			out.AvgTxAmount = out.TotalVolumeInWindow / float64(out.TotalTxInWindow)
		}
	}

	txs, _ := r.list(c.FlaggedTransactions, "flagged_transactions")
	out.FlaggedTxCount = len(txs)
	for i, tx := range txs {
		path := fmt.Sprintf("flagged_transactions[%d].rule_trigger_reason", i)
		reason, ok := tx["rule_trigger_reason"].(map[string]any)
		if !ok {
			r.defect(path, "missing")
			continue
		}
		if b, _ := reason["threshold_exceeded"].(bool); b {
			out.AnyThresholdExceeded = true
		}
		if b, _ := reason["pattern_detected"].(bool); b {
			out.AnyPatternDetected = true
		}
		if b, _ := reason["velocity_violation"].(bool); b {
			out.AnyVelocityViolation = true
		}
	}

	out.Defects = r.defects
	return out
}
