// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EnrichedCase is one investigation case assembled upstream from alerts,
// flagged transactions, and customer and behavior snapshots.
// Sub-payloads stay raw so a malformed field never fails the envelope decode;
// the signal extractors interpret them.
type EnrichedCase struct {
	CaseID              string          `json:"case_id"`
	CustomerID          string          `json:"customer_id"`
	CustomerSnapshot    json.RawMessage `json:"customer_snapshot,omitempty"`
	CaseMetadata        json.RawMessage `json:"case_metadata,omitempty"`
	AlertsInCase        json.RawMessage `json:"alerts_in_case,omitempty"`
	FlaggedTransactions json.RawMessage `json:"flagged_transactions,omitempty"`
	BehaviorSnapshot    json.RawMessage `json:"behavior_snapshot,omitempty"`
}

// UnknownID is used when a case arrives without an identifier.
const UnknownID = "unknown"

// ParseEnrichedCase decodes a case envelope.
// Only the top-level shape is checked here.
func ParseEnrichedCase(data []byte) (*EnrichedCase, error) {
	var c EnrichedCase
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode enriched case: %w", err)
	}
	c.CaseID = strings.TrimSpace(c.CaseID)
	c.CustomerID = strings.TrimSpace(c.CustomerID)
	if c.CaseID == "" {
		c.CaseID = UnknownID
	}
	if c.CustomerID == "" {
		c.CustomerID = UnknownID
	}
	return &c, nil
}
