package justify

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// Guardrail errors.
var (
	ErrNoReasonReference = errors.New("justification does not reference any matched policy reason")
	ErrInventedThreshold = errors.New("justification cites a threshold not present in the decision")
)

var (
	thresholdPattern = regexp.MustCompile(`threshold of\s+\$?(-?[0-9][0-9,]*(?:\.[0-9]+)?)`)
	numberPattern    = regexp.MustCompile(`-?[0-9][0-9,]*(?:\.[0-9]+)?`)
)

// Guardrail checks that j is anchored to the decision it explains.
// The text must quote a reason or name a triggered rule, and every
// "threshold of N" it cites must be a number the decision contains.
func Guardrail(j domain.Justification, d *domain.PolicyDecision) error {
	text := fold(j.Text())

	if !referencesReason(text, d) {
		return ErrNoReasonReference
	}

	allowed := decisionNumbers(d)
	for _, m := range thresholdPattern.FindAllStringSubmatch(text, -1) {
		n, ok := parseNumber(m[1])
		if !ok {
			continue
		}
		if _, found := allowed[n]; !found {
			return fmt.Errorf("%w: %s", ErrInventedThreshold, m[1])
		}
	}
	return nil
}

// fold normalizes s for comparison: NFC, case-folded, whitespace collapsed.
func fold(s string) string {
	s = cases.Fold().String(norm.NFC.String(s))
	return strings.Join(strings.Fields(s), " ")
}

func referencesReason(text string, d *domain.PolicyDecision) bool {
	for _, r := range d.Reasons {
		if r = fold(r); r != "" && strings.Contains(text, r) {
			return true
		}
	}
	for _, id := range d.TriggeredRules {
		id = fold(id)
		if id == "" {
			continue
		}
		if strings.Contains(text, id) || strings.Contains(text, strings.ReplaceAll(id, "_", " ")) {
			return true
		}
	}
	return false
}

// decisionNumbers collects every number in the reasons and numeric signals.
func decisionNumbers(d *domain.PolicyDecision) map[string]struct{} {
	out := make(map[string]struct{})
	for _, r := range d.Reasons {
		for _, tok := range numberPattern.FindAllString(r, -1) {
			if n, ok := parseNumber(tok); ok {
				out[n] = struct{}{}
			}
		}
	}
	for _, v := range d.DebugSignals {
		switch v.(type) {
		case float64, float32, int, int64:
			if n, ok := parseNumber(policy.FormatNumber(v)); ok {
				out[n] = struct{}{}
			}
		}
	}
	return out
}

// parseNumber canonicalizes a numeric token so "1,200.0" and "1200" match.
func parseNumber(tok string) (string, bool) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(tok, ",", ""), 64)
	if err != nil {
		return "", false
	}
	return policy.FormatNumber(f), true
}
