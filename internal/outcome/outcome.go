// Package outcome checks that a finished run is internally consistent.
package outcome

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// Validate checks the decision and its justification.
// Engine defects are never recoverable. A missing justification that the
// tier requires is recoverable: the decision stands and the
// justification can be regenerated.
func Validate(decision *domain.PolicyDecision, j domain.MaybeJustification, meta domain.JustificationMeta, spec *policy.Spec) domain.ValidationResult {
	var (
		errs        []string
		recoverable = true
	)
	fail := func(msg string, canRecover bool) {
		errs = append(errs, msg)
		recoverable = recoverable && canRecover
	}

	if decision == nil {
		fail("policy_decision missing", false)
	} else {
		if !decision.Decision.Valid() {
			fail(fmt.Sprintf("unknown decision tier: %s", decision.Decision), false)
		}
		if len(decision.Reasons) == 0 {
			fail("policy_decision has no reasons", false)
		}
	}

	if got, ok := j.Get(); ok {
		if got.Blank() {
			fail("llm_justification is present but empty/invalid", false)
		}
	} else if decision != nil && justificationRequired(spec, decision.Decision) {
		fail(unavailableMessage(meta), true)
	}

	if len(errs) == 0 {
		return domain.ValidationResult{OK: true, Errors: []string{}}
	}
	return domain.ValidationResult{
		OK:          false,
		Errors:      errs,
		Recoverable: recoverable,
	}
}

func justificationRequired(spec *policy.Spec, tier domain.Tier) bool {
	if spec == nil {
		return true
	}
	return spec.JustificationRequired(tier)
}

func unavailableMessage(meta domain.JustificationMeta) string {
	kind := meta.ErrorKind
	if kind == "" {
		kind = domain.JustificationInternal
	}
	msg := meta.Error
	if msg == "" {
		msg = "no justification produced"
	}
	return fmt.Sprintf("justification unavailable (%s): %s", kind, msg)
}
