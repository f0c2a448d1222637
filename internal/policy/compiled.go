package policy

import (
	"bytes"
	"fmt"
	"strconv"
	"text/template"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Spec is a validated, compiled policy. It is immutable and safe to share
// between concurrent runs.
type Spec struct {
	doc    Document
	hash   string
	source string
	blocks []*CompiledBlock
}

// CompiledBlock is a rule block with its predicate and reason compiled.
type CompiledBlock struct {
	RuleBlock
	Normalized string

	program cel.Program
	reason  *template.Template
}

// Version returns the policy version string.
func (s *Spec) Version() string { return s.doc.Version }

// Name returns the optional policy name.
func (s *Spec) Name() string { return s.doc.Name }

// Hash returns the digest of the source bytes.
func (s *Spec) Hash() string { return s.hash }

// Source returns the file the policy was loaded from, if any.
func (s *Spec) Source() string { return s.source }

// Hierarchy returns the tiers from lowest to highest.
func (s *Spec) Hierarchy() []domain.Tier {
	return append([]domain.Tier(nil), s.doc.DecisionHierarchy...)
}

// Blocks returns the compiled rule blocks in policy order.
func (s *Spec) Blocks() []*CompiledBlock { return s.blocks }

// Settings returns the outcome settings of a tier.
func (s *Spec) Settings(t domain.Tier) (TierSettings, bool) {
	ts, ok := s.doc.Tiers[t]
	return ts, ok
}

// JustificationRequired reports whether decisions at tier t need a justification.
// Unknown tiers require one.
func (s *Spec) JustificationRequired(t domain.Tier) bool {
	ts, ok := s.doc.Tiers[t]
	if !ok {
		return true
	}
	return ts.JustificationRequired
}

// Confidence returns the confidence table.
func (s *Spec) Confidence() ConfidenceConfig { return s.doc.Confidence }

// Document returns a copy of the source document.
func (s *Spec) Document() Document { return s.doc }

// Eval runs the predicate against an evaluation context.
func (b *CompiledBlock) Eval(vars map[string]any) (bool, error) {
	out, _, err := b.program.Eval(vars)
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate returned %T", out.Value())
	}
	return v, nil
}

// Reason renders the block's reason template.
func (b *CompiledBlock) Reason(vars map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := b.reason.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var reasonFuncs = template.FuncMap{
	"num": FormatNumber,
}

// FormatNumber renders a number without exponent notation or trailing zeros.
func FormatNumber(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprint(v)
}
