// Package policy loads, validates, and compiles decision policies.
package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk shape of a policy specification.
type Document struct {
	Version           string                       `json:"version" yaml:"version"`
	Name              string                       `json:"name,omitempty" yaml:"name,omitempty"`
	DecisionHierarchy []domain.Tier                `json:"decision_hierarchy" yaml:"decision_hierarchy"`
	Tiers             map[domain.Tier]TierSettings `json:"tiers" yaml:"tiers"`
	Confidence        ConfidenceConfig             `json:"confidence" yaml:"confidence"`
	RuleBlocks        []RuleBlock                  `json:"rule_blocks" yaml:"rule_blocks"`
}

// TierSettings are the outcome settings attached to a tier.
type TierSettings struct {
	RequiredNextActions   []string `json:"required_next_actions" yaml:"required_next_actions"`
	JustificationRequired bool     `json:"justification_required" yaml:"justification_required"`
}

// ConfidenceConfig maps (triggered count, tier margin) to a confidence level.
// Levels are checked in order; the first whose thresholds are met wins.
type ConfidenceConfig struct {
	Default string            `json:"default" yaml:"default"`
	Levels  []ConfidenceLevel `json:"levels" yaml:"levels"`
}

// ConfidenceLevel is one row of the confidence table.
type ConfidenceLevel struct {
	Level        string `json:"level" yaml:"level"`
	MinTriggered int    `json:"min_triggered" yaml:"min_triggered"`
	MinMargin    int    `json:"min_margin" yaml:"min_margin"`
}

// RuleBlock is a named predicate that votes for a tier when it holds.
type RuleBlock struct {
	ID             string      `json:"id" yaml:"id"`
	Tier           domain.Tier `json:"tier" yaml:"tier"`
	Predicate      string      `json:"predicate" yaml:"predicate"`
	ReasonTemplate string      `json:"reason_template" yaml:"reason_template"`
	AlwaysInclude  bool        `json:"always_include,omitempty" yaml:"always_include,omitempty"`
}

// Format is a policy file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the encoding from a file extension. YAML is the default.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// ValidationError lists every defect found in a policy specification.
type ValidationError struct {
	Source   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid policy %s: %s", e.Source, strings.Join(e.Problems, "; "))
}

// Load reads, validates, and compiles a policy file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	spec, err := Parse(data, FormatFromPath(path))
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Source = path
		}
		return nil, err
	}
	spec.source = path
	return spec, nil
}

// Parse decodes, validates, and compiles a policy document.
func Parse(data []byte, format Format) (*Spec, error) {
	var doc Document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode policy json: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode policy yaml: %w", err)
		}
	}

	sum := sha256.Sum256(data)
	return Compile(doc, "sha256:"+hex.EncodeToString(sum[:]))
}

// Compile validates a document and compiles every rule block.
// All problems are collected before failing.
func Compile(doc Document, hash string) (*Spec, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(doc.Version) == "" {
		addf("version is required")
	} else if _, err := semver.NewVersion(doc.Version); err != nil {
		addf("version %q is not a semantic version", doc.Version)
	}

	problems = append(problems, validateHierarchy(doc.DecisionHierarchy)...)

	for _, tier := range domain.TierOrder {
		if _, ok := doc.Tiers[tier]; !ok {
			addf("tiers: missing settings for %s", tier)
		}
	}
	for tier := range doc.Tiers {
		if !tier.Valid() {
			addf("tiers: unknown tier %q", tier)
		}
	}

	problems = append(problems, validateConfidence(&doc.Confidence)...)

	spec := &Spec{
		doc:  doc,
		hash: hash,
	}
	seen := make(map[string]bool, len(doc.RuleBlocks))
	for i, rb := range doc.RuleBlocks {
		label := fmt.Sprintf("rule_blocks[%d]", i)
		if strings.TrimSpace(rb.ID) == "" {
			addf("%s: id is required", label)
		} else {
			label = fmt.Sprintf("rule %s", rb.ID)
			if seen[rb.ID] {
				addf("%s: duplicate id", label)
			}
			seen[rb.ID] = true
		}
		if !rb.Tier.Valid() {
			addf("%s: unknown tier %q", label, rb.Tier)
		}
		compiled, err := compileBlock(env, rb)
		if err != nil {
			addf("%s: %v", label, err)
			continue
		}
		spec.blocks = append(spec.blocks, compiled)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Source: "document", Problems: problems}
	}
	return spec, nil
}

func validateHierarchy(h []domain.Tier) []string {
	var problems []string
	seen := make(map[domain.Tier]bool, len(h))
	for _, tier := range h {
		if !tier.Valid() {
			problems = append(problems, fmt.Sprintf("decision_hierarchy: unknown tier %q", tier))
			continue
		}
		if seen[tier] {
			problems = append(problems, fmt.Sprintf("decision_hierarchy: duplicate tier %s", tier))
		}
		seen[tier] = true
	}
	if len(problems) > 0 {
		return problems
	}
	if len(h) != len(domain.TierOrder) {
		return []string{fmt.Sprintf("decision_hierarchy: expected %d tiers, got %d", len(domain.TierOrder), len(h))}
	}
	for i, tier := range h {
		if tier != domain.TierOrder[i] {
			return []string{fmt.Sprintf("decision_hierarchy: expected %s at position %d, got %s", domain.TierOrder[i], i, tier)}
		}
	}
	return nil
}

var confidenceRank = map[string]int{
	domain.ConfidenceLow:    0,
	domain.ConfidenceMedium: 1,
	domain.ConfidenceHigh:   2,
}

func validateConfidence(c *ConfidenceConfig) []string {
	var problems []string
	if c.Default == "" {
		c.Default = domain.ConfidenceLow
	}
	if _, ok := confidenceRank[c.Default]; !ok {
		problems = append(problems, fmt.Sprintf("confidence: unknown default level %q", c.Default))
	}
	prev := len(confidenceRank)
	for i, lvl := range c.Levels {
		rank, ok := confidenceRank[lvl.Level]
		if !ok {
			problems = append(problems, fmt.Sprintf("confidence.levels[%d]: unknown level %q", i, lvl.Level))
			continue
		}
		if rank >= prev {
			problems = append(problems, fmt.Sprintf("confidence.levels[%d]: %s must come after a higher level", i, lvl.Level))
		}
		prev = rank
		if lvl.MinTriggered < 0 || lvl.MinMargin < 0 {
			problems = append(problems, fmt.Sprintf("confidence.levels[%d]: thresholds must be non-negative", i))
		}
	}
	return problems
}

func compileBlock(env *cel.Env, rb RuleBlock) (*CompiledBlock, error) {
	if strings.TrimSpace(rb.Predicate) == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	normalized, err := Normalize(rb.Predicate)
	if err != nil {
		return nil, fmt.Errorf("invalid predicate: %w", err)
	}

	ast, issues := env.Compile(normalized)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile predicate: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("predicate must return bool, got %s", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	if strings.TrimSpace(rb.ReasonTemplate) == "" {
		return nil, fmt.Errorf("reason_template is required")
	}
	tmpl, err := template.New(rb.ID).Funcs(reasonFuncs).Option("missingkey=error").Parse(rb.ReasonTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid reason_template: %w", err)
	}

	return &CompiledBlock{
		RuleBlock:  rb,
		Normalized: normalized,
		program:    program,
		reason:     tmpl,
	}, nil
}
