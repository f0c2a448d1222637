// Package evalreport scores pipeline decisions against ground-truth labels:
// accuracy, a tier confusion matrix and escalation precision/recall.
package evalreport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Truth maps case ids to their labelled tier.
type Truth map[string]domain.Tier

// truthRow is one line of a ground-truth JSONL file.
type truthRow struct {
	CaseID   string      `json:"case_id"`
	Decision domain.Tier `json:"decision"`
}

// ReadTruth parses ground-truth JSONL. Blank lines are skipped; unknown
// tiers are an error.
func ReadTruth(r io.Reader) (Truth, error) {
	truth := make(Truth)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var row truthRow
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if !row.Decision.Valid() {
			return nil, fmt.Errorf("line %d: unknown decision tier %q", line, row.Decision)
		}
		truth[row.CaseID] = row.Decision
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return truth, nil
}

// Mismatch is a case whose predicted tier differs from its label.
type Mismatch struct {
	CaseID    string      `json:"case_id"`
	Predicted domain.Tier `json:"predicted"`
	True      domain.Tier `json:"true"`
}

// Escalation counts treat ESCALATE_L2 and above as positive.
type Escalation struct {
	TP        int     `json:"tp"`
	FP        int     `json:"fp"`
	FN        int     `json:"fn"`
	TN        int     `json:"tn"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
}

// Report accumulates predictions. Add is safe for concurrent use.
type Report struct {
	mu    sync.Mutex
	truth Truth

	Total        int                                 `json:"total"`
	Correct      int                                 `json:"correct"`
	Accuracy     float64                             `json:"accuracy"`
	Confusion    map[domain.Tier]map[domain.Tier]int `json:"confusion"`
	Escalation   Escalation                          `json:"escalation"`
	Mismatches   []Mismatch                          `json:"mismatches"`
	MissingTruth []string                            `json:"missing_truth,omitempty"`
	Errors       int                                 `json:"errors"`
}

// New starts an empty report against truth.
func New(truth Truth) *Report {
	confusion := make(map[domain.Tier]map[domain.Tier]int, len(domain.TierOrder))
	for _, t := range domain.TierOrder {
		confusion[t] = make(map[domain.Tier]int, len(domain.TierOrder))
	}
	return &Report{
		truth:      truth,
		Confusion:  confusion,
		Mismatches: []Mismatch{},
	}
}

// Add records a prediction. Cases without a label are listed in
// MissingTruth and not scored; it reports whether the case was scored.
func (r *Report) Add(caseID string, predicted domain.Tier) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	actual, ok := r.truth[caseID]
	if !ok {
		r.MissingTruth = append(r.MissingTruth, caseID)
		return false
	}

	r.Total++
	if predicted == actual {
		r.Correct++
	} else {
		r.Mismatches = append(r.Mismatches, Mismatch{CaseID: caseID, Predicted: predicted, True: actual})
	}

	row, ok := r.Confusion[actual]
	if !ok {
		row = make(map[domain.Tier]int)
		r.Confusion[actual] = row
	}
	row[predicted]++

	predEsc, trueEsc := escalated(predicted), escalated(actual)
	switch {
	case predEsc && trueEsc:
		r.Escalation.TP++
	case predEsc:
		r.Escalation.FP++
	case trueEsc:
		r.Escalation.FN++
	default:
		r.Escalation.TN++
	}

	r.compute()
	return true
}

// Expected returns the labelled tier for caseID, or "" when unlabelled.
func (r *Report) Expected(caseID string) domain.Tier {
	return r.truth[caseID]
}

// AddError counts a case the pipeline could not decide.
func (r *Report) AddError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors++
}

func (r *Report) compute() {
	r.Accuracy = ratio(r.Correct, r.Total)
	e := &r.Escalation
	e.Precision = ratio(e.TP, e.TP+e.FP)
	e.Recall = ratio(e.TP, e.TP+e.FN)
}

func escalated(t domain.Tier) bool {
	return t.Rank() >= domain.TierEscalateL2.Rank()
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// WriteText renders the report as a plain-text summary.
func (r *Report) WriteText(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(w, "Total evaluated: %d\n", r.Total)
	fmt.Fprintf(w, "Accuracy: %.4f\n", r.Accuracy)
	if r.Errors > 0 {
		fmt.Fprintf(w, "Errors: %d\n", r.Errors)
	}
	if len(r.MissingTruth) > 0 {
		fmt.Fprintf(w, "No ground truth: %d\n", len(r.MissingTruth))
	}

	fmt.Fprintln(w, "\nConfusion matrix (rows true, columns predicted):")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "TRUE \\ PRED")
	for _, t := range domain.TierOrder {
		fmt.Fprintf(tw, "\t%s", t)
	}
	fmt.Fprintln(tw)
	for _, actual := range domain.TierOrder {
		fmt.Fprint(tw, actual)
		for _, pred := range domain.TierOrder {
			fmt.Fprintf(tw, "\t%d", r.Confusion[actual][pred])
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	e := r.Escalation
	fmt.Fprintln(w, "\nEscalation metrics:")
	fmt.Fprintf(w, "TP: %d\n", e.TP)
	fmt.Fprintf(w, "FP (over-escalation): %d\n", e.FP)
	fmt.Fprintf(w, "FN (missed escalation): %d\n", e.FN)
	fmt.Fprintf(w, "TN: %d\n", e.TN)
	fmt.Fprintf(w, "Escalation precision: %.4f\n", e.Precision)
	_, err := fmt.Fprintf(w, "Escalation recall: %.4f\n\nTotal mismatches: %d\n", e.Recall, len(r.Mismatches))
	return err
}

// WriteMismatches writes one JSON object per mismatch.
func (r *Report) WriteMismatches(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	enc := json.NewEncoder(w)
	for _, m := range r.Mismatches {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}
