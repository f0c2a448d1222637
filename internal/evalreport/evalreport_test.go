package evalreport

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const truthJSONL = `{"case_id":"C1","decision":"CLOSE_NO_ACTION"}
{"case_id":"C2","decision":"L1_REVIEW"}

{"case_id":"C3","decision":"ESCALATE_L2"}
{"case_id":"C4","decision":"SAR_REVIEW_L2"}
`

func TestReadTruth(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		truth, err := ReadTruth(strings.NewReader(truthJSONL))
		if err != nil {
			t.Fatalf("ReadTruth failed: %v", err)
		}
		if len(truth) != 4 {
			t.Errorf("expected 4 labels, got %d", len(truth))
		}
		if truth["C4"] != domain.TierSARReviewL2 {
			t.Errorf("expected SAR_REVIEW_L2, got %s", truth["C4"])
		}
	})

	t.Run("UnknownTier", func(t *testing.T) {
		_, err := ReadTruth(strings.NewReader(`{"case_id":"C1","decision":"FILE_SAR"}`))
		if err == nil || !strings.Contains(err.Error(), "line 1") {
			t.Errorf("expected line-numbered error, got %v", err)
		}
	})

	t.Run("BadJSON", func(t *testing.T) {
		if _, err := ReadTruth(strings.NewReader("{")); err == nil {
			t.Error("expected error for bad JSON")
		}
	})
}

func TestReport(t *testing.T) {
	truth, _ := ReadTruth(strings.NewReader(truthJSONL))

	r := New(truth)
	r.Add("C1", domain.TierCloseNoAction) // TN, correct
	r.Add("C2", domain.TierEscalateL2)    // FP
	r.Add("C3", domain.TierL1Review)      // FN
	r.Add("C4", domain.TierSARReviewL2)   // TP, correct
	if r.Add("C9", domain.TierL1Review) {
		t.Error("expected unlabelled case to be skipped")
	}

	t.Run("Accuracy", func(t *testing.T) {
		if r.Total != 4 || r.Correct != 2 {
			t.Errorf("expected 2/4 correct, got %d/%d", r.Correct, r.Total)
		}
		if r.Accuracy != 0.5 {
			t.Errorf("expected accuracy 0.5, got %v", r.Accuracy)
		}
	})

	t.Run("Confusion", func(t *testing.T) {
		if got := r.Confusion[domain.TierL1Review][domain.TierEscalateL2]; got != 1 {
			t.Errorf("expected 1 L1->ESCALATE, got %d", got)
		}
		if got := r.Confusion[domain.TierSARReviewL2][domain.TierSARReviewL2]; got != 1 {
			t.Errorf("expected 1 SAR->SAR, got %d", got)
		}
	})

	t.Run("Escalation", func(t *testing.T) {
		e := r.Escalation
		if e.TP != 1 || e.FP != 1 || e.FN != 1 || e.TN != 1 {
			t.Errorf("expected 1/1/1/1, got %+v", e)
		}
		if e.Precision != 0.5 || e.Recall != 0.5 {
			t.Errorf("expected precision and recall 0.5, got %v and %v", e.Precision, e.Recall)
		}
	})

	t.Run("Mismatches", func(t *testing.T) {
		if len(r.Mismatches) != 2 {
			t.Fatalf("expected 2 mismatches, got %d", len(r.Mismatches))
		}
		var buf bytes.Buffer
		if err := r.WriteMismatches(&buf); err != nil {
			t.Fatalf("WriteMismatches failed: %v", err)
		}
		if lines := strings.Count(buf.String(), "\n"); lines != 2 {
			t.Errorf("expected 2 lines, got %d", lines)
		}
		if !strings.Contains(buf.String(), `"predicted":"ESCALATE_L2"`) {
			t.Errorf("expected predicted tier in output, got %s", buf.String())
		}
	})

	t.Run("MissingTruth", func(t *testing.T) {
		if len(r.MissingTruth) != 1 || r.MissingTruth[0] != "C9" {
			t.Errorf("expected [C9], got %v", r.MissingTruth)
		}
	})

	t.Run("Expected", func(t *testing.T) {
		if got := r.Expected("C4"); got != domain.TierSARReviewL2 {
			t.Errorf("expected SAR_REVIEW_L2, got %s", got)
		}
		if got := r.Expected("C9"); got != "" {
			t.Errorf("expected empty tier for unlabelled case, got %s", got)
		}
	})

	t.Run("WriteText", func(t *testing.T) {
		var buf bytes.Buffer
		if err := r.WriteText(&buf); err != nil {
			t.Fatalf("WriteText failed: %v", err)
		}
		out := buf.String()
		for _, want := range []string{"Accuracy: 0.5000", "SAR_REVIEW_L2", "Escalation recall: 0.5000", "Total mismatches: 2"} {
			if !strings.Contains(out, want) {
				t.Errorf("expected %q in output:\n%s", want, out)
			}
		}
	})
}

func TestReportEmpty(t *testing.T) {
	r := New(Truth{})
	if r.Accuracy != 0 || r.Escalation.Precision != 0 || r.Escalation.Recall != 0 {
		t.Errorf("expected zero metrics, got %+v", r)
	}
}

func TestReportConcurrentAdd(t *testing.T) {
	truth := Truth{}
	for i := 0; i < 100; i++ {
		truth[string(rune('A'+i%26))+string(rune('0'+i/26))] = domain.TierL1Review
	}
	r := New(truth)

	var wg sync.WaitGroup
	for id := range truth {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Add(id, domain.TierL1Review)
		}(id)
	}
	wg.Wait()

	if r.Total != 100 || r.Accuracy != 1 {
		t.Errorf("expected 100 correct, got %d (accuracy %v)", r.Total, r.Accuracy)
	}
}
