package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newEnabled() *Collector {
	return New(domain.MetricsConfig{Enabled: true, Namespace: "kestrel"}, nil)
}

func TestCollector(t *testing.T) {
	t.Run("RecordRun", func(t *testing.T) {
		c := newEnabled()
		c.RecordRun("success", 50*time.Millisecond)
		c.RecordRun("success", 70*time.Millisecond)
		c.RecordRun("policy_fatal", time.Millisecond)

		if got := testutil.ToFloat64(c.runsTotal.WithLabelValues("success")); got != 2 {
			t.Errorf("expected 2 successful runs, got %v", got)
		}
		if got := testutil.ToFloat64(c.runsTotal.WithLabelValues("policy_fatal")); got != 1 {
			t.Errorf("expected 1 fatal run, got %v", got)
		}
	})

	t.Run("RecordDecision", func(t *testing.T) {
		c := newEnabled()
		c.RecordDecision(&domain.PolicyDecision{
			Decision:       domain.TierSARReviewL2,
			Confidence:     domain.ConfidenceHigh,
			TriggeredRules: []string{"sar_score_high_sev", "esc_crypto_pattern"},
		})

		if got := testutil.ToFloat64(c.decisionsTotal.WithLabelValues("SAR_REVIEW_L2", "high")); got != 1 {
			t.Errorf("expected 1 decision, got %v", got)
		}
		if got := testutil.ToFloat64(c.ruleHitsTotal.WithLabelValues("esc_crypto_pattern")); got != 1 {
			t.Errorf("expected 1 rule hit, got %v", got)
		}
	})

	t.Run("RecordJustification", func(t *testing.T) {
		c := newEnabled()
		c.RecordJustification(domain.JustificationMeta{OK: true})
		c.RecordJustification(domain.JustificationMeta{OK: true, Cached: true})
		c.RecordJustification(domain.JustificationMeta{ErrorKind: domain.JustificationTimeout})

		if got := testutil.ToFloat64(c.justifications.WithLabelValues("absent", "timeout")); got != 1 {
			t.Errorf("expected 1 timeout, got %v", got)
		}
		if got := testutil.ToFloat64(c.justifications.WithLabelValues("cached", "")); got != 1 {
			t.Errorf("expected 1 cached, got %v", got)
		}
	})

	t.Run("RecordPolicyReload", func(t *testing.T) {
		c := newEnabled()
		c.RecordPolicyReload(nil)
		c.RecordPolicyReload(errors.New("bad predicate"))

		if got := testutil.ToFloat64(c.policyReloads.WithLabelValues("failure")); got != 1 {
			t.Errorf("expected 1 failed reload, got %v", got)
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		c := New(domain.MetricsConfig{Enabled: false}, nil)
		c.RecordRun("success", time.Second)
		c.RecordStage("risk", "success", time.Millisecond)

		if got := testutil.ToFloat64(c.runsTotal.WithLabelValues("success")); got != 0 {
			t.Errorf("expected nothing recorded when disabled, got %v", got)
		}
	})

	t.Run("Handler", func(t *testing.T) {
		c := newEnabled()
		c.RecordStage("policy", "success", 2*time.Millisecond)

		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body, _ := io.ReadAll(rec.Body)
		if !strings.Contains(string(body), "kestrel_stage_duration_seconds") {
			t.Error("expected stage histogram in exposition output")
		}
	})

	t.Run("WatchCache", func(t *testing.T) {
		c := newEnabled()
		c.WatchCache(stubStats{domain.CacheStats{Hits: 7, Misses: 3, Evictions: 1, Entries: 4}})

		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body, _ := io.ReadAll(rec.Body)
		for _, want := range []string{"kestrel_cache_hits_total 7", "kestrel_cache_misses_total 3", "kestrel_cache_entries 4"} {
			if !strings.Contains(string(body), want) {
				t.Errorf("expected %q in exposition output", want)
			}
		}
	})
}

type stubStats struct{ s domain.CacheStats }

func (s stubStats) CacheStats() domain.CacheStats { return s.s }
