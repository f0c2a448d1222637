// Package metrics exposes pipeline activity as Prometheus metrics.
//
// Metrics (namespace defaults to "kestrel"):
//   - kestrel_runs_total: finished runs by outcome
//   - kestrel_run_duration_seconds: end-to-end run duration
//   - kestrel_stage_duration_seconds: per-stage duration by outcome
//   - kestrel_decisions_total: decisions by tier and confidence
//   - kestrel_rule_hits_total: triggered rule blocks
//   - kestrel_justifications_total: justification results by status and error kind
//   - kestrel_policy_reloads_total: policy hot reloads by result
//   - kestrel_cache_{hits,misses,evictions}_total, kestrel_cache_entries: justification cache
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Collector owns a dedicated registry and the pipeline collectors.
// A disabled collector accepts every call and records nothing.
type Collector struct {
	enabled   bool
	registry  *prometheus.Registry
	namespace string

	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	stageDuration  *prometheus.HistogramVec
	decisionsTotal *prometheus.CounterVec
	ruleHitsTotal  *prometheus.CounterVec
	justifications *prometheus.CounterVec
	policyReloads  *prometheus.CounterVec
}

// New creates a collector from cfg. If registry is nil a new one is used.
func New(cfg domain.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "kestrel"
	}

	c := &Collector{
		enabled:   cfg.Enabled,
		registry:  registry,
		namespace: ns,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "runs_total",
				Help:      "Total number of pipeline runs by outcome",
			},
			[]string{"outcome"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "run_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				// Dominated by the LLM call (10ms - 30s)
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"outcome"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 12), // 10µs to ~40s
			},
			[]string{"stage", "outcome"},
		),

		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "decisions_total",
				Help:      "Total number of policy decisions by tier and confidence",
			},
			[]string{"tier", "confidence"},
		),

		ruleHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "rule_hits_total",
				Help:      "Total number of triggered rule blocks",
			},
			[]string{"rule_id"},
		),

		justifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "justifications_total",
				Help:      "Total number of justification results by status and error kind",
			},
			[]string{"status", "error_kind"},
		),

		policyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "policy_reloads_total",
				Help:      "Total number of policy reload attempts by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		c.runsTotal,
		c.runDuration,
		c.stageDuration,
		c.decisionsTotal,
		c.ruleHitsTotal,
		c.justifications,
		c.policyReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// RecordRun records a finished run.
func (c *Collector) RecordRun(outcome string, d time.Duration) {
	if !c.enabled {
		return
	}
	c.runsTotal.WithLabelValues(outcome).Inc()
	c.runDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordStage records one stage execution.
func (c *Collector) RecordStage(stage, outcome string, d time.Duration) {
	if !c.enabled {
		return
	}
	c.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// RecordDecision records a decision and the rules that triggered it.
func (c *Collector) RecordDecision(d *domain.PolicyDecision) {
	if !c.enabled || d == nil {
		return
	}
	c.decisionsTotal.WithLabelValues(string(d.Decision), d.Confidence).Inc()
	for _, id := range d.TriggeredRules {
		c.ruleHitsTotal.WithLabelValues(id).Inc()
	}
}

// RecordJustification records the justification outcome of a run.
func (c *Collector) RecordJustification(meta domain.JustificationMeta) {
	if !c.enabled {
		return
	}
	status := "ok"
	switch {
	case !meta.OK:
		status = "absent"
	case meta.Cached:
		status = "cached"
	}
	c.justifications.WithLabelValues(status, string(meta.ErrorKind)).Inc()
}

// RecordPolicyReload records a hot reload attempt.
func (c *Collector) RecordPolicyReload(err error) {
	if !c.enabled {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.policyReloads.WithLabelValues(result).Inc()
}

// WatchCache exports src's counters, read at scrape time.
// It must be called at most once per collector.
func (c *Collector) WatchCache(src domain.CacheStatsReporter) {
	if !c.enabled || src == nil {
		return
	}
	counter := func(name, help string, read func(domain.CacheStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: c.namespace, Subsystem: "cache", Name: name, Help: help},
			func() float64 { return float64(read(src.CacheStats())) },
		)
	}
	c.registry.MustRegister(
		counter("hits_total", "Justification cache hits",
			func(s domain.CacheStats) uint64 { return s.Hits }),
		counter("misses_total", "Justification cache misses",
			func(s domain.CacheStats) uint64 { return s.Misses }),
		counter("evictions_total", "Entries evicted from the in-process cache",
			func(s domain.CacheStats) uint64 { return s.Evictions }),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: c.namespace, Subsystem: "cache", Name: "entries", Help: "Entries held in the in-process cache"},
			func() float64 { return float64(src.CacheStats().Entries) },
		),
	)
}

// Handler returns the exposition handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
