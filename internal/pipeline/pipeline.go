// Package pipeline runs an enriched case through the fixed stage sequence
// risk, behavior, policy, justify, validate.
//
// State is append-only: each stage returns a delta and the runner refuses
// any delta that would overwrite an earlier field. Progress is pushed to an
// Emitter; every run ends with exactly one done or error event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/canonical"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// Run errors.
var (
	// ErrPolicyFatal means the policy stage failed; no decision exists.
	ErrPolicyFatal = errors.New("policy evaluation failed")

	// ErrStageFailed means any other stage failed or was run out of order.
	ErrStageFailed = errors.New("pipeline stage failed")
)

// Run outcomes reported to the recorder.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomePolicyFatal = "policy_fatal"
)

var tracer = otel.Tracer("kestrel-pipeline")

// Recorder receives run measurements.
type Recorder interface {
	RecordRun(outcome string, d time.Duration)
	RecordStage(stage, outcome string, d time.Duration)
	RecordDecision(d *domain.PolicyDecision)
	RecordJustification(meta domain.JustificationMeta)
}

type nopRecorder struct{}

func (nopRecorder) RecordRun(string, time.Duration)              {}
func (nopRecorder) RecordStage(string, string, time.Duration)    {}
func (nopRecorder) RecordDecision(*domain.PolicyDecision)        {}
func (nopRecorder) RecordJustification(domain.JustificationMeta) {}

// Runner executes pipeline runs. It is safe for concurrent use; runs share
// only the immutable policy snapshot.
type Runner struct {
	store     *policy.Store
	justifier Justifier
	repo      domain.Repository
	recorder  Recorder
	logger    *slog.Logger

	build func(spec *policy.Spec) []Stage
}

// Option configures a Runner.
type Option func(*Runner)

// WithRepository writes an audit ledger entry after every successful run.
func WithRepository(repo domain.Repository) Option {
	return func(r *Runner) { r.repo = repo }
}

// WithRecorder reports run and stage measurements.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a runner that reads the policy from store.
func New(store *policy.Store, justifier Justifier, opts ...Option) *Runner {
	r := &Runner{
		store:     store,
		justifier: justifier,
		recorder:  nopRecorder{},
		logger:    slog.Default(),
	}
	r.build = r.stages
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the active policy snapshot.
func (r *Runner) Policy() (*policy.Spec, error) {
	if r.store == nil {
		return nil, policy.ErrNoPolicy
	}
	return r.store.Current()
}

// Run executes every stage for c. On failure the returned state holds the
// fields set before the failing stage.
func (r *Runner) Run(ctx context.Context, c *domain.EnrichedCase, emit Emitter) (*domain.PipelineState, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	start := time.Now()
	runID := uuid.New().String()
	state := domain.NewPipelineState(c)

	caseID := domain.UnknownID
	if c != nil {
		caseID = c.CaseID
	}

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("case.id", caseID),
		),
	)
	defer span.End()

	fail := func(err error) (*domain.PipelineState, error) {
		outcome := OutcomeFailed
		if errors.Is(err, ErrPolicyFatal) {
			outcome = OutcomePolicyFatal
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.recorder.RecordRun(outcome, time.Since(start))
		r.logger.Error("pipeline run failed",
			"run_id", runID,
			"case_id", caseID,
			"error", err,
		)
		emit(Event{Type: EventError, Detail: err.Error()})
		return state, err
	}

	// A missing policy surfaces as a policy stage failure.
	spec, _ := r.Policy()
	stages := r.build(spec)
	for i, st := range stages {
		if err := r.runStage(ctx, st, state); err != nil {
			return fail(err)
		}
		emit(Event{
			Type:    EventProgress,
			Message: st.Message,
			Index:   i + 1,
			Total:   len(stages),
		})
	}

	r.recorder.RecordDecision(state.Decision)
	if state.JustificationMeta != nil {
		r.recorder.RecordJustification(*state.JustificationMeta)
	}
	r.audit(ctx, runID, state)

	duration := time.Since(start)
	r.recorder.RecordRun(OutcomeSuccess, duration)

	attrs := []any{
		"run_id", runID,
		"case_id", caseID,
		"duration_ms", duration.Milliseconds(),
	}
	if state.Decision != nil {
		attrs = append(attrs, "decision", string(state.Decision.Decision), "confidence", state.Decision.Confidence)
	}
	if state.Validation != nil {
		attrs = append(attrs, "validation_ok", state.Validation.OK)
	}
	r.logger.Info("pipeline run completed", attrs...)

	emit(Event{Type: EventDone, Result: state.Output()})
	return state, nil
}

// runStage checks prerequisites, runs the stage in its own span and applies
// its delta. Panics are recovered and reported as stage failures.
func (r *Runner) runStage(ctx context.Context, st Stage, state *domain.PipelineState) (err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.stage."+st.Name,
		trace.WithAttributes(attribute.String("stage", st.Name)),
	)
	defer func() {
		outcome := OutcomeSuccess
		if err != nil {
			outcome = OutcomeFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.recorder.RecordStage(st.Name, outcome, time.Since(start))
		r.logger.Debug("stage finished",
			"stage", st.Name,
			"duration_ms", time.Since(start).Milliseconds(),
			"ok", err == nil,
		)
	}()

	for _, f := range st.Requires {
		if !state.Has(f) {
			return r.wrap(st.Name, fmt.Errorf("requires %s", f))
		}
	}

	delta, err := r.call(ctx, st, state)
	if err != nil {
		return r.wrap(st.Name, err)
	}
	if err := state.Apply(delta); err != nil {
		return r.wrap(st.Name, err)
	}
	return nil
}

func (r *Runner) call(ctx context.Context, st Stage, state *domain.PipelineState) (delta domain.Delta, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return st.Run(ctx, state)
}

func (r *Runner) wrap(stage string, err error) error {
	if stage == StagePolicy {
		return fmt.Errorf("%w: %w", ErrPolicyFatal, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStageFailed, stage, err)
}

// audit appends the run's policy evaluation to the ledger. Failures are
// logged and do not affect the run.
func (r *Runner) audit(ctx context.Context, runID string, state *domain.PipelineState) {
	if r.repo == nil || state.Decision == nil {
		return
	}
	d := state.Decision

	digest, err := canonical.Digest(d)
	if err != nil {
		r.logger.Warn("failed to digest decision", "case_id", d.CaseID, "error", err)
	}

	entry := &domain.DecisionAudit{
		ID:              uuid.New().String(),
		RunID:           runID,
		CaseID:          d.CaseID,
		CustomerID:      d.CustomerID,
		PolicyVersion:   d.PolicyVersion,
		Decision:        d.Decision,
		Confidence:      d.Confidence,
		Reasons:         d.Reasons,
		TriggeredRules:  d.TriggeredRules,
		DebugSignals:    d.DebugSignals,
		RuleEvaluations: state.RuleAudit,
		Digest:          digest,
		CreatedAt:       time.Now().UTC(),
	}
	if err := r.repo.SaveAudit(ctx, entry); err != nil {
		r.logger.Error("failed to save decision audit",
			"case_id", d.CaseID,
			"run_id", runID,
			"error", err,
		)
	}
}
