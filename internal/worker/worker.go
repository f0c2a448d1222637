// Package worker runs submitted cases through the pipeline off the event
// bus and publishes their progress and results.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, c *domain.EnrichedCase, emit pipeline.Emitter) (*domain.PipelineState, error)
}

// ProgressMessage is published on TopicCaseProgress for every pipeline event.
type ProgressMessage struct {
	CaseID string         `json:"case_id"`
	Event  pipeline.Event `json:"event"`
}

// ResultMessage is published on TopicCaseDecided or TopicCaseFailed and
// sent as the reply to a submission made with Request.
type ResultMessage struct {
	CaseID      string         `json:"case_id"`
	Result      *domain.Output `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	PolicyFatal bool           `json:"policy_fatal,omitempty"`
}

// Failed reports whether the run produced no output.
func (m *ResultMessage) Failed() bool {
	return m.Error != ""
}

// Worker consumes TopicCaseSubmitted. Each case is handled by one of
// Concurrency goroutines, which owns its run state.
type Worker struct {
	bus    domain.EventBus
	runner Runner
	logger *slog.Logger

	concurrency int
	jobs        chan *domain.Message

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker. A concurrency below one means one.
func NewWorker(eventBus domain.EventBus, runner Runner, cfg domain.WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:         eventBus,
		runner:      runner,
		logger:      logger,
		concurrency: concurrency,
		jobs:        make(chan *domain.Message),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to submitted cases and launches the run goroutines.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicCaseSubmitted, w.enqueue)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicCaseSubmitted, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop()
	}

	w.logger.Info("worker started",
		"topic", domain.TopicCaseSubmitted,
		"concurrency", w.concurrency,
	)
	return nil
}

// enqueue hands a message to the next free goroutine. It blocks while all
// of them are busy, which pushes back on the bus.
func (w *Worker) enqueue(ctx context.Context, msg *domain.Message) error {
	select {
	case w.jobs <- msg:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.jobs:
			w.process(w.ctx, msg)
		}
	}
}

// process runs one submitted case and publishes its outcome.
func (w *Worker) process(ctx context.Context, msg *domain.Message) {
	start := time.Now()

	c, err := domain.ParseEnrichedCase(msg.Payload)
	if err != nil {
		w.logger.Error("failed to parse submitted case",
			"message_id", msg.ID,
			"error", err,
		)
		w.finish(ctx, msg, &ResultMessage{CaseID: domain.UnknownID, Error: err.Error()})
		return
	}

	emit := func(e pipeline.Event) {
		if e.Terminal() {
			return
		}
		w.publish(ctx, domain.TopicCaseProgress, &ProgressMessage{CaseID: c.CaseID, Event: e})
	}

	state, err := w.runner.Run(ctx, c, emit)
	if err != nil {
		w.finish(ctx, msg, &ResultMessage{
			CaseID:      c.CaseID,
			Error:       err.Error(),
			PolicyFatal: errors.Is(err, pipeline.ErrPolicyFatal),
		})
		return
	}

	result := &ResultMessage{CaseID: c.CaseID, Result: state.Output()}
	w.finish(ctx, msg, result)

	w.logger.Debug("case processed",
		"case_id", c.CaseID,
		"decision", string(result.Result.PolicyDecision.Decision),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// finish publishes the result to its topic and answers the submitter.
func (w *Worker) finish(ctx context.Context, msg *domain.Message, result *ResultMessage) {
	topic := domain.TopicCaseDecided
	if result.Failed() {
		topic = domain.TopicCaseFailed
		w.failed.Add(1)
	} else {
		w.processed.Add(1)
	}

	payload := w.publish(ctx, topic, result)
	if payload == nil {
		return
	}
	if err := bus.Reply(ctx, w.bus, msg, payload); err != nil {
		w.logger.Error("failed to reply",
			"case_id", result.CaseID,
			"error", err,
		)
	}
}

func (w *Worker) publish(ctx context.Context, topic string, v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("failed to encode message", "topic", topic, "error", err)
		return nil
	}
	if err := w.bus.Publish(ctx, topic, payload); err != nil {
		w.logger.Error("failed to publish",
			"topic", topic,
			"error", err,
		)
	}
	return payload
}

// Stop unsubscribes and waits for in-flight runs to return.
func (w *Worker) Stop() error {
	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()

	w.logger.Info("worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats holds worker counters.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Concurrency       int      `json:"concurrency"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Concurrency:       w.concurrency,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}

// Submit publishes a case for asynchronous processing.
func Submit(ctx context.Context, eventBus domain.EventBus, c *domain.EnrichedCase) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode case: %w", err)
	}
	return eventBus.Publish(ctx, domain.TopicCaseSubmitted, payload)
}

// caseMargin covers the stages around JUSTIFY and bus transit.
const caseMargin = 15 * time.Second

// CaseTimeout is how long one case may take when the collaborator uses
// its full timeout on every attempt.
func CaseTimeout(cfg domain.LLMConfig) time.Duration {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	attempts := max(cfg.MaxRetries, 0) + 1
	return time.Duration(attempts)*timeout + caseMargin
}

// SubmitAndWait publishes a case and waits for the worker's result.
// Set a deadline on ctx covering CaseTimeout; without one the bus
// default applies.
func SubmitAndWait(ctx context.Context, eventBus domain.EventBus, c *domain.EnrichedCase) (*ResultMessage, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode case: %w", err)
	}
	reply, err := eventBus.Request(ctx, domain.TopicCaseSubmitted, payload)
	if err != nil {
		return nil, err
	}
	var result ResultMessage
	if err := json.Unmarshal(reply, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}
