package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/worker"
)

var (
	batchIn          string
	batchOut         string
	batchConcurrency int
)

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.Flags().StringVarP(&batchIn, "in", "i", "", "JSONL file of enriched cases, - for stdin (required)")
	batchCmd.Flags().StringVarP(&batchOut, "out", "o", "-", "JSONL results file, - for stdout")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "Cases in flight, defaults to worker.concurrency")
	_ = batchCmd.MarkFlagRequired("in")
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run many cases through the event bus worker",
	Long:  "Submits every case in a JSONL file to the batch worker over the configured event bus\nand writes one result line per input case, in input order.",
	Args:  cobra.NoArgs,
	RunE:  runBatch,
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	in, err := openInput(batchIn, cmd.InOrStdin())
	if err != nil {
		return err
	}
	lines, err := readCaseLines(in)
	_ = in.Close()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer func() { _ = eventBus.Close() }()

	w := worker.NewWorker(eventBus, a.runner, cfg.Worker, logger)
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	defer func() { _ = w.Stop() }()

	concurrency := batchConcurrency
	if concurrency < 1 {
		concurrency = w.GetStats().Concurrency
	}

	// Cases beyond the worker's concurrency queue behind running ones.
	workers := max(w.GetStats().Concurrency, 1)
	waves := (concurrency + workers - 1) / workers
	perCase := time.Duration(waves) * worker.CaseTimeout(cfg.LLM)

	start := time.Now()
	results := submitAll(cmd.Context(), eventBus, lines, concurrency, perCase)

	out, err := createOutput(batchOut, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	enc := json.NewEncoder(out)
	failed := 0
	for _, res := range results {
		if res.Failed() {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}

	logger.Info("batch complete",
		"cases", len(results),
		"failed", failed,
		"duration", time.Since(start).String(),
	)
	return nil
}

// submitAll sends each case to the worker with at most concurrency requests
// in flight, each allowed perCase to answer. Results keep input order.
func submitAll(ctx context.Context, eventBus domain.EventBus, lines []caseLine, concurrency int, perCase time.Duration) []*worker.ResultMessage {
	results := make([]*worker.ResultMessage, len(lines))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, l := range lines {
		c, err := domain.ParseEnrichedCase(l.Raw)
		if err != nil {
			results[i] = &worker.ResultMessage{
				CaseID: domain.UnknownID,
				Error:  fmt.Sprintf("line %d: %v", l.Line, err),
			}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c *domain.EnrichedCase) {
			defer wg.Done()
			defer func() { <-sem }()

			caseCtx, cancel := context.WithTimeout(ctx, perCase)
			defer cancel()

			res, err := worker.SubmitAndWait(caseCtx, eventBus, c)
			if err != nil {
				res = &worker.ResultMessage{CaseID: c.CaseID, Error: err.Error()}
			}
			results[i] = res
		}(i, c)
	}

	wg.Wait()
	return results
}
