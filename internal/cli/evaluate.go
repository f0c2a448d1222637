package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evalreport"
)

var (
	evalCases       string
	evalTruth       string
	evalMismatches  string
	evalConcurrency int
)

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringVar(&evalCases, "cases", "", "JSONL file of enriched cases (required)")
	evaluateCmd.Flags().StringVar(&evalTruth, "truth", "", "JSONL ground truth: {case_id, decision} (required)")
	evaluateCmd.Flags().StringVar(&evalMismatches, "mismatches", "", "Write mismatched cases as JSONL to this file")
	evaluateCmd.Flags().IntVar(&evalConcurrency, "concurrency", 4, "Cases evaluated in parallel")
	_ = evaluateCmd.MarkFlagRequired("cases")
	_ = evaluateCmd.MarkFlagRequired("truth")
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score policy decisions against ground truth",
	Long:  "Runs every case through the pipeline and reports accuracy, the confusion matrix,\nand escalation precision and recall against labelled outcomes.",
	Args:  cobra.NoArgs,
	RunE:  runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	tf, err := openInput(evalTruth, cmd.InOrStdin())
	if err != nil {
		return err
	}
	truth, err := evalreport.ReadTruth(tf)
	_ = tf.Close()
	if err != nil {
		return err
	}

	cf, err := openInput(evalCases, cmd.InOrStdin())
	if err != nil {
		return err
	}
	lines, err := readCaseLines(cf)
	_ = cf.Close()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	report := evalreport.New(truth)
	evaluateAll(cmd.Context(), a, lines, report, evalConcurrency, logger)

	if err := report.WriteText(cmd.OutOrStdout()); err != nil {
		return err
	}

	if evalMismatches != "" {
		out, err := createOutput(evalMismatches, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer func() { _ = out.Close() }()
		if err := report.WriteMismatches(out); err != nil {
			return fmt.Errorf("failed to write mismatches: %w", err)
		}
	}
	return nil
}

func evaluateAll(ctx context.Context, a *app, lines []caseLine, report *evalreport.Report, concurrency int, logger *slog.Logger) {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, l := range lines {
		wg.Add(1)
		sem <- struct{}{}
		go func(l caseLine) {
			defer wg.Done()
			defer func() { <-sem }()

			c, err := domain.ParseEnrichedCase(l.Raw)
			if err != nil {
				logger.Warn("skipping unreadable case", "line", l.Line, "error", err)
				report.AddError()
				return
			}
			state, err := a.runner.Run(ctx, c, nil)
			if err != nil {
				logger.Warn("case run failed", "case_id", c.CaseID, "error", err)
				report.AddError()
				return
			}
			if !report.Add(c.CaseID, state.Decision.Decision) {
				logger.Debug("no ground truth for case", "case_id", c.CaseID)
			}
		}(l)
	}

	wg.Wait()
}
