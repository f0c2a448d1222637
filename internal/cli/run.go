package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

var (
	runCasePath string
	runCaseID   string
	runEvents   bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runCasePath, "case", "", "Enriched case JSON file, - for stdin")
	runCmd.Flags().StringVar(&runCaseID, "case-id", "", "Run a case from the catalog")
	runCmd.Flags().BoolVar(&runEvents, "events", false, "Print every run event as a JSON line instead of the result")
	runCmd.MarkFlagsMutuallyExclusive("case", "case-id")
	runCmd.MarkFlagsOneRequired("case", "case-id")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for one case",
	Long:  "Runs one enriched case through the pipeline and prints the result as JSON.",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	a, err := newApp(cfg, logger, runCaseID != "")
	if err != nil {
		return err
	}
	defer a.Close()

	var raw []byte
	if runCaseID != "" {
		rec, err := a.repo.GetCase(cmd.Context(), runCaseID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("case %q not found", runCaseID)
		}
		if err != nil {
			return err
		}
		raw = rec.Payload
	} else {
		in, err := openInput(runCasePath, cmd.InOrStdin())
		if err != nil {
			return err
		}
		raw, err = io.ReadAll(in)
		_ = in.Close()
		if err != nil {
			return fmt.Errorf("failed to read case: %w", err)
		}
	}

	c, err := domain.ParseEnrichedCase(raw)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	var emit pipeline.Emitter
	if runEvents {
		emit = func(e pipeline.Event) { _ = enc.Encode(e) }
	}

	state, err := a.runner.Run(cmd.Context(), c, emit)
	if err != nil {
		return err
	}

	if runEvents {
		return nil
	}
	enc.SetIndent("", "  ")
	return enc.Encode(state.Output())
}
