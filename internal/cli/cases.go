package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

var casesListLimit int

func init() {
	rootCmd.AddCommand(casesCmd)
	casesCmd.AddCommand(casesImportCmd, casesListCmd, casesGetCmd)
	casesListCmd.Flags().IntVarP(&casesListLimit, "limit", "n", 20, "Maximum cases to list")
}

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Manage the case catalog",
}

var casesImportCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Import enriched cases into the catalog",
	Long:  "Reads one enriched case per line and upserts it into the catalog by case_id.\nCases without a case_id are skipped.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCasesImport,
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog cases, most recently imported first",
	Args:  cobra.NoArgs,
	RunE:  runCasesList,
}

var casesGetCmd = &cobra.Command{
	Use:   "get <case-id>",
	Short: "Print one catalog case",
	Args:  cobra.ExactArgs(1),
	RunE:  runCasesGet,
}

func openCatalog(cmd *cobra.Command) (domain.Repository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	newLogger(cfg, cmd.ErrOrStderr())
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	return repo, nil
}

func runCasesImport(cmd *cobra.Command, args []string) error {
	repo, err := openCatalog(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	in, err := openInput(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	lines, err := readCaseLines(in)
	_ = in.Close()
	if err != nil {
		return err
	}

	imported, skipped := 0, 0
	now := time.Now().UTC()
	for _, l := range lines {
		c, err := domain.ParseEnrichedCase(l.Raw)
		if err != nil || c.CaseID == domain.UnknownID {
			skipped++
			continue
		}
		rec := &domain.CaseRecord{
			CaseID:     c.CaseID,
			CustomerID: c.CustomerID,
			Payload:    l.Raw,
			ImportedAt: now,
		}
		if err := repo.SaveCase(cmd.Context(), rec); err != nil {
			return fmt.Errorf("line %d: failed to save case %q: %w", l.Line, c.CaseID, err)
		}
		imported++
	}

	fmt.Fprintf(cmd.OutOrStdout(), "imported %d cases, skipped %d\n", imported, skipped)
	return nil
}

func runCasesList(cmd *cobra.Command, args []string) error {
	repo, err := openCatalog(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	recs, err := repo.ListCases(cmd.Context(), casesListLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, rec := range recs {
		fmt.Fprintf(out, "%s\t%s\t%s\n", rec.CaseID, rec.CustomerID, rec.ImportedAt.Format(time.RFC3339))
	}
	return nil
}

func runCasesGet(cmd *cobra.Command, args []string) error {
	repo, err := openCatalog(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	rec, err := repo.GetCase(cmd.Context(), args[0])
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("case %q not found", args[0])
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rec.Payload)
}
