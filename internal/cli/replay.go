package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
)

var (
	replayCaseID string
	replayFormat string
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayCaseID, "case-id", "", "Case whose audited decisions are replayed (required)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
	_ = replayCmd.MarkFlagRequired("case-id")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-evaluate audited decisions against the current policy",
	Long:  "Reads the audit ledger for a case, evaluates each recorded set of debug signals\nagainst the active policy, and reports where the outcome has drifted.",
	Args:  cobra.NoArgs,
	RunE:  runReplay,
}

// ReplayRow compares one audited decision with its re-evaluation.
type ReplayRow struct {
	AuditID          string      `json:"audit_id"`
	RunID            string      `json:"run_id"`
	CreatedAt        time.Time   `json:"created_at"`
	RecordedPolicy   string      `json:"recorded_policy_version"`
	RecordedDecision domain.Tier `json:"recorded_decision"`
	RecordedRules    []string    `json:"recorded_triggered_rules"`
	CurrentPolicy    string      `json:"current_policy_version"`
	CurrentDecision  domain.Tier `json:"current_decision"`
	CurrentRules     []string    `json:"current_triggered_rules"`
	Drift            bool        `json:"drift"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	newLogger(cfg, cmd.ErrOrStderr())

	spec, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		return fmt.Errorf("failed to load policy %q: %w", cfg.Policy.Path, err)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer func() { _ = repo.Close() }()

	audits, err := repo.ListAudits(cmd.Context(), replayCaseID)
	if err != nil {
		return err
	}
	if len(audits) == 0 {
		return fmt.Errorf("no audited decisions for case %q", replayCaseID)
	}

	rows := Replay(audits, spec)

	switch replayFormat {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	default:
		return writeReplay(cmd.OutOrStdout(), replayCaseID, rows)
	}
}

// Replay evaluates each audit's debug signals against spec.
func Replay(audits []*domain.DecisionAudit, spec *policy.Spec) []ReplayRow {
	rows := make([]ReplayRow, 0, len(audits))
	for _, a := range audits {
		d := decision.EvaluateVars(a.DebugSignals, spec).Decision
		rows = append(rows, ReplayRow{
			AuditID:          a.ID,
			RunID:            a.RunID,
			CreatedAt:        a.CreatedAt,
			RecordedPolicy:   a.PolicyVersion,
			RecordedDecision: a.Decision,
			RecordedRules:    a.TriggeredRules,
			CurrentPolicy:    d.PolicyVersion,
			CurrentDecision:  d.Decision,
			CurrentRules:     d.TriggeredRules,
			Drift:            d.Decision != a.Decision || !slices.Equal(d.TriggeredRules, a.TriggeredRules),
		})
	}
	return rows
}

func writeReplay(w io.Writer, caseID string, rows []ReplayRow) error {
	drifted := 0
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tRECORDED\tPOLICY\tCURRENT\tPOLICY\tDRIFT")
	for _, r := range rows {
		mark := ""
		if r.Drift {
			mark = "yes"
			drifted++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.RecordedDecision, r.RecordedPolicy,
			r.CurrentDecision, r.CurrentPolicy, mark)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\ncase %s: %d audited decision(s), %d drifted\n", caseID, len(rows), drifted)
	return err
}
