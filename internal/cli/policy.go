package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/policy"
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect policy specifications",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate and compile a policy file",
	Long:  "Checks the decision hierarchy, tier settings, confidence table and every rule\npredicate. All problems are reported at once. Defaults to policy.path.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyValidate,
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	path := policyPath
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Policy.Path
	}

	spec, err := policy.Load(path)
	if err != nil {
		var verr *policy.ValidationError
		if errors.As(err, &verr) {
			out := cmd.ErrOrStderr()
			fmt.Fprintf(out, "%s: %d problem(s)\n", path, len(verr.Problems))
			for _, p := range verr.Problems {
				fmt.Fprintf(out, "  - %s\n", p)
			}
			return fmt.Errorf("policy %s is invalid", path)
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", path)
	fmt.Fprintf(out, "  name:      %s\n", spec.Name())
	fmt.Fprintf(out, "  version:   %s\n", spec.Version())
	fmt.Fprintf(out, "  hash:      %s\n", spec.Hash())
	fmt.Fprintf(out, "  hierarchy: %v\n", spec.Hierarchy())
	for _, b := range spec.Blocks() {
		fmt.Fprintf(out, "  rule %-24s %s\n", b.ID, b.Tier)
	}
	return nil
}
