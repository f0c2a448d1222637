// Package cli implements the kestrel command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Version information, set by the main package.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	configPath string
	policyPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default ./"+config.DefaultPath+" when present)")
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "Policy file, overrides policy.path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level, overrides logging.level")
}

var rootCmd = &cobra.Command{
	Use:           "kestrel",
	Short:         "Policy-driven AML case decisions",
	Long:          "Derives risk and behavior signals from an enriched case, resolves a disposition tier\nagainst a declarative policy, and attaches a validated analyst justification.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration for a command and applies the global flags.
func loadConfig() (*domain.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if policyPath != "" {
		cfg.Policy.Path = policyPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the command logger and makes it the process default.
func newLogger(cfg *domain.Config, w io.Writer) *slog.Logger {
	logger := config.NewLogger(cfg.Logging, w)
	slog.SetDefault(logger)
	return logger
}
