// Package main is the CLI entry point for threatlink.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iyulab/threatlink/internal/config"
	"github.com/iyulab/threatlink/internal/logging"
	"github.com/iyulab/threatlink/internal/orchestrator"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "threatlink",
		Short: "Open a ConnectWise ticket for every unlinked SentinelOne threat",
		Long: `threatlink fetches SentinelOne threats that have no external ticket id,
files a ConnectWise Manage ticket for each under the matching company, and
writes the ticket number back onto the threat.`,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "threatlink.toml", "path to config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().Bool("strict", false, "exit non-zero when any threat fails")
	rootCmd.Flags().Bool("dry-run", false, "resolve companies and log would-be tickets without writing anything")
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	rootCmd.AddCommand(newSyncCmd(), newVerdictCmd(), newMitigateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads config and builds the logger and orchestrator shared by every command.
func setup(cmd *cobra.Command, dryRun bool) (*orchestrator.Orchestrator, *zap.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	strict, _ := cmd.Flags().GetBool("strict")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(cfg.Logging, verbose)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}
	logger = logger.With(zap.String("run_id", uuid.NewString()), zap.String("command", cmd.Name()))

	orch := orchestrator.New(cfg, orchestrator.Options{
		DryRun:  dryRun,
		Strict:  strict,
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}, logger)
	return orch, logger, nil
}

func run(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	orch, logger, err := setup(cmd, dryRun)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("run started", zap.String("version", version), zap.Bool("dry_run", dryRun))
	summary, err := orch.Run(cmd.Context())
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		return err
	}
	logger.Info("run finished",
		zap.Int("fetched", summary.Fetched),
		zap.Int("linked", summary.Linked),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)
	return nil
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Close the tickets of resolved threats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, logger, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			summary, err := orch.Sync(cmd.Context())
			if err != nil {
				logger.Error("sync failed", zap.Error(err))
				return err
			}
			logger.Info("sync finished", zap.Int("checked", summary.Checked), zap.Int("closed", summary.Closed))
			return nil
		},
		SilenceUsage: true,
	}
}

func newVerdictCmd() *cobra.Command {
	var status, verdict string

	cmd := &cobra.Command{
		Use:   "verdict <ticket-id>",
		Short: "Set incident status and analyst verdict on the threat linked to a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticketID, err := parseTicketID(args[0])
			if err != nil {
				return err
			}
			orch, logger, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := orch.Verdict(cmd.Context(), ticketID, status, verdict); err != nil {
				logger.Error("verdict failed", zap.Int("ticket_id", ticketID), zap.Error(err))
				return err
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&status, "status", "resolved", "incident status (unresolved, in_progress, resolved)")
	cmd.Flags().StringVar(&verdict, "verdict", "", "analyst verdict (true_positive, false_positive, suspicious, undefined)")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func newMitigateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mitigate <ticket-id> <action>",
		Short: "Run a mitigation action (kill, quarantine, un-quarantine, remediate, rollback-remediation)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticketID, err := parseTicketID(args[0])
			if err != nil {
				return err
			}
			orch, logger, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := orch.Mitigate(cmd.Context(), ticketID, args[1]); err != nil {
				logger.Error("mitigation failed", zap.Int("ticket_id", ticketID), zap.String("action", args[1]), zap.Error(err))
				return err
			}
			return nil
		},
		SilenceUsage: true,
	}
}

func parseTicketID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("ticket id must be a positive integer, got %q", s)
	}
	return id, nil
}
