package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"SecureEscrow/internal/config"
	"SecureEscrow/internal/escrow"
	"SecureEscrow/internal/jobs"
)

var (
	reconcilePass string
	reconcileJSON bool
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and exit",
		Long: `Run the scheduled work once: tracking checks, due auto-releases and the
sweep for settlements that never finished.

When PAYMENT_JOURNAL_PATH is set this command takes the journal's exclusive
lock and fails while a server is running on the same file. Use
POST /api/cron/reconcile against the running server instead.

Examples:
  secureescrow reconcile
  secureescrow reconcile --pass release
  secureescrow reconcile --json`,
		RunE: runReconcile,
	}

	cmd.Flags().StringVar(&reconcilePass, "pass", "all", "which pass to run (all, tracking, release, stale)")
	cmd.Flags().BoolVarP(&reconcileJSON, "json", "j", false, "print the report as JSON")
	return cmd
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.LogLevel, false)

	rt, err := bootstrap(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var report jobs.Report
	switch reconcilePass {
	case "all":
		report = rt.reconciler.RunOnce(ctx)
	case string(jobs.PassTracking):
		report = rt.reconciler.RunTracking(ctx)
	case string(jobs.PassRelease):
		report = rt.reconciler.RunReleases(ctx)
	case string(jobs.PassStale):
		report = rt.reconciler.RunStaleSweep(ctx)
	default:
		return fmt.Errorf("unknown pass %q", reconcilePass)
	}

	if reconcileJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(report)
	}

	if len(report.Errors) > 0 {
		return fmt.Errorf("%d pass(es) could not list work", len(report.Errors))
	}
	return nil
}

func printReport(report jobs.Report) {
	for _, r := range report.Results {
		line := fmt.Sprintf("%-8s %-36s %s", r.Pass, r.TransactionID, r.Outcome)
		if r.Error != "" {
			line += "  (" + r.Error + ")"
		}
		fmt.Println(line)
	}
	for _, e := range report.Errors {
		fmt.Println("error:", e)
	}
	fmt.Printf("\n%d items, %d released, %d flagged, %d failed in %s\n",
		len(report.Results),
		report.Count(escrow.OutcomeReleased),
		report.Count(escrow.OutcomeFlagged),
		report.Count(escrow.OutcomeFailed),
		report.Duration,
	)
}
