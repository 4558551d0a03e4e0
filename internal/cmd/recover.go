package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskforge/nocturne/pkg/scheduler"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run the crash recovery pass once and report what changed",
	Long: `Reconcile state left behind by a crash: finalize interrupted runs as
failed, expire stale reservations, and create retries or skip group
members for failures that were never reacted to. The pass is idempotent;
'serve' also runs it on startup.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)

	recoverCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRecover(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	retry := scheduler.NewRetryController(store, cfg.Scheduler.MaxRetries, log)
	groups := scheduler.NewGroups(store, log)
	report, err := scheduler.NewRecovery(store, retry, groups, log).Run(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(os.Stdout, "failed_runs=%d\n", len(report.FailedRuns))
	fmt.Fprintf(os.Stdout, "skipped_runs=%d\n", len(report.SkippedRuns))
	fmt.Fprintf(os.Stdout, "retries_created=%d\n", report.RetriesCreated)
	fmt.Fprintf(os.Stdout, "reservations_expired=%d\n", report.ReservationsExpired)
	fmt.Fprintf(os.Stdout, "finished_backfilled=%d\n", report.FinishedBackfilled)
	return nil
}
