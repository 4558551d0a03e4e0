package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskforge/nocturne/pkg/scheduler"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and head",
	RunE:  runQueueStatus,
}

var queueNormalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Compact queued positions back to uniform gaps",
	RunE:  runQueueNormalize,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueNormalizeCmd)

	queueStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runQueueStatus(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	snap, err := scheduler.NewQueue(store, nil).Snapshot(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(os.Stdout, "depth=%d\n", snap.Depth)
	if snap.Head != nil {
		fmt.Fprintf(os.Stdout, "head=%s (type=%s priority=%d position=%d)\n",
			snap.Head.JobID, snap.Head.JobType, snap.Head.Priority, snap.Head.Position)
	} else {
		fmt.Fprintln(os.Stdout, "head=none")
	}
	return nil
}

func runQueueNormalize(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := scheduler.NewQueue(store, nil).Normalize(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "queue normalized")
	return nil
}
