package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskforge/nocturne/pkg/manifest"
)

var applyCmd = &cobra.Command{
	Use:   "apply <manifest.yaml>",
	Short: "Apply a declarative manifest of templates, schedules and groups",
	Long: `Apply a YAML manifest. Templates are matched by name and never
recreated, so re-applying the same manifest is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)

	applyCmd.Flags().Bool("dry-run", false, "Validate the manifest without writing")
}

func runApply(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	m, err := manifest.Load(args[0])
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Fprintf(os.Stdout, "manifest ok: %d templates, %d schedules, %d groups\n",
			len(m.Templates), len(m.Schedules), len(m.Groups))
		return nil
	}

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

	created, err := m.Apply(ctx, store)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "applied: %d created\n", created)
	return nil
}
