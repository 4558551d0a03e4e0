package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/duskforge/nocturne/pkg/schedstore"
	"github.com/duskforge/nocturne/pkg/scheduler"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage job groups",
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a job group",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupsCreate,
}

var groupsStatusCmd = &cobra.Command{
	Use:   "status <group_id>",
	Short: "Show a group's derived status and members",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupsStatus,
}

func init() {
	rootCmd.AddCommand(groupsCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsStatusCmd)

	groupsCreateCmd.Flags().String("mode", "sequential", "Member dispatch mode: sequential or parallel")
	groupsStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runGroupsCreate(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("mode")

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

	grp := &schedstore.JobGroup{
		Name: strings.TrimSpace(args[0]),
		Mode: schedstore.GroupMode(mode),
	}
	if err := store.CreateGroup(ctx, grp); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "created %s (name=%s mode=%s)\n", grp.GroupID, grp.Name, grp.Mode)
	return nil
}

func runGroupsStatus(cmd *cobra.Command, args []string) error {
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

	groupID := strings.TrimSpace(args[0])
	grp, err := store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	status, err := scheduler.NewGroups(store, nil).Status(ctx, groupID)
	if err != nil {
		return err
	}
	members, err := store.GroupJobs(ctx, groupID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"group":   grp,
			"status":  status,
			"members": members,
		})
	}

	fmt.Fprintf(os.Stdout, "group_id=%s\n", grp.GroupID)
	fmt.Fprintf(os.Stdout, "name=%s\n", grp.Name)
	fmt.Fprintf(os.Stdout, "mode=%s\n", grp.Mode)
	fmt.Fprintf(os.Stdout, "status=%s\n", status)

	if len(members) == 0 {
		fmt.Fprintln(os.Stdout, "no members")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintln(w, "JOB ID\tTYPE\tSTATUS\tPOSITION\tRUN STATUS")
	for _, j := range members {
		runStatus := "-"
		if run, err := store.GetRunByJob(ctx, j.JobID); err == nil {
			runStatus = string(run.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			shortID(j.JobID), j.JobType, j.Status, j.Position, runStatus)
	}
	return nil
}
