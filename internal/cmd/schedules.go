package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage cron schedules",
}

var schedulesCreateCmd = &cobra.Command{
	Use:   "create <template_id>",
	Short: "Create a schedule for a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedulesCreate,
}

var schedulesEnableCmd = &cobra.Command{
	Use:   "enable <schedule_id>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedulesSetEnabled(true),
}

var schedulesDisableCmd = &cobra.Command{
	Use:   "disable <schedule_id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedulesSetEnabled(false),
}

var schedulesStatusCmd = &cobra.Command{
	Use:   "status <schedule_id>",
	Short: "Show a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedulesStatus,
}

func init() {
	rootCmd.AddCommand(schedulesCmd)
	schedulesCmd.AddCommand(schedulesCreateCmd)
	schedulesCmd.AddCommand(schedulesEnableCmd)
	schedulesCmd.AddCommand(schedulesDisableCmd)
	schedulesCmd.AddCommand(schedulesStatusCmd)

	schedulesCreateCmd.Flags().String("cron", "", "Cron expression, standard five fields (required)")
	schedulesCreateCmd.Flags().String("timezone", "", "IANA timezone for evaluation (default UTC)")
	schedulesCreateCmd.Flags().String("params", "", "Param overrides as a JSON object")
	schedulesCreateCmd.Flags().Bool("disabled", false, "Create the schedule disabled")
	schedulesStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runSchedulesCreate(cmd *cobra.Command, args []string) error {
	expr, _ := cmd.Flags().GetString("cron")
	timezone, _ := cmd.Flags().GetString("timezone")
	params, _ := cmd.Flags().GetString("params")
	disabled, _ := cmd.Flags().GetBool("disabled")

	if expr == "" {
		return fmt.Errorf("--cron is required")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if params != "" && !json.Valid([]byte(params)) {
		return fmt.Errorf("--params must be valid JSON")
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
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

	sch := &schedstore.Schedule{
		TemplateID:     strings.TrimSpace(args[0]),
		CronExpression: expr,
		Timezone:       timezone,
		Enabled:        !disabled,
		ParamOverrides: params,
	}
	if err := store.CreateSchedule(ctx, sch); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "created %s (cron=%q enabled=%t)\n", sch.ScheduleID, expr, sch.Enabled)
	return nil
}

func runSchedulesSetEnabled(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
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

		scheduleID := strings.TrimSpace(args[0])
		if err := store.SetScheduleEnabled(ctx, scheduleID, enabled); err != nil {
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Fprintf(os.Stdout, "%s %s\n", state, scheduleID)
		return nil
	}
}

func runSchedulesStatus(cmd *cobra.Command, args []string) error {
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

	sch, err := store.GetSchedule(ctx, strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sch)
	}

	fmt.Fprintf(os.Stdout, "schedule_id=%s\n", sch.ScheduleID)
	fmt.Fprintf(os.Stdout, "template_id=%s\n", sch.TemplateID)
	fmt.Fprintf(os.Stdout, "cron=%s\n", sch.CronExpression)
	if sch.Timezone != "" {
		fmt.Fprintf(os.Stdout, "timezone=%s\n", sch.Timezone)
	}
	fmt.Fprintf(os.Stdout, "enabled=%t\n", sch.Enabled)
	if sch.LastTriggeredAt != nil {
		fmt.Fprintf(os.Stdout, "last_triggered_at=%s\n", sch.LastTriggeredAt.UTC().Format(time.RFC3339))
	}
	return nil
}
