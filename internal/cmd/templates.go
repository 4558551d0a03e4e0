package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage job templates",
}

var templatesCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatesCreate,
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE:  runTemplatesList,
}

var templatesArchiveCmd = &cobra.Command{
	Use:   "archive <template_id>",
	Short: "Archive a template (blocks new jobs, keeps existing ones)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatesArchive,
}

func init() {
	rootCmd.AddCommand(templatesCmd)
	templatesCmd.AddCommand(templatesCreateCmd)
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesArchiveCmd)

	templatesCreateCmd.Flags().String("type", "", "Job type the template stamps (required)")
	templatesCreateCmd.Flags().String("params", "", "Default params as a JSON object")
	templatesListCmd.Flags().Bool("archived", false, "Include archived templates")
	templatesListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runTemplatesCreate(cmd *cobra.Command, args []string) error {
	jobType, _ := cmd.Flags().GetString("type")
	params, _ := cmd.Flags().GetString("params")
	if jobType == "" {
		return fmt.Errorf("--type is required")
	}
	if params != "" && !json.Valid([]byte(params)) {
		return fmt.Errorf("--params must be valid JSON")
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

	tpl := &schedstore.JobTemplate{
		Name:          strings.TrimSpace(args[0]),
		JobType:       jobType,
		DefaultParams: params,
	}
	if err := store.CreateTemplate(ctx, tpl); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "created %s (name=%s type=%s)\n", tpl.TemplateID, tpl.Name, tpl.JobType)
	return nil
}

func runTemplatesList(cmd *cobra.Command, _ []string) error {
	includeArchived, _ := cmd.Flags().GetBool("archived")
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

	tpls, err := store.ListTemplates(ctx, includeArchived)
	if err != nil {
		return err
	}
	if len(tpls) == 0 {
		fmt.Fprintln(os.Stdout, "No templates found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tpls)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintln(w, "TEMPLATE ID\tNAME\tTYPE\tARCHIVED\tCREATED")
	for _, tpl := range tpls {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(tpl.TemplateID),
			tpl.Name,
			tpl.JobType,
			formatOptionalTime(tpl.ArchivedAt),
			tpl.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	return nil
}

func runTemplatesArchive(cmd *cobra.Command, args []string) error {
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

	templateID := strings.TrimSpace(args[0])
	if err := store.ArchiveTemplate(ctx, templateID); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "archived %s\n", templateID)
	return nil
}
