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
	"github.com/duskforge/nocturne/pkg/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Enqueue and inspect jobs",
	Long: `Enqueue and inspect jobs.

Enqueued jobs wait for the running daemon ('nocturne serve') to dispatch
them. 'jobs direct' executes one job immediately under a reservation,
pausing the queue without reordering it.`,
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add a job to the queue",
	RunE:  runJobsEnqueue,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show a job and its run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a queued job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsDirectCmd = &cobra.Command{
	Use:   "direct",
	Short: "Execute a job immediately under a reservation",
	RunE:  runJobsDirect,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsEnqueueCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsDirectCmd)

	for _, c := range []*cobra.Command{jobsEnqueueCmd, jobsDirectCmd} {
		c.Flags().String("type", "", "Job type (or use --template)")
		c.Flags().String("template", "", "Template ID to stamp the job from")
		c.Flags().String("group", "", "Group ID the job joins")
		c.Flags().String("params", "", "Params as a JSON object")
		c.Flags().Int("priority", 0, "Dispatch priority (higher first)")
		c.Flags().String("resource-tag", "", "Opaque resource tag")
	}
	jobsDirectCmd.Flags().String("reserved-by", "", "Reservation holder identity (default: cli:<hostname>)")

	jobsListCmd.Flags().String("status", "", "Filter by status: queued, running, cancelled")
	jobsListCmd.Flags().Int("limit", 50, "Maximum rows")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func enqueueRequestFromFlags(cmd *cobra.Command) (scheduler.EnqueueRequest, error) {
	jobType, _ := cmd.Flags().GetString("type")
	templateID, _ := cmd.Flags().GetString("template")
	groupID, _ := cmd.Flags().GetString("group")
	params, _ := cmd.Flags().GetString("params")
	priority, _ := cmd.Flags().GetInt("priority")
	resourceTag, _ := cmd.Flags().GetString("resource-tag")

	if jobType == "" && templateID == "" {
		return scheduler.EnqueueRequest{}, fmt.Errorf("either --type or --template is required")
	}
	if params != "" && !json.Valid([]byte(params)) {
		return scheduler.EnqueueRequest{}, fmt.Errorf("--params must be valid JSON")
	}

	return scheduler.EnqueueRequest{
		JobType:     jobType,
		TemplateID:  templateID,
		GroupID:     groupID,
		Params:      params,
		Priority:    priority,
		ResourceTag: resourceTag,
	}, nil
}

func runJobsEnqueue(cmd *cobra.Command, _ []string) error {
	req, err := enqueueRequestFromFlags(cmd)
	if err != nil {
		return err
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

	queue := scheduler.NewQueue(store, nil)
	job, err := queue.Enqueue(ctx, req)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "enqueued %s (type=%s priority=%d position=%d)\n",
		job.JobID, job.JobType, job.Priority, job.Position)
	return nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
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

	jobs, err := store.ListJobs(ctx, schedstore.JobStatus(status), limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintln(w, "JOB ID\tTYPE\tSTATUS\tPRIORITY\tPOSITION\tGROUP\tCREATED\tFINISHED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			shortID(j.JobID),
			j.JobType,
			j.Status,
			j.Priority,
			j.Position,
			dashIfEmpty(shortID(j.GroupID)),
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.FinishedAt),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])

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

	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	run, _ := store.GetRunByJob(ctx, jobID)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"job": job, "run": run})
	}

	fmt.Fprintf(os.Stdout, "job_id=%s\n", job.JobID)
	fmt.Fprintf(os.Stdout, "type=%s\n", job.JobType)
	fmt.Fprintf(os.Stdout, "status=%s\n", job.Status)
	fmt.Fprintf(os.Stdout, "priority=%d\n", job.Priority)
	fmt.Fprintf(os.Stdout, "position=%d\n", job.Position)
	if job.GroupID != "" {
		fmt.Fprintf(os.Stdout, "group_id=%s\n", job.GroupID)
	}
	if job.RetryOf != "" {
		fmt.Fprintf(os.Stdout, "retry_of=%s\n", job.RetryOf)
	}
	if job.FinishedAt != nil {
		fmt.Fprintf(os.Stdout, "finished_at=%s\n", job.FinishedAt.UTC().Format(time.RFC3339))
	}
	if run != nil {
		fmt.Fprintf(os.Stdout, "run_id=%s\n", run.RunID)
		fmt.Fprintf(os.Stdout, "run_status=%s\n", run.Status)
		if run.Error != "" {
			fmt.Fprintf(os.Stdout, "run_error=%s\n", run.Error)
		}
		for _, a := range run.Artifacts {
			fmt.Fprintf(os.Stdout, "artifact=%s\n", a)
		}
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
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

	jobID := strings.TrimSpace(args[0])
	if err := store.CancelJob(ctx, jobID); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "cancelled %s\n", jobID)
	return nil
}

func runJobsDirect(cmd *cobra.Command, _ []string) error {
	req, err := enqueueRequestFromFlags(cmd)
	if err != nil {
		return err
	}
	reservedBy, _ := cmd.Flags().GetString("reserved-by")
	if reservedBy == "" {
		host, _ := os.Hostname()
		reservedBy = "cli:" + host
	}

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

	sched, err := buildScheduler(ctx, cfg, store, log)
	if err != nil {
		return err
	}

	run, err := sched.RunDirect(ctx, req, reservedBy)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "run_id=%s status=%s\n", run.RunID, run.Status)
	if run.Error != "" {
		fmt.Fprintf(os.Stdout, "error=%s\n", run.Error)
	}
	for _, a := range run.Artifacts {
		fmt.Fprintf(os.Stdout, "artifact=%s\n", a)
	}
	if run.Status != schedstore.RunStatusCompleted {
		return fmt.Errorf("direct run finished %s", run.Status)
	}
	return nil
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, '_'); i >= 0 && len(id) > i+9 {
		return id[:i+9]
	}
	return id
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
