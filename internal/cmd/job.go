package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/fleetpatch/pkg/manifest"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect patch jobs",
	Long: `Submit and inspect patch jobs in the configured store.

With the NATS queue backend, submitted jobs are enqueued immediately and a
running 'fleetpatch serve' picks them up. With the in-memory backend the job
is stored only and serve enqueues it on its next start.`,
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job manifest",
	Long: `Submit a job manifest.

Examples:
  fleetpatch job submit -f nightly.yaml
  cat job.json | fleetpatch job submit -f -`,
	Args: cobra.NoArgs,
	RunE: runJobSubmit,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobList,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status and device counters for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var jobEnqueueCmd = &cobra.Command{
	Use:   "enqueue <job_id>",
	Short: "Enqueue a scheduled job for orchestration",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobEnqueue,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a scheduled or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var jobResultsCmd = &cobra.Command{
	Use:   "results <job_id>",
	Short: "List per-device, per-patch results of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobResults,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd, jobListCmd, jobStatusCmd, jobEnqueueCmd, jobCancelCmd, jobResultsCmd)

	jobSubmitCmd.Flags().StringP("file", "f", "", "Job manifest path (- for stdin)")
	jobSubmitCmd.Flags().Bool("no-enqueue", false, "Store the job without enqueueing it")
	jobSubmitCmd.Flags().Bool("json", false, "Output as JSON")
	jobListCmd.Flags().String("org", "", "Only jobs of this organization")
	jobListCmd.Flags().Int("limit", 50, "Maximum number of jobs")
	jobListCmd.Flags().Bool("json", false, "Output as JSON")
	jobStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobEnqueueCmd.Flags().Duration("delay", 0, "Delay before the job starts")
	jobResultsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobSubmit(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	noEnqueue, _ := cmd.Flags().GetBool("no-enqueue")

	m, err := readManifestFlag(cmd, manifest.KindJob)
	if err != nil {
		return err
	}

	return withEngine(cmd, func(e *engine) error {
		now := time.Now()
		job, err := m.Job.PatchJob(now)
		if err != nil {
			return err
		}
		if err := e.store.CreateJob(cmd.Context(), job); err != nil {
			return fmt.Errorf("create job: %w", err)
		}

		delay := job.ScheduledAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		enqueued := false
		switch {
		case noEnqueue:
		case e.durable():
			if err := e.service.EnqueueJob(cmd.Context(), job.ID, delay); err != nil {
				warnf(cmd, "job %s stored but not enqueued: %v", job.ID, err)
			} else {
				enqueued = true
			}
		default:
			warnf(cmd, "queue backend is %q; job %s starts when serve next recovers pending work", e.cfg.Queue.Backend, job.ID)
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"job":      job,
				"enqueued": enqueued,
				"delay":    delay.String(),
			})
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "job_id=%s\n", job.ID)
		_, _ = fmt.Fprintf(out, "status=%s\n", job.Status)
		_, _ = fmt.Fprintf(out, "scheduled_at=%s\n", job.ScheduledAt.UTC().Format(time.RFC3339))
		_, _ = fmt.Fprintf(out, "enqueued=%t\n", enqueued)
		return nil
	})
}

func runJobList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	orgID, _ := cmd.Flags().GetString("org")
	limit, _ := cmd.Flags().GetInt("limit")

	return withEngine(cmd, func(e *engine) error {
		jobs, err := e.store.ListJobs(cmd.Context(), strings.TrimSpace(orgID), limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			if jobs == nil {
				jobs = []patchjob.PatchJob{}
			}
			return writeJSON(cmd.OutOrStdout(), jobs)
		}
		if len(jobs) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
			return nil
		}

		w := newTable(cmd.OutOrStdout())
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "JOB ID\tORG\tNAME\tSTATUS\tSCHEDULED\tDEVICES\tOK\tFAILED\tPENDING")
		for _, j := range jobs {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
				shortJobID(j.ID),
				j.OrgID,
				orDash(j.Name),
				j.Status,
				j.ScheduledAt.UTC().Format(time.RFC3339),
				j.DevicesTotal,
				j.DevicesCompleted,
				j.DevicesFailed,
				j.DevicesPending,
			)
		}
		return nil
	})
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])

	return withEngine(cmd, func(e *engine) error {
		job, err := e.store.GetJob(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), job)
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "job_id=%s\n", job.ID)
		_, _ = fmt.Fprintf(out, "org_id=%s\n", job.OrgID)
		if job.Name != "" {
			_, _ = fmt.Fprintf(out, "name=%s\n", job.Name)
		}
		_, _ = fmt.Fprintf(out, "status=%s\n", job.Status)
		_, _ = fmt.Fprintf(out, "scheduled_at=%s\n", job.ScheduledAt.UTC().Format(time.RFC3339))
		_, _ = fmt.Fprintf(out, "started_at=%s\n", formatOptionalTime(job.StartedAt))
		_, _ = fmt.Fprintf(out, "completed_at=%s\n", formatOptionalTime(job.CompletedAt))
		_, _ = fmt.Fprintf(out, "devices_total=%d\n", job.DevicesTotal)
		_, _ = fmt.Fprintf(out, "devices_completed=%d\n", job.DevicesCompleted)
		_, _ = fmt.Fprintf(out, "devices_failed=%d\n", job.DevicesFailed)
		_, _ = fmt.Fprintf(out, "devices_pending=%d\n", job.DevicesPending)
		return nil
	})
}

func runJobEnqueue(cmd *cobra.Command, args []string) error {
	delay, _ := cmd.Flags().GetDuration("delay")
	jobID := strings.TrimSpace(args[0])

	return withEngine(cmd, func(e *engine) error {
		job, err := e.store.GetJob(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		if job.Status != patchjob.JobStatusScheduled {
			return exitError(foundry.ExitInvalidArgument, "Cannot enqueue job",
				fmt.Errorf("job %s is %s, only scheduled jobs can be enqueued", job.ID, job.Status))
		}
		if !e.durable() {
			return exitError(foundry.ExitInvalidArgument, "Cannot enqueue job",
				fmt.Errorf("queue backend %q does not outlive this command; serve enqueues scheduled jobs at startup", e.cfg.Queue.Backend))
		}
		if err := e.service.EnqueueJob(cmd.Context(), job.ID, delay); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to enqueue job", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job %s enqueued (delay %s)\n", job.ID, delay)
		return nil
	})
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	jobID := strings.TrimSpace(args[0])

	return withEngine(cmd, func(e *engine) error {
		if _, err := e.store.GetJob(cmd.Context(), jobID); err != nil {
			return err
		}
		ok, err := e.store.CancelJob(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		if !ok {
			return exitError(foundry.ExitInvalidArgument, "Cannot cancel job", fmt.Errorf("job %s is already finished", jobID))
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled\n", jobID)
		return nil
	})
}

func runJobResults(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])

	return withEngine(cmd, func(e *engine) error {
		results, err := e.store.ListResults(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		if jsonOutput {
			if results == nil {
				results = []patchjob.PatchJobResult{}
			}
			return writeJSON(cmd.OutOrStdout(), results)
		}
		if len(results) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No results recorded")
			return nil
		}

		w := newTable(cmd.OutOrStdout())
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "DEVICE\tPATCH\tSTATUS\tEXIT\tREBOOT\tCOMPLETED\tERROR")
		for _, r := range results {
			exit := "-"
			if r.ExitCode != nil {
				exit = fmt.Sprintf("%d", *r.ExitCode)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
				r.DeviceID,
				orDash(r.PatchID),
				r.Status,
				exit,
				r.RebootRequired,
				formatOptionalTime(r.CompletedAt),
				orDash(r.ErrorMessage),
			)
		}
		return nil
	})
}
