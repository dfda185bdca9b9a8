package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/fleetpatch/pkg/manifest"
	"github.com/3leaps/fleetpatch/pkg/rollout"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Manage staged deployments",
	Long: `Create, plan and step staged deployments.

A deployment is created pending. 'plan' resolves its targets, filters them
for eligibility and assigns batches; 'next' returns the next batch to deliver
and closes the deployment once every device has finished.`,
}

var deployCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a deployment from a manifest",
	Long: `Create a deployment from a manifest.

Examples:
  fleetpatch deploy create -f canary.yaml
  fleetpatch deploy create -f canary.yaml --plan`,
	Args: cobra.NoArgs,
	RunE: runDeployCreate,
}

var deployPlanCmd = &cobra.Command{
	Use:   "plan <deployment_id>",
	Short: "Resolve targets and assign batches",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeployPlan,
}

var deployStatusCmd = &cobra.Command{
	Use:   "status <deployment_id>",
	Short: "Show a deployment and its devices",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeployStatus,
}

var deployNextCmd = &cobra.Command{
	Use:   "next <deployment_id>",
	Short: "Show the next deliverable batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeployNext,
}

var deployPauseCmd = &cobra.Command{
	Use:   "pause <deployment_id>",
	Short: "Pause a running deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeployTransition(cmd, args[0], "pause", func(c *rollout.Controller) transitionFn { return c.Pause })
	},
}

var deployResumeCmd = &cobra.Command{
	Use:   "resume <deployment_id>",
	Short: "Resume a paused deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeployTransition(cmd, args[0], "resume", func(c *rollout.Controller) transitionFn { return c.Resume })
	},
}

var deployCancelCmd = &cobra.Command{
	Use:   "cancel <deployment_id>",
	Short: "Cancel a deployment and skip its pending devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeployTransition(cmd, args[0], "cancel", func(c *rollout.Controller) transitionFn { return c.Cancel })
	},
}

type transitionFn func(ctx context.Context, deploymentID string) (bool, error)

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.AddCommand(deployCreateCmd, deployPlanCmd, deployStatusCmd, deployNextCmd,
		deployPauseCmd, deployResumeCmd, deployCancelCmd)

	deployCreateCmd.Flags().StringP("file", "f", "", "Deployment manifest path (- for stdin)")
	deployCreateCmd.Flags().Bool("plan", false, "Plan the deployment after creating it")
	deployCreateCmd.Flags().Bool("json", false, "Output as JSON")
	deployStatusCmd.Flags().Bool("json", false, "Output as JSON")
	deployNextCmd.Flags().Bool("json", false, "Output as JSON")
}

func runDeployCreate(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	plan, _ := cmd.Flags().GetBool("plan")

	m, err := readManifestFlag(cmd, manifest.KindDeployment)
	if err != nil {
		return err
	}

	return withEngine(cmd, func(e *engine) error {
		ctx := cmd.Context()
		d, err := m.Deployment.ToDeployment()
		if err != nil {
			return err
		}
		if err := e.store.CreateDeployment(ctx, d); err != nil {
			return fmt.Errorf("create deployment: %w", err)
		}
		planned := 0
		if plan {
			if planned, err = e.rollouts.Plan(ctx, d.ID); err != nil {
				return fmt.Errorf("plan deployment %s: %w", d.ID, err)
			}
			if d, err = e.store.GetDeployment(ctx, d.ID); err != nil {
				return err
			}
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), d)
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "deployment_id=%s\n", d.ID)
		_, _ = fmt.Fprintf(out, "status=%s\n", d.Status)
		if plan {
			_, _ = fmt.Fprintf(out, "devices=%d\n", planned)
		}
		return nil
	})
}

func runDeployPlan(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(args[0])
	return withEngine(cmd, func(e *engine) error {
		d, err := e.store.GetDeployment(cmd.Context(), id)
		if err != nil {
			return err
		}
		if d.Status != rollout.StatusPending {
			return exitError(foundry.ExitInvalidArgument, "Cannot plan deployment",
				fmt.Errorf("deployment %s is %s, only pending deployments can be planned", d.ID, d.Status))
		}
		n, err := e.rollouts.Plan(cmd.Context(), d.ID)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deployment %s planned with %d devices\n", d.ID, n)
		return nil
	})
}

func runDeployStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id := strings.TrimSpace(args[0])

	return withEngine(cmd, func(e *engine) error {
		d, err := e.store.GetDeployment(cmd.Context(), id)
		if err != nil {
			return err
		}
		devices, err := e.store.ListDeploymentDevices(cmd.Context(), d.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			if devices == nil {
				devices = []rollout.DeploymentDevice{}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"deployment": d, "devices": devices})
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "deployment_id=%s\n", d.ID)
		_, _ = fmt.Fprintf(out, "name=%s\n", orDash(d.Name))
		_, _ = fmt.Fprintf(out, "status=%s\n", d.Status)
		_, _ = fmt.Fprintf(out, "rollout=%s\n", d.RolloutConfig.Type)
		_, _ = fmt.Fprintf(out, "started_at=%s\n", formatOptionalTime(d.StartedAt))
		_, _ = fmt.Fprintf(out, "completed_at=%s\n", formatOptionalTime(d.CompletedAt))
		if len(devices) == 0 {
			return nil
		}
		_, _ = fmt.Fprintln(out)

		w := newTable(out)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "DEVICE\tBATCH\tSTATUS\tRETRIES\tCOMPLETED")
		for _, dev := range devices {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%d/%d\t%s\n",
				dev.DeviceID,
				dev.BatchNumber,
				dev.Status,
				dev.RetryCount,
				dev.MaxRetries,
				formatOptionalTime(dev.CompletedAt),
			)
		}
		return nil
	})
}

func runDeployNext(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id := strings.TrimSpace(args[0])

	return withEngine(cmd, func(e *engine) error {
		batch, err := e.rollouts.NextBatch(cmd.Context(), id)
		if err != nil {
			return err
		}
		d, err := e.store.GetDeployment(cmd.Context(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"deploymentId": d.ID,
				"status":       d.Status,
				"batch":        batch,
			})
		}
		out := cmd.OutOrStdout()
		if batch == nil {
			_, _ = fmt.Fprintf(out, "no deliverable batch (deployment %s)\n", d.Status)
			return nil
		}
		_, _ = fmt.Fprintf(out, "batch=%d\n", batch.Number)
		_, _ = fmt.Fprintf(out, "devices=%s\n", strings.Join(batch.DeviceIDs, ","))
		return nil
	})
}

func runDeployTransition(cmd *cobra.Command, id, verb string, pick func(*rollout.Controller) transitionFn) error {
	id = strings.TrimSpace(id)
	return withEngine(cmd, func(e *engine) error {
		d, err := e.store.GetDeployment(cmd.Context(), id)
		if err != nil {
			return err
		}
		ok, err := pick(e.rollouts)(cmd.Context(), d.ID)
		if err != nil {
			return err
		}
		if !ok {
			return exitError(foundry.ExitInvalidArgument, "Invalid deployment transition",
				fmt.Errorf("cannot %s deployment %s in status %s", verb, d.ID, d.Status))
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deployment %s: %s ok\n", d.ID, verb)
		return nil
	})
}
