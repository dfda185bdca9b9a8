package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3leaps/fleetpatch/pkg/manifest"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
	"github.com/3leaps/fleetpatch/pkg/scheduler"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage recurring patch policies",
	Long: `Manage recurring patch policies. Enabled policies are turned into jobs by
'fleetpatch serve --scheduler' on their cron schedule.`,
}

var policyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a policy from a manifest",
	Args:  cobra.NoArgs,
	RunE:  runPolicyCreate,
}

var policyShowCmd = &cobra.Command{
	Use:   "show <policy_id>",
	Short: "Show a policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyShow,
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enabled policies and their next run",
	Args:  cobra.NoArgs,
	RunE:  runPolicyList,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyCreateCmd, policyShowCmd, policyListCmd)

	policyCreateCmd.Flags().StringP("file", "f", "", "Policy manifest path (- for stdin)")
	policyCreateCmd.Flags().Bool("json", false, "Output as JSON")
	policyShowCmd.Flags().Bool("json", false, "Output as JSON")
	policyListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runPolicyCreate(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	m, err := readManifestFlag(cmd, manifest.KindPolicy)
	if err != nil {
		return err
	}

	return withEngine(cmd, func(e *engine) error {
		p := m.Policy.PatchPolicy()
		if err := e.store.CreatePolicy(cmd.Context(), p); err != nil {
			return fmt.Errorf("create policy: %w", err)
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), p)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "policy_id=%s\n", p.ID)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schedule=%s\n", p.Schedule)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enabled=%t\n", p.Enabled)
		return nil
	})
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id := strings.TrimSpace(args[0])

	return withEngine(cmd, func(e *engine) error {
		p, err := e.store.GetPolicy(cmd.Context(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), p)
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "policy_id=%s\n", p.ID)
		_, _ = fmt.Fprintf(out, "org_id=%s\n", p.OrgID)
		_, _ = fmt.Fprintf(out, "name=%s\n", orDash(p.Name))
		_, _ = fmt.Fprintf(out, "schedule=%s\n", p.Schedule)
		_, _ = fmt.Fprintf(out, "timezone=%s\n", orDash(p.Timezone))
		_, _ = fmt.Fprintf(out, "enabled=%t\n", p.Enabled)
		return nil
	})
}

func runPolicyList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withEngine(cmd, func(e *engine) error {
		policies, err := e.store.ListEnabledPolicies(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			if policies == nil {
				policies = []patchjob.PatchPolicy{}
			}
			return writeJSON(cmd.OutOrStdout(), policies)
		}
		if len(policies) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No enabled policies")
			return nil
		}

		w := newTable(cmd.OutOrStdout())
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "POLICY ID\tORG\tNAME\tSCHEDULE\tVALID")
		for _, p := range policies {
			valid := "yes"
			if _, err := scheduler.Parse(p.Schedule); err != nil {
				valid = "no"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				shortJobID(p.ID), p.OrgID, orDash(p.Name), p.Schedule, valid)
		}
		return nil
	})
}
