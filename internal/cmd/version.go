package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}

func runVersion(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"version":   versionInfo.Version,
			"commit":    versionInfo.Commit,
			"buildDate": versionInfo.BuildDate,
			"goVersion": runtime.Version(),
		})
	}
	_, _ = fmt.Fprintf(out, "fleetpatch %s\n", versionInfo.Version)
	_, _ = fmt.Fprintf(out, "  commit:  %s\n", versionInfo.Commit)
	_, _ = fmt.Fprintf(out, "  built:   %s\n", versionInfo.BuildDate)
	_, _ = fmt.Fprintf(out, "  go:      %s\n", runtime.Version())
	return nil
}
