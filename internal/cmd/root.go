// Package cmd implements the fleetpatch command line.
package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/3leaps/fleetpatch/internal/config"
	"github.com/3leaps/fleetpatch/internal/observability"
	"github.com/3leaps/fleetpatch/internal/server/handlers"
)

var (
	cfgFile string
	verbose bool

	appIdentity *AppIdentity

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}
)

// AppIdentity names the binary for config file and environment lookup.
type AppIdentity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// flagConfigKeys maps persistent flags onto config keys. A changed flag
// overrides file and environment values.
var flagConfigKeys = map[string]string{
	"log-level":    "logging.level",
	"log-profile":  "logging.profile",
	"db-driver":    "store.driver",
	"db-path":      "store.path",
	"db-url":       "store.url",
	"database-url": "store.dsn",
	"queue":        "queue.backend",
	"nats-url":     "queue.nats_url",
}

var rootCmd = &cobra.Command{
	Use:   "fleetpatch",
	Short: "Patch deployment orchestration for managed device fleets",
	Long: `fleetpatch schedules patch jobs across device fleets, dispatches install
commands to agents, tracks per-device outcomes and drives staged deployments.

Run 'fleetpatch serve' for the API and worker pool. The job, deploy and
policy commands work directly against the configured store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		id := initIdentity()
		observability.InitCLILogger(id.BinaryName, verbose)
		if cfgFile != "" {
			return os.Setenv(id.EnvPrefix+"CONFIG", cfgFile)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: fleetpatch.yaml in project root or ~/.config/fleetpatch)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-profile", "", "Server log profile: STRUCTURED or CONSOLE")
	pf.String("db-driver", "", "Store driver: sqlite or postgres")
	pf.String("db-path", "", "Local SQLite database path")
	pf.String("db-url", "", "libsql/Turso database URL")
	pf.String("database-url", "", "PostgreSQL connection string")
	pf.String("queue", "", "Queue backend: memory or nats")
	pf.String("nats-url", "", "NATS server URL")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity resolved at startup, or nil before
// any command has run.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

func initIdentity() *AppIdentity {
	if appIdentity == nil {
		appIdentity = &AppIdentity{
			BinaryName: "fleetpatch",
			ConfigName: "fleetpatch",
			EnvPrefix:  "FLEETPATCH_",
		}
	}
	return appIdentity
}

// loadConfig resolves configuration with changed flags as overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(cmd.Context(), flagOverrides(cmd))
}

func flagOverrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	for name, key := range flagConfigKeys {
		f := lookupFlag(cmd, name)
		if f == nil || !f.Changed {
			continue
		}
		out[key] = f.Value.String()
	}
	return out
}

// lookupFlag finds a flag whether or not cobra has merged the persistent
// flags into cmd yet.
func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	if f := cmd.PersistentFlags().Lookup(name); f != nil {
		return f
	}
	return cmd.InheritedFlags().Lookup(name)
}
