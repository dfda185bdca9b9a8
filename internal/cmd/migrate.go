package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/fleetpatch/internal/observability"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	Long: `Apply the store schema to the configured database. Migrations are
idempotent; serve and the store-backed commands also apply them on open.

Examples:
  fleetpatch migrate --db-path ./fleetpatch.db
  fleetpatch migrate --db-driver postgres --database-url postgres://localhost/fleetpatch`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	st, err := openStore(cmd.Context(), cfg.Store)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to migrate store", err)
	}
	defer func() { _ = st.Close() }()

	observability.CLILogger.Debug("store migrated",
		zap.String("driver", cfg.Store.Driver),
		zap.String("dialect", string(st.Dialect())),
	)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "store migrated (%s)\n", st.Dialect())
	return nil
}
