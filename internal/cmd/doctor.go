package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	fpconfig "github.com/3leaps/fleetpatch/internal/config"
	"github.com/3leaps/fleetpatch/internal/observability"
	"github.com/3leaps/fleetpatch/pkg/archive"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check configuration, store, queue and output archive connectivity and
suggest fixes for common issues.

Examples:
  fleetpatch doctor
  fleetpatch doctor --queue nats`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one numbered diagnostic line.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	identity := initIdentity()
	bannerName := identity.BinaryName + " doctor"
	log := observability.CLILogger
	log.Info("=== " + bannerName + " ===")
	log.Info("")

	cfg, err := loadConfig(cmd)
	if err != nil {
		log.Error("Loading configuration... ❌", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	checks := doctorChecks(cfg, identity)
	failed := 0
	for i, c := range checks {
		detail, err := c.run(cmd.Context())
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			log.Error(prefix+" ❌", zap.Error(err))
			continue
		}
		log.Info(prefix + " ✅ " + detail)
	}

	if strings.EqualFold(cfg.Archive.Backend, archive.BackendS3) {
		if !runS3Checks(cmd.Context(), cfg.Archive.S3) {
			failed++
		}
	}

	log.Info("")
	if failed == 0 {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", identity.BinaryName))
		return nil
	}
	log.Warn("⚠️  Some checks failed. Review the output above for details.")
	return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d check(s) failed", failed))
}

func doctorChecks(cfg *fpconfig.Config, identity *AppIdentity) []doctorCheck {
	version := crucible.GetVersion()
	return []doctorCheck{
		{name: "Go version", run: func(context.Context) (string, error) {
			return runtime.Version(), nil
		}},
		{name: "Crucible access", run: func(context.Context) (string, error) {
			if version.Crucible == "" {
				return "", errors.New("cannot access Crucible")
			}
			return "v" + version.Crucible, nil
		}},
		{name: "Gofulmen access", run: func(context.Context) (string, error) {
			if version.Gofulmen == "" {
				return "", errors.New("cannot access Gofulmen")
			}
			return "v" + version.Gofulmen, nil
		}},
		{name: "environment", run: func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
		{name: "config directory", run: func(context.Context) (string, error) {
			return os.UserConfigDir()
		}},
		{name: "data directory", run: func(context.Context) (string, error) {
			dir := gfconfig.GetAppDataDir(identity.ConfigName)
			if dir == "" {
				return "", errors.New("cannot resolve application data directory")
			}
			return dir, nil
		}},
		{name: "store", run: func(ctx context.Context) (string, error) {
			st, err := openStore(ctx, cfg.Store)
			if err != nil {
				return "", err
			}
			defer func() { _ = st.Close() }()
			if err := st.CheckHealth(ctx); err != nil {
				return "", err
			}
			return string(st.Dialect()), nil
		}},
		{name: "queue", run: func(ctx context.Context) (string, error) {
			q, nq, err := openQueue(ctx, cfg.Queue, zap.NewNop())
			if err != nil {
				return "", err
			}
			defer func() { _ = q.Shutdown(ctx) }()
			if nq == nil {
				return queueMemory + " (jobs do not survive restarts)", nil
			}
			if err := nq.CheckHealth(ctx); err != nil {
				return "", err
			}
			return queueNATS + " " + cfg.Queue.NATSURL, nil
		}},
		{name: "output archive", run: func(ctx context.Context) (string, error) {
			a, err := archive.Open(ctx, cfg.Archive)
			if err != nil {
				return "", err
			}
			if a == nil {
				return archive.BackendNone, nil
			}
			defer func() { _ = a.Close() }()
			return cfg.Archive.Backend, nil
		}},
	}
}

// runS3Checks verifies that AWS credentials resolve for the S3 archive.
func runS3Checks(ctx context.Context, s3cfg archive.S3Config) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Archive Checks:")

	if s3cfg.AccessKeyID != "" {
		log.Info("Checking AWS credentials... ✅ static credentials from config",
			zap.String("access_key", maskAccessKey(s3cfg.AccessKeyID)))
		return true
	}

	var opts []func(*config.LoadOptions) error
	if s3cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(s3cfg.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.Error("Checking AWS credentials... ❌ Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error("Checking AWS credentials... ❌ Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info("Checking AWS credentials... ✅ Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials for the S3 archive:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Set archive.profile to a configured AWS profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi), also set archive.endpoint")
	log.Info("and usually archive.force_path_style.")
	log.Info("")
}
