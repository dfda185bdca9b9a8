package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fleetpatch/internal/config"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
	"github.com/3leaps/fleetpatch/pkg/rollout"
)

// runCLI executes the root command and resets every flag afterwards so
// package-level commands do not leak state between runs.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(""))
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		resetFlags(rootCmd)
	}()
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func seedDevices(t *testing.T, dbPath string, ids ...string) {
	t.Helper()
	ctx := context.Background()
	st, err := openStore(ctx, config.StoreConfig{Driver: "sqlite", Path: dbPath})
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	for _, id := range ids {
		require.NoError(t, st.UpsertDevice(ctx, &patchjob.Device{
			ID: id, OrgID: "org-1", Hostname: "host-" + id, OSType: "linux", Status: patchjob.DeviceOnline,
		}))
	}
}

const cliJobManifest = `version: "1.0"
kind: job
job:
  orgId: org-1
  name: nightly
  scheduledAt: "2099-01-01T00:00:00Z"
  targets:
    deviceIds: [d1, d2]
`

func TestMigrateCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "fp.db")
	out, _, err := runCLI(t, "migrate", "--db-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "store migrated (sqlite)")

	_, err = os.Stat(db)
	assert.NoError(t, err)
}

func TestJobCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "fp.db")
	path := writeManifest(t, "job.yaml", cliJobManifest)

	out, stderr, err := runCLI(t, "job", "submit", "-f", path, "--db-path", db, "--json")
	require.NoError(t, err)
	assert.Contains(t, stderr, "starts when serve next recovers pending work")

	var submitted struct {
		Job      patchjob.PatchJob `json:"job"`
		Enqueued bool              `json:"enqueued"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &submitted))
	assert.False(t, submitted.Enqueued)
	assert.Equal(t, patchjob.JobStatusScheduled, submitted.Job.Status)
	jobID := submitted.Job.ID
	require.NotEmpty(t, jobID)

	out, _, err = runCLI(t, "job", "list", "--db-path", db, "--org", "org-1")
	require.NoError(t, err)
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, shortJobID(jobID))
	assert.Contains(t, out, "nightly")

	out, _, err = runCLI(t, "job", "status", jobID, "--db-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "status=scheduled")
	assert.Contains(t, out, "scheduled_at=2099-01-01T00:00:00Z")

	_, _, err = runCLI(t, "job", "enqueue", jobID, "--db-path", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serve enqueues scheduled jobs at startup")

	out, _, err = runCLI(t, "job", "cancel", jobID, "--db-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	_, _, err = runCLI(t, "job", "cancel", jobID, "--db-path", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finished")

	_, _, err = runCLI(t, "job", "enqueue", jobID, "--db-path", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only scheduled jobs")

	out, _, err = runCLI(t, "job", "results", jobID, "--db-path", db, "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, _, err = runCLI(t, "job", "status", "missing", "--db-path", db)
	assert.Error(t, err)
}

func TestJobSubmit_RejectsWrongKind(t *testing.T) {
	db := filepath.Join(t.TempDir(), "fp.db")
	path := writeManifest(t, "policy.yaml", `kind: policy
policy: {orgId: org-1, name: p, schedule: "@daily", targets: {deviceIds: [d1]}}
`)
	_, _, err := runCLI(t, "job", "submit", "-f", path, "--db-path", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `want "job"`)

	_, _, err = runCLI(t, "job", "submit", "--db-path", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--file is required")
}

func TestDeployCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "fp.db")
	seedDevices(t, db, "d1", "d2", "d3")
	path := writeManifest(t, "deploy.yaml", `kind: deployment
deployment:
  orgId: org-1
  name: agent upgrade
  targetType: devices
  targetConfig:
    deviceIds: [d1, d2, d3]
  rolloutConfig:
    type: staggered
    batchSize: 2
`)

	out, _, err := runCLI(t, "deploy", "create", "-f", path, "--db-path", db, "--json")
	require.NoError(t, err)
	var d rollout.Deployment
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, rollout.StatusPending, d.Status)

	out, _, err = runCLI(t, "deploy", "plan", d.ID, "--db-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "planned with 3 devices")

	_, _, err = runCLI(t, "deploy", "plan", d.ID, "--db-path", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only pending deployments")

	out, _, err = runCLI(t, "deploy", "next", d.ID, "--db-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "batch=1")
	assert.Contains(t, out, "devices=d1,d2")

	out, _, err = runCLI(t, "deploy", "status", d.ID, "--db-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "status=running")
	assert.Contains(t, out, "rollout=staggered")
	assert.Contains(t, out, "DEVICE")

	out, _, err = runCLI(t, "deploy", "pause", d.ID, "--db-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "pause ok")

	_, _, err = runCLI(t, "deploy", "pause", d.ID, "--db-path", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot pause")

	out, _, err = runCLI(t, "deploy", "next", d.ID, "--db-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "no deliverable batch (deployment paused)")

	_, _, err = runCLI(t, "deploy", "resume", d.ID, "--db-path", db)
	require.NoError(t, err)
	_, _, err = runCLI(t, "deploy", "cancel", d.ID, "--db-path", db)
	require.NoError(t, err)

	out, _, err = runCLI(t, "deploy", "status", d.ID, "--db-path", db, "--json")
	require.NoError(t, err)
	var status struct {
		Deployment rollout.Deployment         `json:"deployment"`
		Devices    []rollout.DeploymentDevice `json:"devices"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, rollout.StatusCancelled, status.Deployment.Status)
	require.Len(t, status.Devices, 3)
	for _, dev := range status.Devices {
		assert.Equal(t, rollout.DeviceSkipped, dev.Status, dev.DeviceID)
	}
}

func TestPolicyCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "fp.db")
	path := writeManifest(t, "policy.yaml", `kind: policy
policy:
  orgId: org-1
  name: weekly security
  schedule: "0 3 * * 6"
  targets: {deviceIds: [d1]}
`)

	out, _, err := runCLI(t, "policy", "create", "-f", path, "--db-path", db, "--json")
	require.NoError(t, err)
	var p patchjob.PatchPolicy
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.True(t, p.Enabled)
	require.NotEmpty(t, p.ID)

	out, _, err = runCLI(t, "policy", "show", p.ID, "--db-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "schedule=0 3 * * 6")

	out, _, err = runCLI(t, "policy", "list", "--db-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "weekly security")
	assert.Contains(t, out, "yes")
}

func TestVersionCommand(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()
	SetVersionInfo("1.2.3", "abc123", "2026-10-01")

	out, _, err := runCLI(t, "version", "--json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, "abc123", info["commit"])

	out, _, err = runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fleetpatch 1.2.3")
}
