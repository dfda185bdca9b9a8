package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fleetpatch/pkg/patchjob"
	"github.com/3leaps/fleetpatch/pkg/rollout"
)

// validJobYAML returns a minimal valid job manifest in YAML format.
func validJobYAML() string {
	return `version: "1.0"
kind: job
job:
  orgId: org-1
  name: March rollup
  targets:
    deviceIds: [dev-1, dev-2]
`
}

// validJobJSON returns a minimal valid job manifest in JSON format.
func validJobJSON() string {
	return `{
  "version": "1.0",
  "kind": "job",
  "job": {
    "orgId": "org-1",
    "name": "March rollup",
    "patches": {"autoApprove": true},
    "targets": {"deviceIds": ["dev-1", "dev-2"]}
  }
}`
}

// fullJobYAML returns a job manifest using every optional field.
func fullJobYAML() string {
	return `$schema: https://schemas.3leaps.dev/fleetpatch/v1.0.0/manifest.schema.json
version: "1.0"
kind: job
job:
  orgId: org-1
  name: March rollup
  policyId: pol-7
  scheduledAt: "2026-03-10T02:00:00Z"
  patches:
    ringId: ring-1
    categoryRules:
      - category: security
        autoApprove: true
        severityFilter: [critical]
        deferralDaysOverride: 14
    autoApprove:
      enabled: true
      severities: [critical, important]
  targets:
    deviceIds: [dev-1]
    rebootPolicy: maintenance_window
`
}

func deploymentYAML() string {
	return `version: "1.0"
kind: deployment
deployment:
  orgId: org-1
  name: agent upgrade
  payload:
    script: upgrade.ps1
    args: ["-Force"]
  targetType: filter
  targetConfig:
    filter:
      match: any
      conditions:
        - field: hostname
          pattern: "web-*"
        - field: tag
          pattern: canary
  rolloutConfig:
    type: staggered
    batchSize: "10%"
    pauseOnFailureCount: 3
    respectMaintenanceWindows: true
`
}

func policyYAML() string {
	return `version: "1.0"
kind: policy
policy:
  orgId: org-1
  name: weekly security
  schedule: "0 3 * * 6"
  timezone: Europe/Berlin
  patches:
    autoApprove: {enabled: true, severities: [critical]}
  targets:
    deviceIds: [dev-1]
`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, m *Manifest)
	}{
		{
			name:     "valid YAML job",
			content:  validJobYAML(),
			filename: "job.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				assert.Equal(t, KindJob, m.Kind)
				require.NotNil(t, m.Job)
				assert.Equal(t, "org-1", m.Job.OrgID)
				assert.Equal(t, []string{"dev-1", "dev-2"}, m.Job.Targets.DeviceIDs)
				// Defaults
				assert.Equal(t, patchjob.DefaultRebootPolicy, m.Job.Targets.RebootPolicy)
				assert.False(t, m.Job.Patches.AutoApprove.Enabled)
			},
		},
		{
			name:     "valid JSON job",
			content:  validJobJSON(),
			filename: "job.json",
			validate: func(t *testing.T, m *Manifest) {
				require.NotNil(t, m.Job)
				assert.True(t, m.Job.Patches.AutoApprove.Enabled)
			},
		},
		{
			name:     "full job with all options",
			content:  fullJobYAML(),
			filename: "full.yml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Contains(t, m.Schema, "fleetpatch")
				p := m.Job.Patches
				require.NotNil(t, p.RingID)
				assert.Equal(t, "ring-1", *p.RingID)
				require.Len(t, p.CategoryRules, 1)
				assert.Equal(t, []string{"critical"}, p.CategoryRules[0].SeverityFilter)
				require.NotNil(t, p.CategoryRules[0].DeferralDaysOverride)
				assert.Equal(t, 14, *p.CategoryRules[0].DeferralDaysOverride)
				assert.Equal(t, patchjob.AutoApprove{Enabled: true, Severities: []string{"critical", "important"}}, p.AutoApprove)
				assert.Equal(t, patchjob.RebootMaintenanceWindow, m.Job.Targets.RebootPolicy)
			},
		},
		{
			name:     "deployment",
			content:  deploymentYAML(),
			filename: "deploy.yaml",
			validate: func(t *testing.T, m *Manifest) {
				d := m.Deployment
				require.NotNil(t, d)
				assert.Equal(t, DefaultDeploymentType, d.Type)
				assert.Equal(t, rollout.TargetFilter, d.TargetType)
				require.NotNil(t, d.TargetConfig.Filter)
				assert.Len(t, d.TargetConfig.Filter.Conditions, 2)
				assert.Equal(t, rollout.BatchSize{Percent: 10}, d.RolloutConfig.BatchSize)
				assert.Equal(t, rollout.DefaultBackoffMinutes, d.RolloutConfig.BackoffMinutes)
				assert.Equal(t, "upgrade.ps1", d.Payload["script"])
			},
		},
		{
			name:     "policy",
			content:  policyYAML(),
			filename: "policy.yaml",
			validate: func(t *testing.T, m *Manifest) {
				require.NotNil(t, m.Policy)
				require.NotNil(t, m.Policy.Enabled)
				assert.True(t, *m.Policy.Enabled)
				assert.Equal(t, "Europe/Berlin", m.Policy.Timezone)
			},
		},
		{
			name: "kind inferred from section",
			content: `version: "1.0"
job:
  orgId: org-1
  name: n
`,
			filename: "job.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, KindJob, m.Kind)
			},
		},
		{
			name:        "empty file",
			content:     "",
			filename:    "empty.yaml",
			wantErr:     true,
			errContains: "empty",
		},
		{
			name:        "invalid YAML syntax",
			content:     "version: [invalid yaml",
			filename:    "bad.yaml",
			wantErr:     true,
			errContains: "invalid YAML",
		},
		{
			name:        "invalid JSON syntax",
			content:     `{"version": "1.0"`,
			filename:    "bad.json",
			wantErr:     true,
			errContains: "invalid JSON",
		},
		{
			name: "wrong version",
			content: `version: "2.0"
kind: job
job: {orgId: org-1, name: n}
`,
			filename:    "v2.yaml",
			wantErr:     true,
			errContains: "unsupported version",
		},
		{
			name:        "missing kind and section",
			content:     `version: "1.0"`,
			filename:    "nokind.yaml",
			wantErr:     true,
			errContains: "kind: is required",
		},
		{
			name: "unknown kind",
			content: `version: "1.0"
kind: rollback
`,
			filename:    "kind.yaml",
			wantErr:     true,
			errContains: "unknown kind",
		},
		{
			name: "kind without section",
			content: `version: "1.0"
kind: deployment
`,
			filename:    "missing.yaml",
			wantErr:     true,
			errContains: "deployment: is required",
		},
		{
			name: "two sections",
			content: `version: "1.0"
kind: job
job: {orgId: org-1, name: n}
policy: {orgId: org-1, name: p, schedule: "@daily"}
`,
			filename:    "two.yaml",
			wantErr:     true,
			errContains: "exactly one",
		},
		{
			name: "unknown YAML field rejected",
			content: `version: "1.0"
kind: job
job:
  orgId: org-1
  name: n
  rebootPolicy: always
`,
			filename:    "unknown.yaml",
			wantErr:     true,
			errContains: "not found",
		},
		{
			name:        "unknown JSON field rejected",
			content:     `{"version": "1.0", "kind": "job", "job": {"orgId": "o", "name": "n", "bogus": 1}}`,
			filename:    "unknown.json",
			wantErr:     true,
			errContains: "unknown field",
		},
		{
			name: "job errors are re-rooted",
			content: `version: "1.0"
kind: job
job:
  name: n
  patches:
    categoryRules:
      - category: security
        severityFilter: [urgent]
  targets:
    rebootPolicy: sometimes
`,
			filename:    "badjob.yaml",
			wantErr:     true,
			errContains: "job.patches.categoryRules[0].severityFilter",
		},
		{
			name: "bad scheduledAt",
			content: `version: "1.0"
kind: job
job: {orgId: org-1, name: n, scheduledAt: tomorrow}
`,
			filename:    "when.yaml",
			wantErr:     true,
			errContains: "job.scheduledAt",
		},
		{
			name: "staggered deployment without batch size",
			content: `version: "1.0"
kind: deployment
deployment:
  orgId: org-1
  name: d
  targetType: all
  rolloutConfig: {type: staggered}
`,
			filename:    "stagger.yaml",
			wantErr:     true,
			errContains: "batchSize is required",
		},
		{
			name: "invalid batch percentage",
			content: `version: "1.0"
kind: deployment
deployment:
  orgId: org-1
  name: d
  targetType: all
  rolloutConfig: {type: staggered, batchSize: "150%"}
`,
			filename:    "pct.yaml",
			wantErr:     true,
			errContains: "out of range",
		},
		{
			name: "policy with bad schedule",
			content: `version: "1.0"
kind: policy
policy: {orgId: org-1, name: p, schedule: "every tuesday"}
`,
			filename:    "pol.yaml",
			wantErr:     true,
			errContains: "policy.schedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			path := filepath.Join(tmpDir, tt.filename)
			err := os.WriteFile(path, []byte(tt.content), 0o644)
			require.NoError(t, err)

			m, err := Load(path)

			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.errContains),
						"error should contain %q", tt.errContains)
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, m)

			if tt.validate != nil {
				tt.validate(t, m)
			}
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	t.Run("file not found", func(t *testing.T) {
		_, err := Load("/nonexistent/path/job.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("permission denied", func(t *testing.T) {
		if os.Getuid() == 0 {
			t.Skip("skipping permission test when running as root")
		}

		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "noperm.yaml")
		err := os.WriteFile(path, []byte(validJobYAML()), 0o000)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = os.Chmod(path, 0o644)
		})

		_, err = Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission")
	})
}

func TestLoadFromBytes(t *testing.T) {
	t.Run("auto-detect YAML", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validJobYAML()), "")
		require.NoError(t, err)
		assert.Equal(t, "org-1", m.Job.OrgID)
	})

	t.Run("auto-detect JSON", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validJobJSON()), "")
		require.NoError(t, err)
		assert.Equal(t, "org-1", m.Job.OrgID)
	})

	t.Run("unknown extension tries both", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validJobYAML()), "job.txt")
		require.NoError(t, err)
		assert.Equal(t, KindJob, m.Kind)
	})
}

func TestLoadFromReader(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(policyYAML()), "-")
	require.NoError(t, err)
	assert.Equal(t, KindPolicy, m.Kind)
}

func TestJobSpecPatchJob(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	m, err := LoadFromBytes([]byte(fullJobYAML()), "job.yaml")
	require.NoError(t, err)
	job, err := m.Job.PatchJob(now)
	require.NoError(t, err)
	assert.Equal(t, patchjob.JobStatusScheduled, job.Status)
	assert.Equal(t, time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), job.ScheduledAt.UTC())
	require.NotNil(t, job.PolicyID)
	assert.Equal(t, "pol-7", *job.PolicyID)

	m, err = LoadFromBytes([]byte(validJobYAML()), "job.yaml")
	require.NoError(t, err)
	job, err = m.Job.PatchJob(now)
	require.NoError(t, err)
	assert.Equal(t, now, job.ScheduledAt)
	assert.NoError(t, job.Validate())
}

func TestDeploymentSpecToDeployment(t *testing.T) {
	m, err := LoadFromBytes([]byte(deploymentYAML()), "deploy.yaml")
	require.NoError(t, err)

	d, err := m.Deployment.ToDeployment()
	require.NoError(t, err)
	assert.Equal(t, rollout.StatusPending, d.Status)
	assert.NoError(t, d.Validate())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(d.Payload, &payload))
	assert.Equal(t, "upgrade.ps1", payload["script"])
	assert.Equal(t, []any{"-Force"}, payload["args"])
}

func TestPolicySpecPatchPolicy(t *testing.T) {
	disabled := false
	spec := &PolicySpec{OrgID: "org-1", Name: "p", Schedule: "@daily", Enabled: &disabled}
	assert.False(t, spec.PatchPolicy().Enabled)

	spec.Enabled = nil
	assert.True(t, spec.PatchPolicy().Enabled)
}

func TestValidationErrors(t *testing.T) {
	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{{Path: "version", Message: "required"}}
		assert.Equal(t, "version: required", errs.Error())
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Path: "version", Message: "required"},
			{Path: "job.orgId", Message: "is required"},
		}
		errStr := errs.Error()
		assert.Contains(t, errStr, "2 errors")
		assert.Contains(t, errStr, "job.orgId")
	})

	t.Run("empty path", func(t *testing.T) {
		errs := ValidationErrors{{Message: "root error"}}
		assert.Equal(t, "root error", errs.Error())
	})

	t.Run("unwrap returns ErrValidationFailed", func(t *testing.T) {
		errs := ValidationErrors{{Path: "x", Message: "bad"}}
		assert.True(t, errors.Is(errs, ErrValidationFailed))
	})
}

func TestValidate(t *testing.T) {
	m := &Manifest{Version: "1.0", Kind: KindJob, Job: &JobSpec{OrgID: "org-1", Name: "n"}}
	assert.NoError(t, Validate(m))

	m.Job.OrgID = ""
	err := Validate(m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))
	assert.Contains(t, err.Error(), "job.orgId")
}

func TestValidate_EmbeddedSchema(t *testing.T) {
	t.Run("name longer than schema allows", func(t *testing.T) {
		m := &Manifest{Version: "1.0", Kind: KindJob, Job: &JobSpec{OrgID: "org-1", Name: strings.Repeat("n", 201)}}
		err := Validate(m)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
		assert.Contains(t, err.Error(), "job/name")
	})

	t.Run("deployment type pattern", func(t *testing.T) {
		m := &Manifest{Version: "1.0", Kind: KindDeployment, Deployment: &DeploymentSpec{
			OrgID: "org-1", Name: "d", Type: "Not A Type", TargetType: rollout.TargetAll,
			RolloutConfig: rollout.RolloutConfig{Type: rollout.RolloutImmediate},
		}}
		err := Validate(m)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "deployment/type")
	})

	t.Run("raw document with unknown field", func(t *testing.T) {
		err := ValidateRaw(KindPolicy, []byte(`{"version":"1.0","kind":"policy","policy":{"orgId":"o","name":"p","schedule":"@daily","patches":{},"targets":{}},"extra":1}`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
	})

	t.Run("raw document accepted", func(t *testing.T) {
		assert.NoError(t, ValidateRaw(KindPolicy, []byte(`{"version":"1.0","kind":"policy","policy":{"orgId":"o","name":"p","schedule":"@daily","patches":{},"targets":{"deviceIds":["d1"]}}}`)))
	})

	t.Run("unknown kind has no schema", func(t *testing.T) {
		err := ValidateRaw(Kind("inventory"), []byte(`{}`))
		assert.ErrorIs(t, err, ErrSchemaNotFound)
	})
}

func TestValidate_WorksFromAnyDirectory(t *testing.T) {
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer func() { _ = os.Chdir(orig) }()

	m, err := LoadFromBytes([]byte(deploymentYAML()), "deploy.yaml")
	require.NoError(t, err, "validation should use the embedded schema")
	assert.Equal(t, KindDeployment, m.Kind)
}
