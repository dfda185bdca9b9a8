package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2026-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	orig := appIdentity
	defer func() { appIdentity = orig }()

	t.Run("returns nil before init", func(t *testing.T) {
		appIdentity = nil
		assert.Nil(t, GetAppIdentity())
	})

	t.Run("returns identity after init", func(t *testing.T) {
		appIdentity = nil
		id := initIdentity()
		require.NotNil(t, id)
		assert.Same(t, id, GetAppIdentity())
		assert.Equal(t, "fleetpatch", id.BinaryName)
		assert.Equal(t, "fleetpatch", id.ConfigName)
		assert.Equal(t, "FLEETPATCH_", id.EnvPrefix)
	})
}

func TestFlagOverrides(t *testing.T) {
	defer resetFlags(rootCmd)

	require.NoError(t, rootCmd.PersistentFlags().Set("db-path", "/tmp/x.db"))
	require.NoError(t, rootCmd.PersistentFlags().Set("queue", "nats"))

	got := flagOverrides(rootCmd)
	assert.Equal(t, map[string]any{
		"store.path":    "/tmp/x.db",
		"queue.backend": "nats",
	}, got)
}

func TestFlagOverrides_NothingChanged(t *testing.T) {
	defer resetFlags(rootCmd)
	assert.Empty(t, flagOverrides(rootCmd))
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	defer resetFlags(rootCmd)
	t.Setenv("FLEETPATCH_CONFIG", "")

	require.NoError(t, rootCmd.PersistentFlags().Set("log-level", "debug"))
	require.NoError(t, rootCmd.PersistentFlags().Set("db-driver", "postgres"))
	rootCmd.SetContext(context.Background())

	cfg, err := loadConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Queue.Backend)
}
