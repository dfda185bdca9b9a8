package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/fleetpatch/internal/observability"
	"github.com/3leaps/fleetpatch/pkg/manifest"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func shortJobID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// readManifestFlag loads the manifest named by --file ("-" reads stdin) and
// checks its kind.
func readManifestFlag(cmd *cobra.Command, want manifest.Kind) (*manifest.Manifest, error) {
	path, _ := cmd.Flags().GetString("file")
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Missing manifest", errors.New("--file is required"))
	}

	var (
		m   *manifest.Manifest
		err error
	)
	if path == "-" {
		m, err = manifest.LoadFromReader(cmd.InOrStdin(), path)
	} else {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, exitError(foundry.ExitFileNotFound, "Manifest not found", statErr)
		}
		m, err = manifest.Load(path)
	}
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if m.Kind != want {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest",
			fmt.Errorf("manifest kind %q, want %q", m.Kind, want))
	}
	return m, nil
}

// withEngine loads config, wires an engine for a one-shot command and
// releases it afterwards. Queue consumers are never started.
func withEngine(cmd *cobra.Command, fn func(e *engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	e, err := newEngine(cmd.Context(), cfg, observability.CLILogger, nil)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open store", err)
	}
	defer e.closeQuietly()
	return fn(e)
}

func warnf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: "+format+"\n", args...)
}
