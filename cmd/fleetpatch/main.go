package main

import (
	"github.com/3leaps/fleetpatch/internal/cmd"
	"github.com/3leaps/fleetpatch/internal/observability"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		cmd.ExitWithCode(observability.CLILogger, cmd.ExitCode(err), "command failed", err)
	}
}
