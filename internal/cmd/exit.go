package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/fleetpatch/pkg/jobstore"
	"github.com/3leaps/fleetpatch/pkg/manifest"
)

// exitFailure is the code for errors that carry no semantic exit code.
const exitFailure = 1

// exitCodeError carries a semantic exit code out of a command's RunE.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, message: message, err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitCodeError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	case errors.Is(err, jobstore.ErrNotFound), errors.Is(err, manifest.ErrValidationFailed):
		return foundry.ExitInvalidArgument
	}
	return exitFailure
}

// ExitWithCode reports err on stderr and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Debug(message, zap.Error(err), zap.Int("exit_code", code))
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(code)
}
