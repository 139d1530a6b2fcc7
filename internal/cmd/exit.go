package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/ffenv/pkg/failure"
)

// Generic exit codes. Specific failures use the foundry catalog.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

// jobError wraps a failed job with an exit code derived from its failure kind.
func jobError(message string, err error) error {
	if errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitSignalInt, message, err)
	}
	switch failure.KindOf(err) {
	case failure.KindUnsupportedPath, failure.KindUnknownOperation:
		return exitError(foundry.ExitInvalidArgument, message, err)
	case failure.KindDecode, failure.KindParse, failure.KindUnrecognizedStreamType:
		return exitError(foundry.ExitFileReadError, message, err)
	case failure.KindInitialization:
		return exitError(foundry.ExitExternalServiceUnavailable, message, err)
	case failure.KindStorage, failure.KindSync:
		return exitError(foundry.ExitFileWriteError, message, err)
	default:
		return exitError(ExitFailure, message, err)
	}
}
