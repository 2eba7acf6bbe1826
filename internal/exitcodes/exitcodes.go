// Package exitcodes defines the exit codes of the anonymize CLI so cron
// jobs and schedulers can tell "try again later" from "needs a human".
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"
)

const (
	// Success - the action completed (or there was nothing to do)
	Success = 0

	// ConfigError - configuration/YAML/JSON parsing or subject input errors (don't retry)
	ConfigError = 1

	// ConnectionError - database or state store unreachable (recoverable)
	ConnectionError = 2

	// Incomplete - the slice ended with work remaining; schedule another step (recoverable)
	Incomplete = 3

	// Abandoned - the chunk size reached 1 and the action gave up
	Abandoned = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - the progress document could not be read or written
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7

	// Locked - another invocation is running the same action (recoverable)
	Locked = 8

	// ActionError - planning or any other unexpected failure
	ActionError = 9
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// It examines error types first, then falls back to message keywords.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "locked by another") {
		return Locked
	}

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Config errors - parsing issues and invalid subject input
	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid config",
		"parsing config",
		"invalid subject",
		"is required",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"ping",
		"access denied",
		"authentication",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"state",
		"progress",
		"decoding action",
		"sealed",
	}) {
		return StateError
	}

	return ActionError
}

// IsRecoverable returns true if running the same command later may succeed.
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Incomplete, Cancelled, IOError, Locked:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case Incomplete:
		return "incomplete (recoverable)"
	case Abandoned:
		return "abandoned"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case Locked:
		return "locked (recoverable)"
	case ActionError:
		return "action error"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
