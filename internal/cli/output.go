package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/and161185/catalog-sync/internal/batch"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // batch ran with per-entity failures
	ExitCommandError = 2 // bad input, unreachable store, batch could not start
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error; plain errors map to
// ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeResult prints r and converts an unsuccessful batch into an ExitError.
func writeResult(w io.Writer, format string, r batch.Result) error {
	if format == "json" {
		if err := writeJSON(w, r); err != nil {
			return err
		}
	} else {
		if !r.Success {
			fmt.Fprintf(w, "failed: %s\n", r.Error)
		} else {
			fmt.Fprintf(w, "created: %d  updated: %d  deleted: %d  errors: %d\n",
				r.Created, r.Updated, r.Deleted, len(r.Errors))
			if r.Error != "" {
				fmt.Fprintf(w, "note: %s\n", r.Error)
			}
		}
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s %s: %s\n", e.Kind, e.EntityID, e.Message)
		}
	}

	switch {
	case !r.Success:
		return NewExitError(ExitCommandError, "batch failed: "+r.Error)
	case len(r.Errors) > 0:
		return NewExitError(ExitFailure, fmt.Sprintf("%d entities failed", len(r.Errors)))
	}
	return nil
}
