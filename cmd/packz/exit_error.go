// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"packz/internal/runner"
)

// ExitError carries the recorded program's exit status out of a RunE
// handler so that packz exits with it.
type ExitError struct {
	Code runner.ExitCode
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("target exited with status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}
