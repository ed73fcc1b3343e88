// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the diagnostics package.
//
// These cover infrastructure failures only. A build that runs and exits
// non-zero is not an error; it is a Report that did not pass.
var (
	// ErrEmptyCommand indicates a command vector with no program.
	ErrEmptyCommand = errors.New("empty command")

	// ErrCommandFailed indicates the command could not be started.
	ErrCommandFailed = errors.New("command could not be run")

	// ErrCommandTimeout indicates the command exceeded its timeout.
	ErrCommandTimeout = errors.New("command timed out")
)

// CommandError wraps a command failure with the command line and any
// output captured before it failed.
type CommandError struct {
	// Command is the command vector that failed.
	Command []string

	// Err is the underlying error.
	Err error

	// Output contains whatever stderr the command produced.
	Output string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	cmd := strings.Join(e.Command, " ")
	if e.Output != "" {
		return fmt.Sprintf("%s: %v: %s", cmd, e.Err, e.Output)
	}
	return fmt.Sprintf("%s: %v", cmd, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandError creates a CommandError.
func NewCommandError(command []string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}

// WithOutput returns a copy of the error with the output set.
//
// Inputs:
//
//	output - The stderr captured from the command.
//
// Outputs:
//
//	*CommandError - A new error with output set.
func (e *CommandError) WithOutput(output string) *CommandError {
	return &CommandError{
		Command: e.Command,
		Err:     e.Err,
		Output:  output,
	}
}
