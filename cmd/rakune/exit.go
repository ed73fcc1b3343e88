// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/rakune/cmd/rakune/config"
	"github.com/AleutianAI/rakune/services/rakune/loop"
)

// Process exit codes.
const (
	exitOK          = 0
	exitFatal       = 1
	exitUnconverged = 2
	exitConfig      = 3
)

// errUsage marks bad flags or arguments. It maps to exitConfig.
var errUsage = errors.New("usage")

// reportedError is an error the command already printed.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// exitCode maps an error returned by a command to the process status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalid), errors.Is(err, errUsage):
		return exitConfig
	case errors.Is(err, loop.ErrUnconverged):
		return exitUnconverged
	default:
		return exitFatal
	}
}

// execute runs root with args and returns the exit status. Errors not
// already printed by the command are written to stderr.
func execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var reported *reportedError
	if !errors.As(err, &reported) {
		writeError(root.ErrOrStderr(), err)
	}
	return exitCode(err)
}

func writeError(w io.Writer, err error) {
	fmt.Fprintf(w, "rakune: %v\n", err)
}
