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
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/rakune/services/rakune/edit"
)

// Severity classifies a diagnostic.
type Severity int

const (
	// SeverityError blocks the build. Only errors drive the loop.
	SeverityError Severity = iota

	// SeverityWarning is reported but does not fail anything.
	SeverityWarning
)

// String returns the marker name for the severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	default:
		return "error"
	}
}

// severityFromMarker maps an error marker to a Severity.
func severityFromMarker(marker string) Severity {
	if strings.EqualFold(marker, "warning") {
		return SeverityWarning
	}
	return SeverityError
}

// Diagnostic is one error block recognised in build output.
type Diagnostic struct {
	// Message is the error text, possibly several lines.
	Message string `json:"message"`

	// FilePath is the file the tool blamed, relative to the build dir
	// when possible.
	FilePath string `json:"filepath"`

	// Line and Column are one-based, as printed by the tool.
	Line   int `json:"line"`
	Column int `json:"column"`

	// Severity is derived from the block's marker.
	Severity Severity `json:"severity"`
}

// Fragment returns the diagnostic's line as a zero-based, half-open
// single-line span: tool line L becomes [L-1, L).
func (d Diagnostic) Fragment() edit.Fragment {
	return edit.LineFragment(d.FilePath, d.Line)
}

// String formats the diagnostic like the tool location it came from.
func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d:%d: %s: %s", d.FilePath, d.Line, d.Column, d.Severity, d.Message)
}

// Report is the outcome of one build run.
type Report struct {
	// Command is the command vector that was run.
	Command []string

	// ExitCode is the process exit status. -1 if it was killed.
	ExitCode int

	// Diagnostics holds every recognised block, in output order.
	Diagnostics []Diagnostic

	// Stdout and Stderr are the captured streams.
	Stdout string
	Stderr string

	// Duration is the wall time of the run.
	Duration time.Duration
}

// Passed reports whether the build exited with status 0.
func (r *Report) Passed() bool {
	return r.ExitCode == 0
}

// Errors returns only the error-severity diagnostics.
func (r *Report) Errors() []Diagnostic {
	out := make([]Diagnostic, 0, len(r.Diagnostics))
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// Output returns the stream diagnostics were read from: stderr, or
// stdout when stderr is empty.
func (r *Report) Output() string {
	if strings.TrimSpace(r.Stderr) != "" {
		return r.Stderr
	}
	return r.Stdout
}

// Tail returns the last n lines of Output.
func (r *Report) Tail(n int) string {
	lines := strings.Split(strings.TrimRight(r.Output(), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
