// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/rakune/services/rakune/diagnostics"
	"github.com/AleutianAI/rakune/services/rakune/edit"
	"github.com/AleutianAI/rakune/services/rakune/journal"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrUnconverged indicates a lineage used its whole attempt budget, or
	// the oracle never produced a parseable reply.
	ErrUnconverged = errors.New("did not converge")

	// ErrFatal indicates a failure the loop cannot recover from, such as an
	// apply error or an unreachable oracle.
	ErrFatal = errors.New("fatal loop error")
)

// ErrorKind classifies a StageError.
type ErrorKind int

const (
	// KindFatal stops the run immediately.
	KindFatal ErrorKind = iota

	// KindUnconverged means the retry budget ran out.
	KindUnconverged
)

// String returns "Fatal" or "Unconverged".
func (k ErrorKind) String() string {
	if k == KindUnconverged {
		return "Unconverged"
	}
	return "Fatal"
}

func (k ErrorKind) sentinel() error {
	if k == KindUnconverged {
		return ErrUnconverged
	}
	return ErrFatal
}

// StageError ends a run. It names the stage that failed and the comment
// being worked on.
//
// errors.Is matches ErrUnconverged or ErrFatal according to Kind, and
// errors.As reaches the underlying *edit.ParseError, *edit.ApplyError or
// *llm.OracleError through Err.
//
// Thread Safety: Immutable after creation.
type StageError struct {
	// Stage is where the run stopped.
	Stage journal.Stage

	// Kind is KindFatal or KindUnconverged.
	Kind ErrorKind

	// Comment is the comment being processed. Zero during finalize.
	Comment edit.Comment

	// Cycle is the number of builds the comment's lineage had used.
	Cycle int

	// Diagnostics holds the last build's diagnostics when the budget ran
	// out on a failing build.
	Diagnostics []diagnostics.Diagnostic

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Stage, e.Kind.sentinel())
	if e.Kind == KindUnconverged && e.Cycle > 0 {
		fmt.Fprintf(&b, " after %d cycles", e.Cycle)
	}
	if msg := firstLine(e.Comment.Message); msg != "" {
		fmt.Fprintf(&b, " (comment %q)", msg)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Is reports whether target is the sentinel for e.Kind.
func (e *StageError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

func fatal(stage journal.Stage, c edit.Comment, cycle int, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindFatal, Comment: c, Cycle: cycle, Err: err}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 60
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
