// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edit

import (
	"errors"
	"fmt"
)

// Sentinel errors for the edit package.
var (
	// ErrNoMatch indicates the oracle reply contained no edit block.
	ErrNoMatch = errors.New("no edit block found")

	// ErrMalformed indicates an edit block that could not be decoded.
	ErrMalformed = errors.New("malformed edit block")

	// ErrOutOfBounds indicates a line range outside the target file.
	ErrOutOfBounds = errors.New("out of bounds")

	// ErrNotFound indicates the transformation target does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the transformation destination exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnsupported indicates a transformation with no defined behavior.
	ErrUnsupported = errors.New("unsupported transformation")
)

// =============================================================================
// ParseError
// =============================================================================

// ParseErrorKind classifies a ParseError.
type ParseErrorKind int

const (
	// ParseNoMatch means zero blocks were found.
	ParseNoMatch ParseErrorKind = iota

	// ParseMalformed means a block was found but could not be decoded.
	ParseMalformed
)

// ParseError describes why an oracle reply did not yield transformations.
//
// Thread Safety: Immutable after creation.
type ParseError struct {
	// Kind is ParseNoMatch or ParseMalformed.
	Kind ParseErrorKind

	// Block is the zero-based index of the offending block.
	Block int

	// Line is the zero-based line of the reply where the block starts.
	Line int

	// Reason is a short explanation.
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Kind == ParseNoMatch {
		return ErrNoMatch.Error()
	}
	return fmt.Sprintf("%v: block %d at line %d: %s", ErrMalformed, e.Block, e.Line, e.Reason)
}

// Unwrap returns ErrNoMatch or ErrMalformed.
func (e *ParseError) Unwrap() error {
	if e.Kind == ParseNoMatch {
		return ErrNoMatch
	}
	return ErrMalformed
}

// =============================================================================
// ApplyError
// =============================================================================

// ApplyErrorKind classifies an ApplyError.
type ApplyErrorKind int

const (
	ApplyOutOfBounds ApplyErrorKind = iota
	ApplyNotFound
	ApplyAlreadyExists
	ApplyUnsupported
)

func (k ApplyErrorKind) sentinel() error {
	switch k {
	case ApplyOutOfBounds:
		return ErrOutOfBounds
	case ApplyNotFound:
		return ErrNotFound
	case ApplyAlreadyExists:
		return ErrAlreadyExists
	default:
		return ErrUnsupported
	}
}

// ApplyError reports a transformation that could not be applied.
//
// For ApplyOutOfBounds, Start and End hold the requested range and
// ActualLen the file's line count.
//
// Thread Safety: Immutable after creation.
type ApplyError struct {
	Kind      ApplyErrorKind
	Op        Kind
	Path      string
	Start     int
	End       int
	ActualLen int

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ApplyError) Error() string {
	switch e.Kind {
	case ApplyOutOfBounds:
		return fmt.Sprintf("%s %s: %v: requested [%d,%d) but file has %d lines",
			e.Op, e.Path, ErrOutOfBounds, e.Start, e.End, e.ActualLen)
	default:
		msg := fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind.sentinel())
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}
}

// Is matches the sentinel for the error's kind.
func (e *ApplyError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Unwrap returns the underlying cause.
func (e *ApplyError) Unwrap() error {
	return e.Err
}

func unsupported(op Kind, path, reason string) *ApplyError {
	return &ApplyError{Kind: ApplyUnsupported, Op: op, Path: path, Err: errors.New(reason)}
}
