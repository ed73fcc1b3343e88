// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"errors"
	"fmt"
)

// Sentinel errors for the workspace package.
var (
	// ErrNotFound indicates the path does not exist in the workspace.
	ErrNotFound = errors.New("path not found")

	// ErrAlreadyExists indicates the path already exists in the workspace.
	ErrAlreadyExists = errors.New("path already exists")

	// ErrOutsideRoot indicates a path resolves outside the workspace root.
	ErrOutsideRoot = errors.New("path escapes workspace root")

	// ErrNotRegular indicates the path is a directory or special file.
	ErrNotRegular = errors.New("not a regular file")

	// ErrOutOfBounds indicates a line range outside [0, line_count].
	ErrOutOfBounds = errors.New("line range out of bounds")

	// ErrLocked indicates another process holds the workspace run lock.
	ErrLocked = errors.New("workspace locked by another run")
)

// BoundsError reports a requested half-open line range that does not fit
// the file it targets.
//
// Thread Safety: Immutable after creation.
type BoundsError struct {
	// Path is the workspace-relative file path.
	Path string

	// Start and End are the requested half-open range.
	Start, End int

	// Len is the number of lines the file actually has.
	Len int
}

// Error implements the error interface.
func (e *BoundsError) Error() string {
	return fmt.Sprintf("%s: requested [%d,%d) but file has %d lines", e.Path, e.Start, e.End, e.Len)
}

// Unwrap returns ErrOutOfBounds.
func (e *BoundsError) Unwrap() error {
	return ErrOutOfBounds
}

// CheckRange validates 0 <= start <= end <= n.
//
// Outputs:
//
//	error - *BoundsError if the range does not fit, nil otherwise.
func CheckRange(path string, start, end, n int) error {
	if start < 0 || end < start || end > n {
		return &BoundsError{Path: path, Start: start, End: end, Len: n}
	}
	return nil
}
