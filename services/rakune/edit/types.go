// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package edit turns oracle replies into file transformations and applies
// them to a workspace.
//
// # Line Convention
//
// Every line range in this package is zero-based and half-open: a
// Fragment{Start: 1, End: 3} covers the second and third lines. A
// one-based tool location L maps to Fragment{Start: L-1, End: L}.
//
// # Transformations
//
// Transformation is a tagged variant. The Applier handles each of the six
// kinds below and rejects any other implementation with ErrUnsupported.
package edit

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/rakune/services/rakune/workspace"
)

// =============================================================================
// Fragment
// =============================================================================

// Fragment is a half-open span [Start, End) of zero-based lines in a file.
//
// Fragments are recomputed against the file immediately before use and
// are never cached across mutations.
type Fragment struct {
	// FilePath is relative to the workspace root.
	FilePath string `json:"filepath"`

	// Start is the first line in the span.
	Start int `json:"start"`

	// End is one past the last line in the span.
	End int `json:"end"`
}

// LineFragment returns the one-line fragment for a one-based tool line.
func LineFragment(path string, line int) Fragment {
	return Fragment{FilePath: path, Start: line - 1, End: line}
}

// Len returns the number of lines covered.
func (f Fragment) Len() int {
	return f.End - f.Start
}

// Validate checks 0 <= Start <= End <= lineCount.
func (f Fragment) Validate(lineCount int) error {
	return workspace.CheckRange(f.FilePath, f.Start, f.End, lineCount)
}

// String renders "path[start,end)".
func (f Fragment) String() string {
	return fmt.Sprintf("%s[%d,%d)", f.FilePath, f.Start, f.End)
}

// =============================================================================
// Comment
// =============================================================================

// Origin records who created a Comment.
type Origin int

const (
	// OriginCaller marks comments supplied by the user.
	OriginCaller Origin = iota

	// OriginDiagnostic marks comments derived from a build failure.
	OriginDiagnostic
)

// String returns "caller" or "diagnostic".
func (o Origin) String() string {
	if o == OriginDiagnostic {
		return "diagnostic"
	}
	return "caller"
}

// Comment is a pending unit of work: an instruction plus the fragments it
// is anchored to.
type Comment struct {
	// Message is the free-text instruction.
	Message string `json:"message"`

	// Fragments anchor the instruction. May be empty.
	Fragments []Fragment `json:"fragments,omitempty"`

	// Origin is OriginCaller or OriginDiagnostic.
	Origin Origin `json:"origin"`

	// Lineage groups a caller comment with the comments derived from it.
	// The convergence loop assigns it.
	Lineage string `json:"lineage,omitempty"`
}

// NewComment creates a caller comment.
func NewComment(message string, fragments ...Fragment) Comment {
	return Comment{Message: message, Fragments: fragments, Origin: OriginCaller}
}

// =============================================================================
// Transformation
// =============================================================================

// Kind identifies a transformation variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindRenameSymbol
	KindCreateFile
	KindDeleteFile
	KindMoveFile
	KindUpdateFragment
	KindInsertFragment
)

var kindNames = map[Kind]string{
	KindUnknown:        "Unknown",
	KindRenameSymbol:   "RenameSymbol",
	KindCreateFile:     "CreateFile",
	KindDeleteFile:     "DeleteFile",
	KindMoveFile:       "MoveFile",
	KindUpdateFragment: "UpdateFragment",
	KindInsertFragment: "InsertFragment",
}

// String returns the variant name as it appears in oracle templates.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// kindFromHeader maps a template header to a Kind.
func kindFromHeader(name string) (Kind, bool) {
	for k, n := range kindNames {
		if k != KindUnknown && strings.EqualFold(n, name) {
			return k, true
		}
	}
	return KindUnknown, false
}

// Transformation is one structured file edit.
type Transformation interface {
	Kind() Kind
}

// RenameSymbol rewrites every whole-token occurrence of Old to New across
// the workspace.
type RenameSymbol struct {
	Old string
	New string
}

// Kind implements Transformation.
func (RenameSymbol) Kind() Kind { return KindRenameSymbol }

// CreateFile creates an empty file.
type CreateFile struct {
	Path string
}

// Kind implements Transformation.
func (CreateFile) Kind() Kind { return KindCreateFile }

// DeleteFile removes a file.
type DeleteFile struct {
	Path string
}

// Kind implements Transformation.
func (DeleteFile) Kind() Kind { return KindDeleteFile }

// MoveFile renames a file.
type MoveFile struct {
	Old string
	New string
}

// Kind implements Transformation.
func (MoveFile) Kind() Kind { return KindMoveFile }

// UpdateFragment replaces the lines of Fragment with UpdatedLines. An empty
// UpdatedLines deletes the span; an empty span inserts.
type UpdateFragment struct {
	Fragment     Fragment
	UpdatedLines []string
}

// Kind implements Transformation.
func (UpdateFragment) Kind() Kind { return KindUpdateFragment }

// InsertFragment inserts Content before line LineNo of FilePath without
// removing anything. LineNo equal to the line count appends.
type InsertFragment struct {
	FilePath string
	LineNo   int
	Content  []string
}

// Kind implements Transformation.
func (InsertFragment) Kind() Kind { return KindInsertFragment }

// Describe returns a short human-readable form of t for logs and journals.
func Describe(t Transformation) string {
	switch v := t.(type) {
	case RenameSymbol:
		return fmt.Sprintf("RenameSymbol %s -> %s", v.Old, v.New)
	case CreateFile:
		return "CreateFile " + v.Path
	case DeleteFile:
		return "DeleteFile " + v.Path
	case MoveFile:
		return fmt.Sprintf("MoveFile %s -> %s", v.Old, v.New)
	case UpdateFragment:
		return fmt.Sprintf("UpdateFragment %s (%d lines)", v.Fragment, len(v.UpdatedLines))
	case InsertFragment:
		return fmt.Sprintf("InsertFragment %s@%d (%d lines)", v.FilePath, v.LineNo, len(v.Content))
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%T", t)
	}
}
