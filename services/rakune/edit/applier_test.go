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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/rakune/services/rakune/workspace"
)

func setupApplier(t *testing.T, files map[string]string) (*Applier, string) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	store, err := workspace.NewStore(dir)
	require.NoError(t, err)
	return NewApplier(store), store.Root()
}

func readFile(t *testing.T, root, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// UpdateFragment / InsertFragment
// =============================================================================

func TestApply_UpdateFragmentSplice(t *testing.T) {
	a, root := setupApplier(t, map[string]string{"f.txt": "a\nb\nc\nd\n"})

	err := a.Apply(context.Background(), UpdateFragment{
		Fragment:     Fragment{FilePath: "f.txt", Start: 1, End: 3},
		UpdatedLines: []string{"X"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a\nX\nd\n", readFile(t, root, "f.txt"))
}

func TestApply_UpdateFragmentOutOfBoundsLeavesFileUnchanged(t *testing.T) {
	original := "a\nb\nc\nd"
	tests := []struct {
		name       string
		start, end int
	}{
		{"end past eof", 2, 5},
		{"start after end", 3, 2},
		{"negative start", -1, 1},
		{"both past eof", 7, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, root := setupApplier(t, map[string]string{"f.txt": original})

			err := a.Apply(context.Background(), UpdateFragment{
				Fragment:     Fragment{FilePath: "f.txt", Start: tt.start, End: tt.end},
				UpdatedLines: []string{"X"},
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrOutOfBounds)

			var ae *ApplyError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, ApplyOutOfBounds, ae.Kind)
			assert.Equal(t, tt.start, ae.Start)
			assert.Equal(t, tt.end, ae.End)
			assert.Equal(t, 4, ae.ActualLen)
			assert.Contains(t, ae.Error(), "file has 4 lines")

			assert.Equal(t, original, readFile(t, root, "f.txt"), "file must be byte-for-byte unchanged")
		})
	}
}

func TestApply_UpdateFragmentDeleteAndAppend(t *testing.T) {
	a, root := setupApplier(t, map[string]string{"f.txt": "a\nb\nc\n"})
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, UpdateFragment{Fragment: Fragment{FilePath: "f.txt", Start: 0, End: 1}}))
	assert.Equal(t, "b\nc\n", readFile(t, root, "f.txt"))

	require.NoError(t, a.Apply(ctx, UpdateFragment{
		Fragment:     Fragment{FilePath: "f.txt", Start: 2, End: 2},
		UpdatedLines: []string{"d"},
	}))
	assert.Equal(t, "b\nc\nd\n", readFile(t, root, "f.txt"))
}

func TestApply_UpdateFragmentMissingFile(t *testing.T) {
	a, _ := setupApplier(t, nil)
	err := a.Apply(context.Background(), UpdateFragment{Fragment: Fragment{FilePath: "nope.rs"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApply_InsertFragment(t *testing.T) {
	ctx := context.Background()

	a, root := setupApplier(t, map[string]string{"f.txt": "a\nb\n"})
	require.NoError(t, a.Apply(ctx, InsertFragment{FilePath: "f.txt", LineNo: 1, Content: []string{"X", "Y"}}))
	assert.Equal(t, "a\nX\nY\nb\n", readFile(t, root, "f.txt"))

	require.NoError(t, a.Apply(ctx, InsertFragment{FilePath: "f.txt", LineNo: 4, Content: []string{"end"}}))
	assert.Equal(t, "a\nX\nY\nb\nend\n", readFile(t, root, "f.txt"))

	err := a.Apply(ctx, InsertFragment{FilePath: "f.txt", LineNo: 6, Content: []string{"z"}})
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.Equal(t, "a\nX\nY\nb\nend\n", readFile(t, root, "f.txt"))
}

// =============================================================================
// File Operations
// =============================================================================

func TestApply_CreateDeleteMove(t *testing.T) {
	ctx := context.Background()
	a, root := setupApplier(t, map[string]string{"keep.go": "package keep\n"})

	require.NoError(t, a.Apply(ctx, CreateFile{Path: "internal/new.go"}))
	assert.Equal(t, "", readFile(t, root, "internal/new.go"))
	assert.ErrorIs(t, a.Apply(ctx, CreateFile{Path: "keep.go"}), ErrAlreadyExists)

	assert.ErrorIs(t, a.Apply(ctx, MoveFile{Old: "missing.go", New: "x.go"}), ErrNotFound)
	assert.ErrorIs(t, a.Apply(ctx, MoveFile{Old: "internal/new.go", New: "keep.go"}), ErrAlreadyExists)
	require.NoError(t, a.Apply(ctx, MoveFile{Old: "internal/new.go", New: "internal/renamed.go"}))
	_, err := os.Stat(filepath.Join(root, "internal", "new.go"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, a.Apply(ctx, DeleteFile{Path: "internal/renamed.go"}))
	assert.ErrorIs(t, a.Apply(ctx, DeleteFile{Path: "internal/renamed.go"}), ErrNotFound)
}

func TestApply_PathOutsideRootIsUnsupported(t *testing.T) {
	a, _ := setupApplier(t, nil)
	err := a.Apply(context.Background(), CreateFile{Path: "../escape.txt"})
	assert.ErrorIs(t, err, ErrUnsupported)
}

// =============================================================================
// RenameSymbol
// =============================================================================

func TestApply_RenameSymbolWholeTokens(t *testing.T) {
	a, root := setupApplier(t, map[string]string{
		"main.go":     "package main\n\nfunc count() int { return countAll() + count() }\n",
		"util/u.go":   "package util\n\n// count is used by main\nvar x = count\n",
		".git/HEAD":   "count\n",
		"bin/app.bin": "count\x00binary",
	})

	require.NoError(t, a.Apply(context.Background(), RenameSymbol{Old: "count", New: "tally"}))

	assert.Equal(t, "package main\n\nfunc tally() int { return countAll() + tally() }\n", readFile(t, root, "main.go"))
	assert.Equal(t, "package util\n\n// tally is used by main\nvar x = tally\n", readFile(t, root, "util/u.go"))
	assert.Equal(t, "count\n", readFile(t, root, ".git/HEAD"), "dot-directories are out of scope")
	assert.Equal(t, "count\x00binary", readFile(t, root, "bin/app.bin"), "binary files are skipped")
}

func TestApply_RenameSymbolErrors(t *testing.T) {
	ctx := context.Background()
	a, _ := setupApplier(t, map[string]string{"a.go": "package a\n"})

	assert.ErrorIs(t, a.Apply(ctx, RenameSymbol{Old: "absent", New: "present"}), ErrNotFound)
	assert.ErrorIs(t, a.Apply(ctx, RenameSymbol{Old: "a b", New: "c"}), ErrUnsupported)
	assert.ErrorIs(t, a.Apply(ctx, RenameSymbol{Old: "a", New: "a"}), ErrUnsupported)
}

// =============================================================================
// Totality
// =============================================================================

type strangeTransformation struct{}

func (strangeTransformation) Kind() Kind { return Kind(42) }

func TestApply_UnknownVariantIsUnsupported(t *testing.T) {
	a, _ := setupApplier(t, nil)

	err := a.Apply(context.Background(), strangeTransformation{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupported)

	err = a.Apply(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestApplyAll_StopsAtFirstFailure(t *testing.T) {
	a, root := setupApplier(t, map[string]string{"f.txt": "a\n"})

	n, err := a.ApplyAll(context.Background(), []Transformation{
		UpdateFragment{Fragment: Fragment{FilePath: "f.txt", Start: 0, End: 1}, UpdatedLines: []string{"b"}},
		DeleteFile{Path: "missing.txt"},
		UpdateFragment{Fragment: Fragment{FilePath: "f.txt", Start: 0, End: 1}, UpdatedLines: []string{"c"}},
	})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "b\n", readFile(t, root, "f.txt"), "earlier transformations stay applied")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "UpdateFragment a.go[1,3) (2 lines)", Describe(UpdateFragment{
		Fragment:     Fragment{FilePath: "a.go", Start: 1, End: 3},
		UpdatedLines: []string{"x", "y"},
	}))
	assert.Equal(t, "MoveFile a -> b", Describe(MoveFile{Old: "a", New: "b"}))
	assert.Equal(t, "<nil>", Describe(nil))
}

func TestLineFragment(t *testing.T) {
	f := LineFragment("src/main.rs", 7)
	assert.Equal(t, Fragment{FilePath: "src/main.rs", Start: 6, End: 7}, f)
	assert.Equal(t, 1, f.Len())
	assert.NoError(t, f.Validate(7))
	assert.ErrorIs(t, f.Validate(6), workspace.ErrOutOfBounds)
}
