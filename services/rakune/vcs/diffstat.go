// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// FileStat counts changed lines in one file of a diff.
type FileStat struct {
	Path    string
	Added   int
	Deleted int
}

// Stat summarises a unified diff.
type Stat struct {
	Files   []FileStat
	Added   int
	Deleted int
}

// String renders the stat like git's --shortstat plus one line per file.
func (s Stat) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d files changed, %d insertions(+), %d deletions(-)\n", len(s.Files), s.Added, s.Deleted)
	for _, f := range s.Files {
		fmt.Fprintf(&b, " %s | +%d -%d\n", f.Path, f.Added, f.Deleted)
	}
	return b.String()
}

// DiffStat parses a unified diff and counts its changes.
//
// Outputs:
//
//	Stat - Per-file and total counts. An empty diff gives a zero Stat.
//	error - Non-nil if the diff cannot be parsed.
func DiffStat(unified string) (Stat, error) {
	var stat Stat
	if strings.TrimSpace(unified) == "" {
		return stat, nil
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return stat, fmt.Errorf("parsing diff: %w", err)
	}
	for _, fd := range fileDiffs {
		fs := FileStat{Path: diffPath(fd)}
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					fs.Added++
				case strings.HasPrefix(line, "-"):
					fs.Deleted++
				}
			}
		}
		stat.Added += fs.Added
		stat.Deleted += fs.Deleted
		stat.Files = append(stat.Files, fs)
	}
	return stat, nil
}

// diffPath picks the file name of a file diff, preferring the new side
// unless the file was deleted.
func diffPath(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return name
}
