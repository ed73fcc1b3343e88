// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package project detects what kind of project a workspace holds and the
// default lint and build commands for it.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
)

// ErrUnknownProject indicates no marker file was found.
var ErrUnknownProject = errors.New("no recognised project marker")

// Language names a project language as used in prompts and matcher
// selection.
type Language string

const (
	LanguageGo         Language = "Go"
	LanguageRust       Language = "Rust"
	LanguageJavaScript Language = "JavaScript"
)

// Project is what Detect found.
type Project struct {
	// Language is the project language.
	Language Language

	// Marker is the file that identified the project.
	Marker string

	// Build and Lint are the default command vectors. Lint may be nil.
	Build []string
	Lint  []string

	// Module and GoVersion are set for Go projects.
	Module    string
	GoVersion string
}

type marker struct {
	file     string
	language Language
	build    []string
	lint     []string
}

// markers are checked in order; the first present file wins.
var markers = []marker{
	{"go.mod", LanguageGo, []string{"go", "build", "./..."}, []string{"gofmt", "-l", "-w", "."}},
	{"Cargo.toml", LanguageRust, []string{"cargo", "build"}, []string{"cargo", "fmt"}},
	{"package.json", LanguageJavaScript, []string{"npm", "run", "build"}, nil},
}

// Detect inspects root for a known marker file.
//
// Description:
//
//	For Go projects go.mod is parsed to pick up the module path and
//	language version. A go.mod that does not parse is an error rather
//	than a silent fallback, since the build would fail on it anyway.
//
// Inputs:
//
//	root - The workspace root.
//
// Outputs:
//
//	*Project - The detected project.
//	error - ErrUnknownProject if no marker exists.
func Detect(root string) (*Project, error) {
	for _, m := range markers {
		path := filepath.Join(root, m.file)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		p := &Project{
			Language: m.language,
			Marker:   m.file,
			Build:    append([]string(nil), m.build...),
			Lint:     append([]string(nil), m.lint...),
		}
		if m.language == LanguageGo {
			if err := readGoMod(path, p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
	return nil, fmt.Errorf("%s: %w", root, ErrUnknownProject)
}

func readGoMod(path string, p *Project) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading go.mod: %w", err)
	}
	f, err := modfile.ParseLax(path, data, nil)
	if err != nil {
		return fmt.Errorf("parsing go.mod: %w", err)
	}
	if f.Module != nil {
		p.Module = f.Module.Mod.Path
	}
	if f.Go != nil {
		p.GoVersion = f.Go.Version
	}
	return nil
}
