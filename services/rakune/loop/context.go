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
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/rust"

	"github.com/AleutianAI/rakune/services/rakune/edit"
	"github.com/AleutianAI/rakune/services/rakune/workspace"
)

// DefaultContextLines is how many lines around a fragment are shown.
const DefaultContextLines = 5

// maxDeclarationLines stops a huge declaration (or a file-wide ERROR
// node) from swallowing the prompt.
const maxDeclarationLines = 200

// ContextAssembler renders the file excerpts shown to the oracle.
//
// # Thread Safety
//
// Safe for concurrent use. Each call reads the file afresh.
type ContextAssembler struct {
	store  *workspace.Store
	lines  int
	logger *slog.Logger
}

// NewContextAssembler creates an assembler reading through store. lines
// below zero means DefaultContextLines.
func NewContextAssembler(store *workspace.Store, lines int, logger *slog.Logger) *ContextAssembler {
	if lines < 0 {
		lines = DefaultContextLines
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextAssembler{store: store, lines: lines, logger: logger}
}

// Spatial renders the excerpt around one fragment.
//
// # Description
//
// The fragment is validated against the file's current line count and
// never clamped. The window is the fragment widened by the configured
// number of lines on each side, limited to the file. For Go and Rust
// sources it is widened further to cover the top-level declarations the
// fragment touches. Line numbers are absolute and zero-based.
//
// # Outputs
//
//   - string: "The existing lines of code are:\n\n<path>\n>>>>\n<n> <line>...\n<<<<"
//   - error: *workspace.BoundsError or a read error.
func (a *ContextAssembler) Spatial(ctx context.Context, f edit.Fragment) (string, error) {
	doc, err := a.store.ReadDocument(f.FilePath)
	if err != nil {
		return "", err
	}
	if err := f.Validate(doc.Len()); err != nil {
		return "", err
	}

	lo := max(0, f.Start-a.lines)
	hi := min(doc.Len(), f.End+a.lines)
	if dlo, dhi, ok := a.declarationSpan(ctx, f, doc); ok {
		lo = min(lo, dlo)
		hi = max(hi, dhi)
	}

	var b strings.Builder
	b.WriteString("The existing lines of code are:\n\n")
	b.WriteString(f.FilePath)
	b.WriteString("\n>>>>\n")
	for i := lo; i < hi; i++ {
		fmt.Fprintf(&b, "%d %s\n", i, doc.Lines[i])
	}
	b.WriteString("<<<<")
	return b.String(), nil
}

// All renders every fragment of c in order.
func (a *ContextAssembler) All(ctx context.Context, c edit.Comment) ([]string, error) {
	out := make([]string, 0, len(c.Fragments))
	for _, f := range c.Fragments {
		s, err := a.Spatial(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// declarationSpan returns the half-open row range of the top-level
// declarations overlapping f.
func (a *ContextAssembler) declarationSpan(ctx context.Context, f edit.Fragment, doc *workspace.Document) (int, int, bool) {
	lang := grammarFor(f.FilePath)
	if lang == nil || doc.Len() == 0 {
		return 0, 0, false
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, []byte(strings.Join(doc.Lines, "\n")))
	if err != nil {
		a.logger.Debug("context parse failed", slog.String("path", f.FilePath), slog.String("error", err.Error()))
		return 0, 0, false
	}
	defer tree.Close()

	first, last := f.Start, f.End
	if last == first {
		// An empty span at EOF belongs to the last declaration.
		if first == doc.Len() {
			first--
		}
		last = first + 1
	}

	lo, hi, found := 0, 0, false
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		start := int(child.StartPoint().Row)
		end := int(child.EndPoint().Row) + 1
		if end <= first || start >= last {
			continue
		}
		if end-start > maxDeclarationLines {
			continue
		}
		if !found {
			lo, hi, found = start, end, true
			continue
		}
		lo = min(lo, start)
		hi = max(hi, end)
	}
	hi = min(hi, doc.Len())
	return lo, hi, found
}

func grammarFor(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return golang.GetLanguage()
	case ".rs":
		return rust.GetLanguage()
	default:
		return nil
	}
}
