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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/AleutianAI/rakune/services/llm"
	"github.com/AleutianAI/rakune/services/rakune/vcs"
)

// DefaultMaxDiffChars bounds the diff text sent for summarization.
const DefaultMaxDiffChars = 12000

// diffSeparators split a unified diff at file, then hunk, then line
// boundaries.
var diffSeparators = []string{"\ndiff --git ", "\n@@ ", "\n", ""}

// Summarizer turns the run's diff into a one-line commit message.
type Summarizer struct {
	oracle   llm.Oracle
	maxChars int
	logger   *slog.Logger
}

// NewSummarizer creates a Summarizer. maxChars <= 0 means
// DefaultMaxDiffChars.
func NewSummarizer(oracle llm.Oracle, maxChars int, logger *slog.Logger) *Summarizer {
	if maxChars <= 0 {
		maxChars = DefaultMaxDiffChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{oracle: oracle, maxChars: maxChars, logger: logger}
}

// Summarize asks the oracle to describe diff in under 20 words.
//
// # Description
//
// Diffs longer than the configured limit are replaced by a diffstat
// header and the leading chunk of the diff. The reply is flattened from
// markdown to plain text and trimmed.
//
// # Outputs
//
//   - string: The summary, never empty on success.
//   - error: The oracle's error, or a BadEnvelope *llm.OracleError when
//     the reply is empty after flattening.
func (s *Summarizer) Summarize(ctx context.Context, diff string) (string, error) {
	reply, err := s.oracle.Prompt(ctx, SummaryPrompt(s.shorten(diff)))
	if err != nil {
		return "", err
	}
	summary := flattenMarkdown(reply)
	if summary == "" {
		return "", &llm.OracleError{
			Kind:    llm.OracleBadEnvelope,
			Backend: "summarizer",
			Err:     errors.New("empty summary"),
		}
	}
	return summary, nil
}

// shorten returns diff unchanged when it fits, otherwise a stat header
// plus as many leading chunks as fit.
func (s *Summarizer) shorten(diff string) string {
	if len(diff) <= s.maxChars {
		return diff
	}

	var header string
	if stat, err := vcs.DiffStat(diff); err == nil {
		header = statHeader(stat, s.maxChars/4)
	} else {
		s.logger.Debug("diffstat failed", slog.String("error", err.Error()))
	}
	const elision = "...\n"
	budget := s.maxChars - len(header) - len(elision)
	if budget <= 1 {
		return header
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(budget-1),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators(diffSeparators),
	)
	chunks, err := splitter.SplitText(diff)
	if err != nil || len(chunks) == 0 {
		chunks = []string{diff}
	}

	var b strings.Builder
	b.WriteString(header)
	used := 0
	for _, c := range chunks {
		if used == 0 && len(c) > budget-1 {
			c = c[:budget-1]
		}
		if used+len(c)+1 > budget {
			break
		}
		b.WriteString(c)
		b.WriteString("\n")
		used += len(c) + 1
	}
	b.WriteString(elision)
	s.logger.Debug("diff truncated for summary",
		slog.Int("original_chars", len(diff)),
		slog.Int("chunks", len(chunks)),
		slog.Int("sent_chars", b.Len()),
	)
	return b.String()
}

// statHeader renders the shortstat line and as many per-file lines as
// fit in limit characters.
func statHeader(stat vcs.Stat, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d files changed, %d insertions(+), %d deletions(-)\n", len(stat.Files), stat.Added, stat.Deleted)
	for _, f := range stat.Files {
		line := fmt.Sprintf(" %s | +%d -%d\n", f.Path, f.Added, f.Deleted)
		if b.Len()+len(line) > limit {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

// flattenMarkdown renders the text content of a markdown reply as plain
// space-separated text.
func flattenMarkdown(reply string) string {
	source := []byte(reply)
	root := goldmark.DefaultParser().Parse(text.NewReader(source))

	var parts []string
	walker := func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := node.(type) {
		case *ast.Text:
			parts = append(parts, string(n.Segment.Value(source)))
		case *ast.String:
			parts = append(parts, string(n.Value))
		case *ast.CodeSpan:
			parts = append(parts, string(n.Text(source)))
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				parts = append(parts, string(seg.Value(source)))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	}
	if err := ast.Walk(root, walker); err != nil {
		return strings.TrimSpace(reply)
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// describeDiff is used in logs.
func describeDiff(diff string) string {
	stat, err := vcs.DiffStat(diff)
	if err != nil {
		return fmt.Sprintf("%d chars", len(diff))
	}
	return fmt.Sprintf("%d files, +%d -%d", len(stat.Files), stat.Added, stat.Deleted)
}
