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
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// Template Grammar
// =============================================================================
//
// An edit block is a run of "key: value" lines, optionally preceded by a
// header naming the variant:
//
//	UpdateFragment:
//	    filepath: src/hello.rs
//	    start_line: 1
//	    end_line: 2
//	    content: println!("hello!")
//	```
//
// The content value runs until a closing fence. It may start on the
// content line itself or be wrapped in its own fenced block. A bare fence
// right after "content:" opens that block only when code follows it
// directly and is closed before the next key. Otherwise it closes the
// block and the content is empty. A header applies only to the block
// right after it, and a block whose keys do not fit its header is
// malformed. Blocks without a header are UpdateFragment when they carry
// start_line/end_line and InsertFragment when they carry line_no.

var (
	headerPattern = regexp.MustCompile(`^\s*(?:#+\s*)?([A-Za-z]+):\s*$`)
	keyPattern    = regexp.MustCompile(`^\s*(?:[-*]\s+)?([A-Za-z_]+)\s*:[ \t]?(.*)$`)
)

const fence = "```"

var knownKeys = map[string]bool{
	"filepath":   true,
	"path":       true,
	"start_line": true,
	"end_line":   true,
	"line_no":    true,
	"content":    true,
	"old":        true,
	"new":        true,
}

// Parser extracts transformations from oracle replies.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no mutable state.
type Parser struct {
	logger *slog.Logger
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithParserLogger sets the logger used for skipped blocks.
func WithParserLogger(logger *slog.Logger) ParserOption {
	return func(p *Parser) {
		p.logger = logger
	}
}

// NewParser creates a Parser.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse extracts every edit block from text, in order of appearance.
//
// Description:
//
//	Malformed blocks are skipped and logged at debug level as long as at
//	least one block decodes. The parser never panics on arbitrary input.
//
// Inputs:
//
//	text - The raw oracle reply.
//
// Outputs:
//
//	[]Transformation - The decoded transformations, never empty on success.
//	error - *ParseError with ParseNoMatch if no block was found, or the
//	        first ParseMalformed error if no block decoded.
func (p *Parser) Parse(text string) ([]Transformation, error) {
	ts, skipped := p.ParseAll(text)
	if len(ts) > 0 {
		for _, s := range skipped {
			p.logger.Debug("skipped malformed edit block",
				slog.Int("block", s.Block),
				slog.Int("line", s.Line),
				slog.String("reason", s.Reason),
			)
		}
		return ts, nil
	}
	if len(skipped) > 0 {
		return nil, skipped[0]
	}
	return nil, &ParseError{Kind: ParseNoMatch}
}

// ParseAll returns the decoded transformations and the malformed blocks
// that were skipped, without deciding which outcome is an error.
func (p *Parser) ParseAll(text string) ([]Transformation, []*ParseError) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var (
		out     []Transformation
		skipped []*ParseError
		header  Kind
		block   int
	)
	for i := 0; i < len(lines); {
		if m := headerPattern.FindStringSubmatch(lines[i]); m != nil {
			if k, ok := kindFromHeader(m[1]); ok {
				header = k
				i++
				continue
			}
		}

		key, _, ok := matchKey(lines[i])
		if !ok {
			// A header only applies to the block right after it.
			if !isFence(lines[i]) && strings.TrimSpace(lines[i]) != "" {
				header = KindUnknown
			}
			i++
			continue
		}
		if !startsBlock(key, header, lines, i) {
			i++
			continue
		}

		t, next, err := readBlock(lines, i, header)
		if err != nil {
			skipped = append(skipped, &ParseError{Kind: ParseMalformed, Block: block, Line: i, Reason: err.Error()})
		} else {
			out = append(out, t)
		}
		block++
		header = KindUnknown
		i = next
	}
	return out, skipped
}

// startsBlock decides whether the key at lines[i] opens a new block.
func startsBlock(key string, header Kind, lines []string, i int) bool {
	switch key {
	case "filepath":
		return true
	case "path":
		return header == KindCreateFile || header == KindDeleteFile
	case "old":
		if header == KindMoveFile || header == KindRenameSymbol {
			return true
		}
		if i+1 < len(lines) {
			next, _, ok := matchKey(lines[i+1])
			return ok && next == "new"
		}
	}
	return false
}

func matchKey(line string) (key, value string, ok bool) {
	m := keyPattern.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	key = strings.ToLower(m[1])
	if !knownKeys[key] {
		return "", "", false
	}
	return key, m[2], true
}

// readBlock decodes the block starting at lines[start]. It returns the
// index of the first line after the block.
func readBlock(lines []string, start int, header Kind) (Transformation, int, error) {
	fields := make(map[string]string)
	var content []string
	hasContent := false

	i := start
	for i < len(lines) {
		key, value, ok := matchKey(lines[i])
		if !ok {
			break
		}
		if _, dup := fields[key]; dup {
			break
		}
		fields[key] = value
		i++
		if key == "content" {
			var err error
			content, i, err = readContent(lines, i, value)
			if err != nil {
				return nil, i, err
			}
			hasContent = true
			break
		}
	}

	kind := header
	if kind == KindUnknown {
		kind = inferKind(fields)
	} else if stray := strayKeys(kind, fields); len(stray) > 0 {
		return nil, i, fmt.Errorf("%s does not take keys %v", kind, stray)
	}

	switch kind {
	case KindUpdateFragment:
		path, err := requirePath(fields, "filepath")
		if err != nil {
			return nil, i, err
		}
		startLine, err := requireLine(fields, "start_line")
		if err != nil {
			return nil, i, err
		}
		endLine, err := requireLine(fields, "end_line")
		if err != nil {
			return nil, i, err
		}
		if !hasContent {
			return nil, i, fmt.Errorf("missing content")
		}
		return UpdateFragment{
			Fragment:     Fragment{FilePath: path, Start: startLine, End: endLine},
			UpdatedLines: content,
		}, i, nil

	case KindInsertFragment:
		path, err := requirePath(fields, "filepath")
		if err != nil {
			return nil, i, err
		}
		lineNo, err := requireLine(fields, "line_no")
		if err != nil {
			return nil, i, err
		}
		if !hasContent {
			return nil, i, fmt.Errorf("missing content")
		}
		return InsertFragment{FilePath: path, LineNo: lineNo, Content: content}, i, nil

	case KindCreateFile, KindDeleteFile:
		path, err := requirePath(fields, "path")
		if err != nil {
			path, err = requirePath(fields, "filepath")
		}
		if err != nil {
			return nil, i, err
		}
		if kind == KindCreateFile {
			return CreateFile{Path: path}, i, nil
		}
		return DeleteFile{Path: path}, i, nil

	case KindMoveFile, KindRenameSymbol:
		oldName, err := requirePath(fields, "old")
		if err != nil {
			return nil, i, err
		}
		newName, err := requirePath(fields, "new")
		if err != nil {
			return nil, i, err
		}
		if kind == KindMoveFile {
			return MoveFile{Old: oldName, New: newName}, i, nil
		}
		return RenameSymbol{Old: oldName, New: newName}, i, nil
	}
	return nil, i, fmt.Errorf("cannot determine edit kind from keys %v", sortedKeys(fields))
}

// kindKeys lists the keys each headed block may carry.
var kindKeys = map[Kind][]string{
	KindUpdateFragment: {"filepath", "start_line", "end_line", "content"},
	KindInsertFragment: {"filepath", "line_no", "content"},
	KindCreateFile:     {"path", "filepath"},
	KindDeleteFile:     {"path", "filepath"},
	KindMoveFile:       {"old", "new"},
	KindRenameSymbol:   {"old", "new"},
}

// strayKeys returns the keys of fields that kind does not take, in
// sortedKeys order.
func strayKeys(kind Kind, fields map[string]string) []string {
	var stray []string
	for _, key := range sortedKeys(fields) {
		allowed := false
		for _, k := range kindKeys[kind] {
			if k == key {
				allowed = true
				break
			}
		}
		if !allowed {
			stray = append(stray, key)
		}
	}
	return stray
}

func inferKind(fields map[string]string) Kind {
	_, hasStart := fields["start_line"]
	_, hasEnd := fields["end_line"]
	_, hasLineNo := fields["line_no"]
	_, hasFile := fields["filepath"]
	switch {
	case hasFile && (hasStart || hasEnd):
		return KindUpdateFragment
	case hasFile && hasLineNo:
		return KindInsertFragment
	}
	return KindUnknown
}

// readContent collects content lines starting at lines[i]. inline is the
// text after "content:" on the key line.
func readContent(lines []string, i int, inline string) ([]string, int, error) {
	trimmed := strings.TrimSpace(inline)

	switch {
	case trimmed == fence:
		return []string{}, i, nil

	case strings.HasPrefix(trimmed, fence):
		return readInnerFence(lines, i)

	case trimmed != "":
		first := strings.TrimRight(inline, " \t")
		if strings.HasSuffix(first, fence) {
			return []string{strings.TrimSuffix(first, fence)}, i, nil
		}
		rest, next, err := readUntilFence(lines, i)
		if err != nil {
			return nil, next, err
		}
		return append([]string{first}, rest...), next, nil
	}

	if i < len(lines) && isFence(lines[i]) {
		if info := strings.TrimSpace(strings.TrimSpace(lines[i])[len(fence):]); info != "" {
			return readInnerFence(lines, i+1)
		}
		if opensBody(lines, i+1) {
			return readInnerFence(lines, i+1)
		}
		return []string{}, i + 1, nil
	}
	return readUntilFence(lines, i)
}

// opensBody reports whether a bare fence right before lines[i] opens the
// content body instead of closing the block. It does when code follows
// directly and a fence closes it before any key or header line.
func opensBody(lines []string, i int) bool {
	if i >= len(lines) || strings.TrimSpace(lines[i]) == "" {
		return false
	}
	for ; i < len(lines); i++ {
		line := lines[i]
		if isFence(line) || strings.HasSuffix(strings.TrimRight(line, " \t"), fence) {
			return true
		}
		if isHeader(line) {
			return false
		}
		if _, _, ok := matchKey(line); ok {
			return false
		}
	}
	return false
}

func isHeader(line string) bool {
	m := headerPattern.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	_, ok := kindFromHeader(m[1])
	return ok
}

// readInnerFence reads a fenced body whose opening line has already been
// consumed, then swallows the outer closing fence if it follows.
func readInnerFence(lines []string, i int) ([]string, int, error) {
	body, next, err := readUntilFence(lines, i)
	if err != nil {
		return nil, next, err
	}
	j := next
	for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
		j++
	}
	if j < len(lines) && strings.TrimSpace(lines[j]) == fence {
		next = j + 1
	}
	return body, next, nil
}

// readUntilFence reads lines until a closing fence, which is consumed.
// A line ending in a fence contributes its prefix.
func readUntilFence(lines []string, i int) ([]string, int, error) {
	body := []string{}
	for ; i < len(lines); i++ {
		line := strings.TrimSuffix(lines[i], "\r")
		if isFence(line) {
			return body, i + 1, nil
		}
		if strings.HasSuffix(strings.TrimRight(line, " \t"), fence) {
			body = append(body, strings.TrimSuffix(strings.TrimRight(line, " \t"), fence))
			return body, i + 1, nil
		}
		body = append(body, line)
	}
	return nil, i, fmt.Errorf("content is not terminated by a closing fence")
}

func isFence(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), fence)
}

func requirePath(fields map[string]string, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	v = cleanValue(v)
	v = strings.Trim(v, "`\"'")
	if v == "" {
		return "", fmt.Errorf("empty %s", key)
	}
	return v, nil
}

func requireLine(fields map[string]string, key string) (int, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	v = cleanValue(v)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not an integer", key, v)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s %d is negative", key, n)
	}
	return n, nil
}

// cleanValue strips whitespace and the optional trailing comma.
func cleanValue(v string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), ","))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for _, k := range []string{"filepath", "path", "start_line", "end_line", "line_no", "old", "new", "content"} {
		if _, ok := m[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}
