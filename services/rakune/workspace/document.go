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
	"bytes"
	"strings"
)

// Document is a file held as an ordered sequence of lines.
//
// The line terminator and the presence of a final newline are remembered
// so a read-modify-write cycle only changes the lines that were edited.
type Document struct {
	// Lines are the file's lines without terminators.
	Lines []string

	// EOL is "\n" or "\r\n", detected from the first terminator.
	EOL string

	// FinalNewline is true if the file ended with a terminator.
	FinalNewline bool
}

// ParseDocument splits raw file content into a Document.
//
// "a\nb\n" and "a\nb" both have two lines; the empty file has none.
func ParseDocument(data []byte) *Document {
	doc := &Document{EOL: "\n", FinalNewline: true}
	if len(data) == 0 {
		return doc
	}
	if i := bytes.IndexByte(data, '\n'); i > 0 && data[i-1] == '\r' {
		doc.EOL = "\r\n"
	}

	text := string(data)
	doc.FinalNewline = strings.HasSuffix(text, "\n")
	text = strings.TrimSuffix(text, "\n")
	parts := strings.Split(text, "\n")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	doc.Lines = parts
	return doc
}

// Len returns the number of lines.
func (d *Document) Len() int {
	return len(d.Lines)
}

// Bytes renders the document with its original terminator style.
func (d *Document) Bytes() []byte {
	if len(d.Lines) == 0 {
		return nil
	}
	eol := d.EOL
	if eol == "" {
		eol = "\n"
	}
	var b strings.Builder
	for i, line := range d.Lines {
		b.WriteString(line)
		if i < len(d.Lines)-1 || d.FinalNewline {
			b.WriteString(eol)
		}
	}
	return []byte(b.String())
}

// Splice replaces the half-open range [start, end) with repl.
// The caller validates the range first.
func (d *Document) Splice(start, end int, repl []string) {
	out := make([]string, 0, len(d.Lines)-(end-start)+len(repl))
	out = append(out, d.Lines[:start]...)
	out = append(out, repl...)
	out = append(out, d.Lines[end:]...)
	d.Lines = out
}
