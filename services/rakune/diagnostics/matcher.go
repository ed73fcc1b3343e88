// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultMarkers are the block markers recognised when none are configured.
var DefaultMarkers = []string{"error"}

// Matcher turns build output into diagnostics.
type Matcher interface {
	Match(output string) []Diagnostic
}

// MatcherFor returns the matcher for a project language.
//
// Go compilers print "path:line:col: message" without a marker, so "go"
// selects GoMatcher. Everything else uses MarkerMatcher with markers, or
// DefaultMarkers when markers is empty.
func MatcherFor(language string, markers []string) Matcher {
	if strings.EqualFold(language, "go") {
		return GoMatcher{}
	}
	return NewMarkerMatcher(markers)
}

// =============================================================================
// Marker Blocks
// =============================================================================

// MarkerMatcher recognises two-part blocks:
//
//	error[E0425]: cannot find value `x` in this scope
//	 --> src/main.rs:2:5
//
// The message runs from the marker to the location line and may span
// several lines. The "-->" prefix on the location is optional.
type MarkerMatcher struct {
	pattern *regexp.Regexp
	head    *regexp.Regexp
}

// NewMarkerMatcher compiles a MarkerMatcher for markers.
func NewMarkerMatcher(markers []string) *MarkerMatcher {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	quoted := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			quoted = append(quoted, regexp.QuoteMeta(m))
		}
	}
	if len(quoted) == 0 {
		quoted = []string{"error"}
	}
	head := `(` + strings.Join(quoted, "|") + `)(?:\[[^\]\n]*\])?: `
	return &MarkerMatcher{
		pattern: regexp.MustCompile(`(?m)^` + head + `([\s\S]*?)\n[ \t]*(?:--> ?)?([^\s:][^:\n]*):(\d+):(\d+)[ \t]*$`),
		head:    regexp.MustCompile(`^` + head + `(.*)$`),
	}
}

// Match implements Matcher.
func (m *MarkerMatcher) Match(output string) []Diagnostic {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	matches := m.pattern.FindAllStringSubmatch(output, -1)
	out := make([]Diagnostic, 0, len(matches))
	for _, g := range matches {
		line, err := strconv.Atoi(g[4])
		if err != nil || line < 1 {
			continue
		}
		col, _ := strconv.Atoi(g[5])
		marker, msg, ok := m.lastHead(g[1], g[2])
		if !ok {
			continue
		}
		out = append(out, Diagnostic{
			Message:  strings.TrimSpace(msg),
			FilePath: strings.TrimSpace(g[3]),
			Line:     line,
			Column:   col,
			Severity: severityFromMarker(marker),
		})
	}
	return out
}

// lastHead drops marker lines that had no location of their own. Without
// it, "error: a\nerror: b\n --> x:1:1" would report "a" with b's location.
// When the location belongs to a block of an unconfigured marker, such as
// a warning or note, there is no diagnostic and ok is false.
func (m *MarkerMatcher) lastHead(marker, msg string) (string, string, bool) {
	lines := strings.Split(msg, "\n")
	for i := len(lines) - 1; i > 0; i-- {
		if g := m.head.FindStringSubmatch(lines[i]); g != nil {
			rest := append([]string{g[2]}, lines[i+1:]...)
			return g[1], strings.Join(rest, "\n"), true
		}
		if blockHead.MatchString(lines[i]) {
			return "", "", false
		}
	}
	return marker, msg, true
}

// blockHead matches the head line of any marker block, configured or not.
var blockHead = regexp.MustCompile(`^[A-Za-z_]\w*(?:\[[^\]\n]*\])?: `)

// =============================================================================
// Go Toolchain
// =============================================================================

var goLocation = regexp.MustCompile(`^(\S[^:\n]*\.go):(\d+)(?::(\d+))?: (.+)$`)

// GoMatcher recognises go build and go vet output:
//
//	# example.com/pkg
//	./main.go:5:2: undefined: x
//
// Tab-indented lines following a match are appended to its message.
type GoMatcher struct{}

// Match implements Matcher.
func (GoMatcher) Match(output string) []Diagnostic {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	var out []Diagnostic
	inBlock := false
	for _, line := range strings.Split(output, "\n") {
		if inBlock && strings.HasPrefix(line, "\t") {
			out[len(out)-1].Message += "\n" + strings.TrimSpace(line)
			continue
		}
		g := goLocation.FindStringSubmatch(line)
		inBlock = false
		if g == nil {
			continue
		}
		n, err := strconv.Atoi(g[2])
		if err != nil || n < 1 {
			continue
		}
		col := 0
		if g[3] != "" {
			col, _ = strconv.Atoi(g[3])
		}
		out = append(out, Diagnostic{
			Message:  strings.TrimSpace(g[4]),
			FilePath: strings.TrimPrefix(g[1], "./"),
			Line:     n,
			Column:   col,
			Severity: SeverityError,
		})
		inBlock = true
	}
	return out
}
