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
	"fmt"
	"strings"

	"github.com/AleutianAI/rakune/services/rakune/diagnostics"
)

// =============================================================================
// Prompt Templates
// =============================================================================

const editTemplate = "Please use the following template to describe where to update the code:\n" +
	"\n" +
	"```\n" +
	"UpdateFragment:\n" +
	"    filepath: the path to the file being changed (string)\n" +
	"    start_line: the first line to replace, counting from 0 (int)\n" +
	"    end_line: the line after the last line to replace (int)\n" +
	"    content: the code to put in place of those lines (string)\n" +
	"```\n" +
	"\n" +
	"end_line is exclusive: start_line 3 and end_line 4 replace line 3 only, and equal values insert before start_line.\n" +
	"\n" +
	"When a line edit does not fit, you may instead use one of:\n" +
	"    CreateFile: path\n" +
	"    DeleteFile: path\n" +
	"    MoveFile: old, new\n" +
	"    RenameSymbol: old, new\n" +
	"    InsertFragment: filepath, line_no, content\n" +
	"\n" +
	"Do NOT provide any extra content beyond this template.\n"

const editExamples = "## Here are a couple of examples:\n" +
	"\n" +
	"Update the function foo to print \"hello!\"\n" +
	"\n" +
	">>>>\n" +
	"0 fn foo() {\n" +
	"1     println!(\"chili dogs\")\n" +
	"2 }\n" +
	"<<<<\n" +
	"\n" +
	"```\n" +
	"UpdateFragment:\n" +
	"    filepath: src/hello.rs\n" +
	"    start_line: 1\n" +
	"    end_line: 2\n" +
	"    content:     println!(\"hello!\")\n" +
	"```\n" +
	"\n" +
	"---\n" +
	"\n" +
	"Remove the unneeded code in add_5().\n" +
	"\n" +
	">>>>\n" +
	"0 fn add_5(x: u8) -> u8 {\n" +
	"1   let ans = x + 5;\n" +
	"2   return ans;\n" +
	"3 }\n" +
	"<<<<\n" +
	"\n" +
	"```\n" +
	"UpdateFragment:\n" +
	"    filepath: src/addition.rs\n" +
	"    start_line: 1\n" +
	"    end_line: 3\n" +
	"    content:   return x + 5;\n" +
	"```\n"

const contextHeader = "\n### Here is the current context:\n"

// Prompter renders the prompts the loop sends to the oracle.
//
// # Thread Safety
//
// Immutable after creation; safe for concurrent use.
type Prompter struct {
	language string
}

// NewPrompter creates a Prompter for the project language, e.g. "Go". An
// empty language drops the language from the preamble.
func NewPrompter(language string) *Prompter {
	return &Prompter{language: strings.TrimSpace(language)}
}

// TemplateCode returns the edit-request prompt for msg, without context.
func (p *Prompter) TemplateCode(msg string) string {
	var b strings.Builder
	if p.language != "" {
		fmt.Fprintf(&b, "You are a %s programmer. %s\n\n", p.language, msg)
	} else {
		fmt.Fprintf(&b, "You are a programmer. %s\n\n", msg)
	}
	b.WriteString(editTemplate)
	b.WriteString("\n")
	b.WriteString(editExamples)
	return b.String()
}

// Instruction combines the edit request with assembled context. The
// context header is only added when there is context to show.
//
// Inputs:
//
//	msg - The comment message.
//	temporal - Historical context lines, usually empty.
//	spatial - One rendered block per fragment, from Context.Spatial.
//
// Outputs:
//
//	string - The full prompt.
func (p *Prompter) Instruction(msg string, temporal, spatial []string) string {
	prompt := p.TemplateCode(msg)
	if len(temporal) == 0 && len(spatial) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString(contextHeader)
	for _, c := range temporal {
		b.WriteString("\n")
		b.WriteString(c)
	}
	for _, c := range spatial {
		b.WriteString("\n")
		b.WriteString(c)
	}
	return b.String()
}

// TemplateDebug turns a build diagnostic into a comment message.
func TemplateDebug(d diagnostics.Diagnostic) string {
	return "fix this build error:\n\n" + d.Message
}

// templateBuildOutput is the comment message for a failed build whose
// output held no recognisable diagnostics.
func templateBuildOutput(tail string) string {
	return "the build failed without a recognisable error. Fix what this output describes:\n\n" + tail
}

// SummaryPrompt asks for a short commit message describing diff.
func SummaryPrompt(diff string) string {
	return "summarize the following diff as a commit message in less than 20 words:\n\n" + diff
}
