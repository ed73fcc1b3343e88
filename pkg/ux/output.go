// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders rakune's command output.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style
	Header   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
	Header: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes styled output. Results go to Out, problems to Err.
//
// In machine mode every line is plain text with a stable prefix, so
// scripts can parse it.
type Printer struct {
	Out   io.Writer
	Err   io.Writer
	Level PersonalityLevel
}

func (p *Printer) machine() bool {
	return p.Level == PersonalityMachine
}

// Title prints a styled title
func (p *Printer) Title(text string) {
	if p.machine() {
		return
	}
	fmt.Fprintln(p.Out, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	switch p.Level {
	case PersonalityMachine:
		fmt.Fprintf(p.Out, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.Out, "%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Fprintf(p.Out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	switch p.Level {
	case PersonalityMachine:
		fmt.Fprintf(p.Err, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.Err, "%s %s\n", IconWarning.Render(), text)
	default:
		fmt.Fprintf(p.Err, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func (p *Printer) Error(text string) {
	switch p.Level {
	case PersonalityMachine:
		fmt.Fprintf(p.Err, "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.Err, "%s %s\n", IconError.Render(), text)
	default:
		fmt.Fprintf(p.Err, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	if p.machine() {
		fmt.Fprintln(p.Out, text)
		return
	}
	fmt.Fprintf(p.Out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text. Machine mode drops it.
func (p *Printer) Muted(text string) {
	if p.machine() {
		return
	}
	fmt.Fprintln(p.Out, Styles.Muted.Render(text))
}

// Box prints text in a rounded box
func (p *Printer) Box(title, content string) {
	if p.machine() {
		fmt.Fprintf(p.Out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.Out, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}

// ErrorBox prints a failure with its detail in a red box on Err.
func (p *Printer) ErrorBox(title, content string) {
	if p.machine() {
		fmt.Fprintf(p.Err, "ERROR %s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.Err, Styles.ErrorBox.Width(72).Render(Styles.Error.Bold(true).Render(title)+"\n"+content))
}

// Table prints rows under headers. Machine mode emits tab-separated
// lines with no header.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.machine() {
		for _, r := range rows {
			fmt.Fprintln(p.Out, strings.Join(r, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(p.Out, t.Render())
}

// KeyValue prints aligned "key: value" pairs.
func (p *Printer) KeyValue(pairs [][2]string) {
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}
	for _, kv := range pairs {
		if p.machine() {
			fmt.Fprintf(p.Out, "%s=%s\n", kv[0], kv[1])
			continue
		}
		key := fmt.Sprintf("%-*s", width, kv[0])
		fmt.Fprintf(p.Out, "%s  %s\n", Styles.Muted.Render(key), kv[1])
	}
}
