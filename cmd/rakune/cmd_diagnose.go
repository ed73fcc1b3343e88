// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/rakune/services/rakune/diagnostics"
)

// errBuildFailed is returned by diagnose when the build does not pass.
var errBuildFailed = errors.New("build failed")

var diagnosticHeaders = []string{"file", "line", "col", "severity", "message"}

func newDiagnoseCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Run lint and build once and list the diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDiagnose(cmd, g)
		},
	}
}

func runDiagnose(cmd *cobra.Command, g *globalFlags) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd, g)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	ex, err := s.extractor()
	if err != nil {
		return err
	}
	s.printer.Muted("$ " + strings.Join(s.build, " "))

	report, err := ex.Run(ctx)
	if err != nil {
		return err
	}
	if len(report.Diagnostics) > 0 {
		s.printer.Table(diagnosticHeaders, diagnosticRows(report.Diagnostics))
	}
	if report.Passed() {
		s.printer.Success(fmt.Sprintf("build passed in %s", report.Duration.Round(time.Millisecond)))
		return nil
	}
	if len(report.Errors()) == 0 {
		s.printer.Warning("build failed without a recognisable error; last output:")
		s.printer.Info(report.Tail(20))
	}
	err = fmt.Errorf("%w: exit status %d, %d errors", errBuildFailed, report.ExitCode, len(report.Errors()))
	s.printer.Error(err.Error())
	return &reportedError{err: err}
}

func diagnosticRows(ds []diagnostics.Diagnostic) [][]string {
	rows := make([][]string, 0, len(ds))
	for _, d := range ds {
		rows = append(rows, []string{
			d.FilePath,
			strconv.Itoa(d.Line),
			strconv.Itoa(d.Column),
			d.Severity.String(),
			firstLine(d.Message),
		})
	}
	return rows
}

// firstLine returns the first line of s, shortened for a table cell.
func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if len(line) > 72 {
		return line[:69] + "..."
	}
	return line
}
