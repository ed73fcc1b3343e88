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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds a single lint or build run.
const DefaultTimeout = 5 * time.Minute

// waitDelay is how long Run waits for output pipes after the process is
// killed. Child processes of a shell may keep them open.
const waitDelay = 2 * time.Second

// Config describes the commands an Extractor runs.
type Config struct {
	// Build is the build command vector. Required.
	Build []string

	// Lint is an optional formatter/linter run before every build.
	Lint []string

	// Dir is the working directory, normally the workspace root.
	Dir string

	// Timeout bounds each command. Zero means DefaultTimeout.
	Timeout time.Duration

	// Matcher parses build output. Nil means MarkerMatcher with
	// DefaultMarkers.
	Matcher Matcher
}

// Extractor runs the build and turns its output into diagnostics.
//
// # Thread Safety
//
// Safe for concurrent use, but concurrent builds of one tree are not
// meaningful.
type Extractor struct {
	cfg    Config
	logger *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// NewExtractor creates an Extractor.
//
// Outputs:
//
//	*Extractor - The extractor.
//	error - ErrEmptyCommand if cfg.Build has no program.
func NewExtractor(cfg Config, opts ...Option) (*Extractor, error) {
	if len(cfg.Build) == 0 || strings.TrimSpace(cfg.Build[0]) == "" {
		return nil, NewCommandError(cfg.Build, ErrEmptyCommand)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Matcher == nil {
		cfg.Matcher = NewMarkerMatcher(nil)
	}
	e := &Extractor{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run runs the lint command, if any, and then the build.
//
// Description:
//
//	A lint failure is logged and otherwise ignored; formatters only
//	rewrite files. The build's Report is returned whether it passed or
//	not. A failed build with no recognisable blocks yields a Report with
//	an empty Diagnostics slice, and callers must handle that case.
//
// Inputs:
//
//	ctx - Cancels the commands.
//
// Outputs:
//
//	*Report - The build outcome.
//	error - *CommandError if a command could not be run or timed out.
func (e *Extractor) Run(ctx context.Context) (*Report, error) {
	if len(e.cfg.Lint) > 0 {
		e.Lint(ctx)
	}
	return e.Build(ctx)
}

// Lint runs the lint command and reports whether it exited cleanly.
func (e *Extractor) Lint(ctx context.Context) bool {
	if len(e.cfg.Lint) == 0 {
		return true
	}
	res, err := e.exec(ctx, e.cfg.Lint)
	if err != nil {
		e.logger.Warn("lint command failed",
			slog.String("command", strings.Join(e.cfg.Lint, " ")),
			slog.String("error", err.Error()),
		)
		return false
	}
	if res.exitCode != 0 {
		e.logger.Warn("lint command exited non-zero",
			slog.String("command", strings.Join(e.cfg.Lint, " ")),
			slog.Int("exit_code", res.exitCode),
		)
		return false
	}
	return true
}

// Build runs the build command once and extracts its diagnostics.
func (e *Extractor) Build(ctx context.Context) (*Report, error) {
	ctx, span := startBuildSpan(ctx, e.cfg.Build)
	defer span.End()

	res, err := e.exec(ctx, e.cfg.Build)
	if err != nil {
		span.RecordError(err)
		recordBuildMetrics(ctx, 0, 0, "error")
		return nil, err
	}

	report := &Report{
		Command:  e.cfg.Build,
		ExitCode: res.exitCode,
		Stdout:   res.stdout,
		Stderr:   res.stderr,
		Duration: res.duration,
	}
	if !report.Passed() {
		report.Diagnostics = e.relativize(e.cfg.Matcher.Match(report.Output()))
	}
	if report.Diagnostics == nil {
		report.Diagnostics = []Diagnostic{}
	}

	outcome := "passed"
	if !report.Passed() {
		outcome = "failed"
	}
	setBuildSpanResult(span, report)
	recordBuildMetrics(ctx, report.Duration, len(report.Diagnostics), outcome)

	e.logger.Debug("build completed",
		slog.String("command", strings.Join(e.cfg.Build, " ")),
		slog.Int("exit_code", report.ExitCode),
		slog.Int("diagnostics", len(report.Diagnostics)),
		slog.Duration("duration", report.Duration),
	)
	return report, nil
}

type execResult struct {
	exitCode int
	stdout   string
	stderr   string
	duration time.Duration
}

// exec runs argv with no stdin and captures both streams. A non-zero exit
// is a result, not an error.
func (e *Extractor) exec(ctx context.Context, argv []string) (*execResult, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, NewCommandError(argv, ErrEmptyCommand)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.Dir = e.cfg.Dir
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, NewCommandError(argv, ErrCommandTimeout).WithOutput(stderr.String())
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &execResult{
		stdout:   stdout.String(),
		stderr:   stderr.String(),
		duration: elapsed,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, NewCommandError(argv, fmt.Errorf("%w: %v", ErrCommandFailed, err)).
				WithOutput(stderr.String())
		}
		res.exitCode = exitErr.ExitCode()
	}
	return res, nil
}

// relativize rewrites absolute diagnostic paths under Dir to be relative
// to it, so they resolve through the workspace store.
func (e *Extractor) relativize(ds []Diagnostic) []Diagnostic {
	if e.cfg.Dir == "" {
		return ds
	}
	root, err := filepath.Abs(e.cfg.Dir)
	if err != nil {
		return ds
	}
	for i, d := range ds {
		if !filepath.IsAbs(d.FilePath) {
			ds[i].FilePath = filepath.ToSlash(filepath.Clean(d.FilePath))
			continue
		}
		if rel, err := filepath.Rel(root, d.FilePath); err == nil && !strings.HasPrefix(rel, "..") {
			ds[i].FilePath = filepath.ToSlash(rel)
		}
	}
	return ds
}
