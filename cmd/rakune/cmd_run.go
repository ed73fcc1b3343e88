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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/rakune/cmd/rakune/config"
	"github.com/AleutianAI/rakune/services/llm"
	"github.com/AleutianAI/rakune/services/rakune/edit"
	"github.com/AleutianAI/rakune/services/rakune/journal"
	"github.com/AleutianAI/rakune/services/rakune/loop"
	"github.com/AleutianAI/rakune/services/rakune/vcs"
	"github.com/AleutianAI/rakune/services/rakune/workspace"
)

// runFlags are the flags of `rakune run`.
type runFlags struct {
	files       []string
	starts      []int
	ends        []int
	maxAttempts int
	commit      bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] <instruction>",
		Short: "Apply an instruction and iterate until the project builds",
		Long: `Sends the instruction to the model, applies the edits it proposes and
runs the build. Build errors become new instructions until the build
passes or --max-attempts builds have failed.

Anchor the instruction to code with --file/--start/--end. Lines are
zero-based and --end is exclusive, so --start 3 --end 4 is the fourth
line. Without --end an anchor covers the single line at --start.`,
		Example: `  rakune run "add a greeting to main" --file src/main.rs --start 0 --end 3
  rakune run --commit "rename Parse to ParseAll"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConverge(cmd, g, f, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringArrayVar(&f.files, "file", nil, "file the instruction is anchored to (repeatable)")
	cmd.Flags().IntSliceVar(&f.starts, "start", nil, "first anchored line, zero-based (one per --file)")
	cmd.Flags().IntSliceVar(&f.ends, "end", nil, "line after the last anchored line (one per --file)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "builds allowed per instruction (default from config)")
	cmd.Flags().BoolVar(&f.commit, "commit", false, "commit the result with the generated summary")
	return cmd
}

// anchors pairs the repeatable --file, --start and --end flags.
func (f *runFlags) anchors() ([]edit.Fragment, error) {
	if len(f.files) != len(f.starts) {
		return nil, usageErrorf("%d --file flags but %d --start flags", len(f.files), len(f.starts))
	}
	if len(f.ends) != 0 && len(f.ends) != len(f.files) {
		return nil, usageErrorf("%d --file flags but %d --end flags", len(f.files), len(f.ends))
	}
	frags := make([]edit.Fragment, 0, len(f.files))
	for i, path := range f.files {
		start := f.starts[i]
		end := start + 1
		if len(f.ends) > 0 {
			end = f.ends[i]
		}
		if start < 0 || end < start {
			return nil, usageErrorf("invalid range [%d, %d) for %s", start, end, path)
		}
		frags = append(frags, edit.Fragment{FilePath: path, Start: start, End: end})
	}
	return frags, nil
}

func runConverge(cmd *cobra.Command, g *globalFlags, f *runFlags, instruction string) error {
	frags, err := f.anchors()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, cmd, g)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	if f.maxAttempts > 0 {
		s.cfg.Loop.MaxAttempts = f.maxAttempts
	}
	if f.commit {
		s.cfg.Loop.Commit = true
	}
	if err := s.startTelemetry(ctx, version); err != nil {
		return err
	}

	orch, cleanup, err := s.orchestrator(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res, runErr := orch.Run(ctx, []edit.Comment{edit.NewComment(instruction, frags...)})
	if g.verbose {
		s.printJournal(ctx, res.RunID)
	}
	if runErr != nil {
		s.printFailure(runErr)
		return &reportedError{err: runErr}
	}

	s.printer.Box("Summary", res.Summary)
	rows := [][2]string{
		{"run", res.RunID},
		{"cycles", strconv.Itoa(res.Cycles)},
		{"comments", strconv.Itoa(res.Comments)},
	}
	if res.Revision != nil {
		rows = append(rows, [2]string{"revision", res.Revision.Short()})
	}
	s.printer.KeyValue(rows)
	s.printer.Success("build passes")
	return nil
}

// orchestrator wires the loop's collaborators: run lock, watcher, oracle,
// build, git and journal. cleanup releases them.
func (s *session) orchestrator(ctx context.Context) (*loop.Orchestrator, func(), error) {
	var undo []func()
	cleanup := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
	fail := func(err error) (*loop.Orchestrator, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	lock, err := workspace.AcquireRunLock(ctx, s.store.Root(), s.cfg.Workspace.LockTimeout)
	if err != nil {
		return fail(err)
	}
	undo = append(undo, func() { _ = lock.Release() })

	if s.cfg.Workspace.Watch {
		w, err := workspace.NewWatcher(s.store,
			workspace.WithWatcherLogger(s.logger),
			workspace.WithOnChange(func(c workspace.ExternalChange) {
				s.printer.Warning(fmt.Sprintf("%s changed outside rakune (%s)", c.Path, c.Op))
			}),
		)
		if err != nil {
			return fail(fmt.Errorf("start watcher: %w", err))
		}
		w.Start(ctx)
		undo = append(undo, func() { _ = w.Stop() })
	}

	oc := s.cfg.Oracle
	oracle, err := llm.NewFromConfig(llm.Config{
		Backend:           oc.Backend,
		Model:             oc.Model,
		BaseURL:           oc.BaseURL,
		APIKey:            oc.APIKey,
		Timeout:           oc.Timeout,
		Temperature:       oc.Temperature,
		RequestsPerMinute: oc.RequestsPerMinute,
	}, s.logger)
	if err != nil {
		return fail(fmt.Errorf("%w: oracle: %v", config.ErrInvalid, err))
	}

	builder, err := s.extractor()
	if err != nil {
		return fail(fmt.Errorf("%w: build: %v", config.ErrInvalid, err))
	}

	git, err := vcs.NewGitClient(s.store.Root(), s.cfg.Workspace.GitTimeout, vcs.WithLogger(s.logger))
	if err != nil {
		return fail(err)
	}
	if !git.IsRepository(ctx) {
		return fail(fmt.Errorf("%w: %s is not inside a git work tree", config.ErrInvalid, s.store.Root()))
	}

	j, err := journal.Open(nil)
	if err != nil {
		return fail(err)
	}
	undo = append(undo, func() { _ = j.Close() })
	s.journal = j

	lc := s.cfg.Loop
	orch, err := loop.New(loop.Config{
		MaxAttempts:     lc.MaxAttempts,
		MaxParseRetries: lc.MaxParseRetries,
		ContextLines:    lc.ContextLines,
		Commit:          lc.Commit,
		MaxDiffChars:    lc.MaxDiffChars,
		Language:        s.language,
	}, loop.Deps{
		Oracle:  oracle,
		Store:   s.store,
		Builder: builder,
		VCS:     git,
		Applier: edit.NewApplier(s.store, edit.WithApplierLogger(s.logger)),
		Journal: j,
		Logger:  s.logger,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: %v", config.ErrInvalid, err))
	}
	return orch, cleanup, nil
}

// printFailure renders a run error and, for build failures, the
// diagnostics that were left.
func (s *session) printFailure(err error) {
	var se *loop.StageError
	if !errors.As(err, &se) {
		s.printer.ErrorBox("Run failed", err.Error())
		return
	}
	title := fmt.Sprintf("%s at %s", se.Kind, se.Stage)
	s.printer.ErrorBox(title, err.Error())
	if len(se.Diagnostics) > 0 {
		s.printer.Table(diagnosticHeaders, diagnosticRows(se.Diagnostics))
	}
}

func (s *session) printJournal(ctx context.Context, runID string) {
	if s.journal == nil || runID == "" {
		return
	}
	events, err := s.journal.Events(runID)
	if err != nil {
		s.logger.WarnContext(ctx, "read journal", "error", err)
		return
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			strconv.Itoa(ev.Cycle),
			string(ev.Stage),
			firstLine(ev.Comment),
			strconv.Itoa(ev.Transformations),
			strconv.Itoa(ev.Diagnostics),
			ev.Duration.Round(time.Millisecond).String(),
			ev.Error,
		})
	}
	s.printer.Table([]string{"cycle", "stage", "comment", "edits", "diagnostics", "took", "error"}, rows)
}
