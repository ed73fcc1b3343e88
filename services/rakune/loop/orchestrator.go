// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop drives the edit, build and diagnose cycle until the build
// passes or the attempt budget runs out.
//
// Work is a LIFO stack of comments. Each comment is turned into an oracle
// prompt, the reply is parsed into transformations, the transformations
// are applied and the project is built. A failed build pushes a comment
// derived from its first error, so the newest failure is handled next.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/rakune/pkg/telemetry"
	"github.com/AleutianAI/rakune/services/llm"
	"github.com/AleutianAI/rakune/services/rakune/diagnostics"
	"github.com/AleutianAI/rakune/services/rakune/edit"
	"github.com/AleutianAI/rakune/services/rakune/journal"
	"github.com/AleutianAI/rakune/services/rakune/vcs"
	"github.com/AleutianAI/rakune/services/rakune/workspace"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultMaxAttempts is the build budget per caller comment.
	DefaultMaxAttempts = 5

	// DefaultMaxParseRetries is the number of oracle calls per Generate
	// step before giving up on a parseable reply.
	DefaultMaxParseRetries = 3

	// buildTailLines is how much build output a derived comment carries
	// when no diagnostic was recognised.
	buildTailLines = 40
)

// Config holds the loop's tunables.
type Config struct {
	// MaxAttempts bounds the builds spent on one caller comment and every
	// comment derived from it. Must be at least 1.
	MaxAttempts int

	// MaxParseRetries bounds oracle calls per Generate step. These do not
	// count toward MaxAttempts. Must be at least 1.
	MaxParseRetries int

	// ContextLines is the margin shown around each fragment.
	ContextLines int

	// Commit makes Finalize commit the tree with the summary.
	Commit bool

	// MaxDiffChars bounds the diff sent for summarization.
	MaxDiffChars int

	// Language names the project language in prompts, e.g. "Go".
	Language string
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     DefaultMaxAttempts,
		MaxParseRetries: DefaultMaxParseRetries,
		ContextLines:    DefaultContextLines,
		MaxDiffChars:    DefaultMaxDiffChars,
	}
}

// =============================================================================
// Collaborators
// =============================================================================

// Builder runs the project's lint and build commands once.
type Builder interface {
	Run(ctx context.Context) (*diagnostics.Report, error)
}

// VCS is the version-control surface the loop needs.
type VCS interface {
	Head(ctx context.Context) (*vcs.Revision, error)
	Diff(ctx context.Context, target *vcs.Revision) (string, error)
	Commit(ctx context.Context, message string) (vcs.Revision, error)
	TemporalContext(ctx context.Context, path string, start, end int) ([]string, error)
}

// Applier applies parsed transformations to the workspace.
type Applier interface {
	ApplyAll(ctx context.Context, ts []edit.Transformation) (int, error)
}

// Deps are the loop's collaborators. Oracle, Store, Builder and VCS are
// required.
type Deps struct {
	Oracle  llm.Oracle
	Store   *workspace.Store
	Builder Builder
	VCS     VCS

	// Applier defaults to an edit.Applier over Store.
	Applier Applier

	// Journal, if set, receives one event per stage.
	Journal *journal.Journal

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Result describes a converged run.
type Result struct {
	// RunID identifies the run in the journal. Set even when Run fails.
	RunID string

	// Summary is the oracle's description of the run's diff.
	Summary string

	// Diff is the unified diff against the pre-run snapshot.
	Diff string

	// Revision is the new commit when Config.Commit is set and there was
	// something to commit.
	Revision *vcs.Revision

	// Cycles counts builds across all comments.
	Cycles int

	// Comments counts processed comments, caller and derived.
	Comments int
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs convergence loops.
//
// # Thread Safety
//
// Run is not safe for concurrent use on the same workspace. Callers hold
// the workspace run lock for the duration of a run.
type Orchestrator struct {
	cfg        Config
	oracle     llm.Oracle
	store      *workspace.Store
	builder    Builder
	vcs        VCS
	applier    Applier
	parser     *edit.Parser
	prompter   *Prompter
	assembler  *ContextAssembler
	summarizer *Summarizer
	journal    *journal.Journal
	logger     *slog.Logger
}

// New validates cfg and deps and builds an Orchestrator.
//
// # Outputs
//
//   - *Orchestrator: Ready to Run.
//   - error: Non-nil when a required collaborator is missing or a budget
//     is below 1.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.MaxParseRetries < 1 {
		return nil, fmt.Errorf("max parse retries must be at least 1, got %d", cfg.MaxParseRetries)
	}
	switch {
	case deps.Oracle == nil:
		return nil, errors.New("loop requires an oracle")
	case deps.Store == nil:
		return nil, errors.New("loop requires a workspace store")
	case deps.Builder == nil:
		return nil, errors.New("loop requires a builder")
	case deps.VCS == nil:
		return nil, errors.New("loop requires a version-control client")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	applier := deps.Applier
	if applier == nil {
		applier = edit.NewApplier(deps.Store, edit.WithApplierLogger(logger))
	}

	return &Orchestrator{
		cfg:        cfg,
		oracle:     deps.Oracle,
		store:      deps.Store,
		builder:    deps.Builder,
		vcs:        deps.VCS,
		applier:    applier,
		parser:     edit.NewParser(edit.WithParserLogger(logger)),
		prompter:   NewPrompter(cfg.Language),
		assembler:  NewContextAssembler(deps.Store, cfg.ContextLines, logger),
		summarizer: NewSummarizer(deps.Oracle, cfg.MaxDiffChars, logger),
		journal:    deps.Journal,
		logger:     logger,
	}, nil
}

// Run processes comments until every one of them, and every comment
// derived from their build failures, has been handled with a passing
// build. It then summarizes the diff and optionally commits.
//
// # Description
//
// Caller comments are handled in the order given. Each starts a lineage
// with its own budget of Config.MaxAttempts builds. With no comments, Run
// goes straight to Finalize without building.
//
// # Outputs
//
//   - *Result: Never nil. On error only RunID, Cycles and Comments are
//     meaningful.
//   - error: *StageError matching ErrUnconverged or ErrFatal.
func (o *Orchestrator) Run(ctx context.Context, comments []edit.Comment) (*Result, error) {
	res := &Result{RunID: uuid.NewString()}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "loop.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", res.RunID),
		attribute.Int("comments", len(comments)),
		attribute.Int("max_attempts", o.cfg.MaxAttempts),
	)

	logger := telemetry.LoggerWithRun(ctx, o.logger, res.RunID)
	logger.Info("convergence run started",
		slog.Int("comments", len(comments)),
		slog.Int("max_attempts", o.cfg.MaxAttempts),
	)

	err := o.run(ctx, res, comments)
	recordRun(ctx, time.Since(start), err)
	span.SetAttributes(attribute.Int("cycles", res.Cycles))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, runOutcome(err))
		logger.Error("convergence run failed",
			slog.Int("cycles", res.Cycles),
			slog.String("error", err.Error()),
		)
		return res, err
	}

	logger.Info("convergence run finished",
		slog.Int("cycles", res.Cycles),
		slog.Int("comments", res.Comments),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, res *Result, comments []edit.Comment) error {
	head, err := o.vcs.Head(ctx)
	if err != nil {
		o.record(ctx, journal.Event{RunID: res.RunID, Stage: journal.StageSnapshot, Error: err.Error()})
		return fatal(journal.StageSnapshot, edit.Comment{}, 0, err)
	}

	stack := make([]edit.Comment, 0, len(comments))
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		c.Origin = edit.OriginCaller
		c.Lineage = uuid.NewString()
		stack = append(stack, c)
	}
	used := make(map[string]int)

	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		res.Comments++

		derived, serr := o.cycle(ctx, res, c, used)
		if serr != nil {
			return serr
		}
		if derived != nil {
			stack = append(stack, *derived)
		}
	}

	if err := ctx.Err(); err != nil {
		return fatal(journal.StageFinalize, edit.Comment{}, 0, err)
	}
	if serr := o.finalize(ctx, res, head); serr != nil {
		return serr
	}
	return nil
}

// cycle runs Generate, Apply and Build for one comment. It returns the
// derived comment when the build failed and budget remains.
func (o *Orchestrator) cycle(ctx context.Context, res *Result, c edit.Comment, used map[string]int) (*edit.Comment, *StageError) {
	cycle := used[c.Lineage]

	if err := ctx.Err(); err != nil {
		return nil, fatal(journal.StageGenerate, c, cycle, err)
	}
	ts, serr := o.generate(ctx, res.RunID, c, cycle)
	if serr != nil {
		return nil, serr
	}

	if err := ctx.Err(); err != nil {
		return nil, fatal(journal.StageApply, c, cycle, err)
	}
	start := time.Now()
	n, err := o.applier.ApplyAll(ctx, ts)
	o.record(ctx, journal.Event{
		RunID:           res.RunID,
		Cycle:           cycle + 1,
		Stage:           journal.StageApply,
		Lineage:         c.Lineage,
		Comment:         firstLine(c.Message),
		Transformations: n,
		Duration:        time.Since(start),
		Error:           errString(err),
	})
	if err != nil {
		return nil, fatal(journal.StageApply, c, cycle, err)
	}
	for _, t := range ts {
		o.logger.Debug("applied transformation", slog.String("run_id", res.RunID), slog.String("edit", edit.Describe(t)))
	}

	if err := ctx.Err(); err != nil {
		return nil, fatal(journal.StageBuild, c, cycle, err)
	}
	start = time.Now()
	report, err := o.builder.Run(ctx)
	if err != nil {
		o.record(ctx, journal.Event{
			RunID: res.RunID, Cycle: cycle + 1, Stage: journal.StageBuild, Lineage: c.Lineage,
			Comment: firstLine(c.Message), Duration: time.Since(start), Error: err.Error(),
		})
		return nil, fatal(journal.StageBuild, c, cycle, err)
	}

	cycle++
	used[c.Lineage] = cycle
	res.Cycles++
	recordCycle(ctx, report.Passed())

	errs := report.Errors()
	o.record(ctx, journal.Event{
		RunID:       res.RunID,
		Cycle:       cycle,
		Stage:       journal.StageBuild,
		Lineage:     c.Lineage,
		Comment:     firstLine(c.Message),
		Diagnostics: len(errs),
		Duration:    time.Since(start),
	})

	if report.Passed() {
		o.logger.Info("build passed",
			slog.String("run_id", res.RunID),
			slog.Int("cycle", cycle),
			slog.String("origin", c.Origin.String()),
		)
		return nil, nil
	}

	o.logger.Warn("build failed",
		slog.String("run_id", res.RunID),
		slog.Int("cycle", cycle),
		slog.Int("exit_code", report.ExitCode),
		slog.Int("errors", len(errs)),
	)
	if cycle >= o.cfg.MaxAttempts {
		return nil, &StageError{
			Stage:       journal.StageBuild,
			Kind:        KindUnconverged,
			Comment:     c,
			Cycle:       cycle,
			Diagnostics: errs,
			Err:         fmt.Errorf("build still failing after %d of %d attempts: %s", cycle, o.cfg.MaxAttempts, failureHeadline(report)),
		}
	}
	derived := o.derive(c, report)
	return &derived, nil
}

// generate prompts the oracle until a reply parses, at most
// MaxParseRetries times.
func (o *Orchestrator) generate(ctx context.Context, runID string, c edit.Comment, cycle int) ([]edit.Transformation, *StageError) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "loop.generate")
	defer span.End()

	spatial, err := o.assembler.All(ctx, c)
	if err != nil {
		return nil, o.generateFailed(ctx, runID, c, cycle, 0, start, fatal(journal.StageGenerate, c, cycle, err))
	}
	var temporal []string
	for _, f := range c.Fragments {
		lines, err := o.vcs.TemporalContext(ctx, f.FilePath, f.Start, f.End)
		if err != nil {
			return nil, o.generateFailed(ctx, runID, c, cycle, 0, start, fatal(journal.StageGenerate, c, cycle, err))
		}
		temporal = append(temporal, lines...)
	}
	prompt := o.prompter.Instruction(c.Message, temporal, spatial)

	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxParseRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, o.generateFailed(ctx, runID, c, cycle, attempt-1, start, fatal(journal.StageGenerate, c, cycle, err))
		}
		reply, err := o.oracle.Prompt(ctx, prompt)
		if err != nil {
			return nil, o.generateFailed(ctx, runID, c, cycle, attempt, start, fatal(journal.StageGenerate, c, cycle, err))
		}
		ts, err := o.parser.Parse(reply)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt), attribute.Int("transformations", len(ts)))
			o.record(ctx, journal.Event{
				RunID:           runID,
				Cycle:           cycle + 1,
				Stage:           journal.StageGenerate,
				Lineage:         c.Lineage,
				Comment:         firstLine(c.Message),
				Transformations: len(ts),
				Attempts:        attempt,
				Duration:        time.Since(start),
			})
			return ts, nil
		}
		lastErr = err
		recordParseRetry(ctx)
		o.logger.Warn("oracle reply did not parse",
			slog.String("run_id", runID),
			slog.Int("attempt", attempt),
			slog.Int("max", o.cfg.MaxParseRetries),
			slog.String("error", err.Error()),
		)
	}

	serr := &StageError{Stage: journal.StageGenerate, Kind: KindUnconverged, Comment: c, Cycle: cycle, Err: lastErr}
	return nil, o.generateFailed(ctx, runID, c, cycle, o.cfg.MaxParseRetries, start, serr)
}

func (o *Orchestrator) generateFailed(ctx context.Context, runID string, c edit.Comment, cycle, attempts int, start time.Time, serr *StageError) *StageError {
	o.record(ctx, journal.Event{
		RunID:    runID,
		Cycle:    cycle + 1,
		Stage:    journal.StageGenerate,
		Lineage:  c.Lineage,
		Comment:  firstLine(c.Message),
		Attempts: attempts,
		Duration: time.Since(start),
		Error:    errString(serr.Err),
	})
	return serr
}

// derive wraps the first error of a failed build into a comment of the
// same lineage. Diagnostics that cannot be placed in the workspace keep
// their location in the message instead of as a fragment.
func (o *Orchestrator) derive(parent edit.Comment, r *diagnostics.Report) edit.Comment {
	c := edit.Comment{Origin: edit.OriginDiagnostic, Lineage: parent.Lineage}

	errs := r.Errors()
	if len(errs) == 0 {
		c.Message = templateBuildOutput(r.Tail(buildTailLines))
		return c
	}

	d := errs[0]
	if f, ok := o.place(d); ok {
		c.Message = TemplateDebug(d)
		c.Fragments = []edit.Fragment{f}
		return c
	}
	c.Message = TemplateDebug(diagnostics.Diagnostic{Message: d.String()})
	return c
}

// place maps d onto a fragment of its file's current contents. Tools
// report errors at end of file one line past the last, which becomes the
// empty span at EOF. Any other line outside the file, or a file outside
// the workspace, cannot be placed.
func (o *Orchestrator) place(d diagnostics.Diagnostic) (edit.Fragment, bool) {
	if ok, err := o.store.Exists(d.FilePath); err != nil || !ok {
		o.logger.Debug("diagnostic outside workspace", slog.String("path", d.FilePath))
		return edit.Fragment{}, false
	}
	doc, err := o.store.ReadDocument(d.FilePath)
	if err != nil {
		o.logger.Debug("diagnostic file unreadable",
			slog.String("path", d.FilePath),
			slog.String("error", err.Error()))
		return edit.Fragment{}, false
	}

	n := doc.Len()
	switch {
	case d.Line >= 1 && d.Line <= n:
		return d.Fragment(), true
	case d.Line == n+1:
		return edit.Fragment{FilePath: d.FilePath, Start: n, End: n}, true
	default:
		o.logger.Debug("diagnostic line outside file",
			slog.String("path", d.FilePath),
			slog.Int("line", d.Line),
			slog.Int("lines", n))
		return edit.Fragment{}, false
	}
}

// finalize diffs against the pre-run snapshot, summarizes and commits.
func (o *Orchestrator) finalize(ctx context.Context, res *Result, head *vcs.Revision) *StageError {
	start := time.Now()
	diff, err := o.vcs.Diff(ctx, head)
	if err != nil {
		return fatal(journal.StageFinalize, edit.Comment{}, 0, err)
	}
	res.Diff = diff

	summary, err := o.summarizer.Summarize(ctx, diff)
	o.record(ctx, journal.Event{
		RunID:    res.RunID,
		Stage:    journal.StageFinalize,
		Comment:  summary,
		Duration: time.Since(start),
		Error:    errString(err),
	})
	if err != nil {
		return fatal(journal.StageFinalize, edit.Comment{}, 0, err)
	}
	res.Summary = summary
	o.logger.Info("run summarized",
		slog.String("run_id", res.RunID),
		slog.String("diff", describeDiff(diff)),
		slog.String("summary", summary),
	)

	if !o.cfg.Commit {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fatal(journal.StageCommit, edit.Comment{}, 0, err)
	}
	start = time.Now()
	rev, err := o.vcs.Commit(ctx, summary)
	switch {
	case errors.Is(err, vcs.ErrNothingToCommit):
		o.logger.Info("nothing to commit", slog.String("run_id", res.RunID))
		err = nil
	case err == nil:
		res.Revision = &rev
	}
	o.record(ctx, journal.Event{
		RunID:    res.RunID,
		Stage:    journal.StageCommit,
		Comment:  rev.Short(),
		Duration: time.Since(start),
		Error:    errString(err),
	})
	if err != nil {
		return fatal(journal.StageCommit, edit.Comment{}, 0, err)
	}
	return nil
}

// record writes ev to the journal when there is one. Journal failures are
// logged and otherwise ignored.
func (o *Orchestrator) record(ctx context.Context, ev journal.Event) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Record(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("journal write failed", slog.String("stage", string(ev.Stage)), slog.String("error", err.Error()))
	}
}

func failureHeadline(r *diagnostics.Report) string {
	if errs := r.Errors(); len(errs) > 0 {
		return firstLine(errs[0].String())
	}
	return fmt.Sprintf("exit status %d", r.ExitCode)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
