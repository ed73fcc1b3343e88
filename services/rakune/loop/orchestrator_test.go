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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/rakune/services/llm"
	"github.com/AleutianAI/rakune/services/rakune/diagnostics"
	"github.com/AleutianAI/rakune/services/rakune/edit"
	"github.com/AleutianAI/rakune/services/rakune/journal"
	"github.com/AleutianAI/rakune/services/rakune/vcs"
	"github.com/AleutianAI/rakune/services/rakune/workspace"
)

// =============================================================================
// Stubs
// =============================================================================

const summaryReply = "Replace the second line and fix the build."

// stubOracle answers summary prompts with summaryReply and edit prompts
// from a script. The last scripted reply repeats.
type stubOracle struct {
	mu      sync.Mutex
	script  []string
	err     error
	prompts []string
	summary string
}

func (o *stubOracle) Prompt(_ context.Context, prompt string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prompts = append(o.prompts, prompt)
	if strings.HasPrefix(prompt, "summarize the following diff") {
		if o.summary != "" {
			return o.summary, nil
		}
		return summaryReply, nil
	}
	if o.err != nil {
		return "", o.err
	}
	n := len(o.editPromptsLocked()) - 1
	if n >= len(o.script) {
		n = len(o.script) - 1
	}
	return o.script[n], nil
}

func (o *stubOracle) editPromptsLocked() []string {
	var out []string
	for _, p := range o.prompts {
		if !strings.HasPrefix(p, "summarize the following diff") {
			out = append(out, p)
		}
	}
	return out
}

func (o *stubOracle) editPrompts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.editPromptsLocked()
}

// stubBuilder replays reports. The last report repeats.
type stubBuilder struct {
	reports []*diagnostics.Report
	err     error
	calls   int
}

func (b *stubBuilder) Run(context.Context) (*diagnostics.Report, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	i := b.calls - 1
	if i >= len(b.reports) {
		i = len(b.reports) - 1
	}
	return b.reports[i], nil
}

type stubVCS struct {
	head      *vcs.Revision
	diff      string
	commitErr error
	commits   []string
	diffedAt  []*vcs.Revision
}

func (v *stubVCS) Head(context.Context) (*vcs.Revision, error) { return v.head, nil }

func (v *stubVCS) Diff(_ context.Context, target *vcs.Revision) (string, error) {
	v.diffedAt = append(v.diffedAt, target)
	return v.diff, nil
}

func (v *stubVCS) Commit(_ context.Context, message string) (vcs.Revision, error) {
	if v.commitErr != nil {
		return "", v.commitErr
	}
	v.commits = append(v.commits, message)
	return vcs.Revision("0123456789abcdef"), nil
}

func (v *stubVCS) TemporalContext(context.Context, string, int, int) ([]string, error) {
	return nil, nil
}

func passing() *diagnostics.Report {
	return &diagnostics.Report{ExitCode: 0, Diagnostics: []diagnostics.Diagnostic{}}
}

func failing(path string, line int, msg string) *diagnostics.Report {
	return &diagnostics.Report{
		ExitCode: 101,
		Diagnostics: []diagnostics.Diagnostic{
			{Message: msg, FilePath: path, Line: line, Column: 1, Severity: diagnostics.SeverityError},
		},
		Stderr: fmt.Sprintf("error: %s\n --> %s:%d:1\n", msg, path, line),
	}
}

func updateReply(path string, start, end int, content string) string {
	return fmt.Sprintf("```\nUpdateFragment:\n    filepath: %s\n    start_line: %d\n    end_line: %d\n    content: %s\n```\n",
		path, start, end, content)
}

type fixture struct {
	root    string
	oracle  *stubOracle
	builder *stubBuilder
	vcs     *stubVCS
	journal *journal.Journal
}

func newFixture(t *testing.T, replies []string, reports ...*diagnostics.Report) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\nthree\n"), 0644))

	j, err := journal.Open(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	if len(reports) == 0 {
		reports = []*diagnostics.Report{passing()}
	}
	return &fixture{
		root:    dir,
		oracle:  &stubOracle{script: replies},
		builder: &stubBuilder{reports: reports},
		vcs:     &stubVCS{diff: "diff --git a/a.txt b/a.txt\n"},
		journal: j,
	}
}

func (f *fixture) orchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	store, err := workspace.NewStore(f.root)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Language = "Go"
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg, Deps{
		Oracle:  f.oracle,
		Store:   store,
		Builder: f.builder,
		VCS:     f.vcs,
		Journal: f.journal,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) file(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, "a.txt"))
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// Convergence
// =============================================================================

func TestRun_ConvergesWithinTwoCycles(t *testing.T) {
	f := newFixture(t,
		[]string{
			updateReply("a.txt", 1, 2, "TWO("),
			updateReply("a.txt", 1, 2, "TWO"),
		},
		failing("a.txt", 2, "unclosed delimiter"),
		passing(),
	)
	o := f.orchestrator(t, nil)

	res, err := o.Run(context.Background(), []edit.Comment{
		edit.NewComment("shout the second line", edit.Fragment{FilePath: "a.txt", Start: 1, End: 2}),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Cycles)
	assert.Equal(t, 2, res.Comments)
	assert.Equal(t, summaryReply, res.Summary)
	assert.NotEmpty(t, res.RunID)
	assert.Nil(t, res.Revision)
	assert.Equal(t, 2, f.builder.calls)
	assert.Equal(t, "one\nTWO\nthree\n", f.file(t))

	prompts := f.oracle.editPrompts()
	require.Len(t, prompts, 2)
	assert.True(t, strings.HasPrefix(prompts[0], "You are a Go programmer. shout the second line"))
	assert.Contains(t, prompts[0], "### Here is the current context:")
	assert.Contains(t, prompts[0], "a.txt\n>>>>\n0 one\n1 two\n2 three\n<<<<")
	assert.True(t, strings.HasPrefix(prompts[1], "You are a Go programmer. fix this build error:\n\nunclosed delimiter"))
	assert.Contains(t, prompts[1], "1 TWO(")
}

func TestRun_UnconvergedAfterExactlyMaxAttempts(t *testing.T) {
	f := newFixture(t,
		[]string{updateReply("a.txt", 0, 1, "still broken")},
		failing("a.txt", 1, "expected expression"),
	)
	o := f.orchestrator(t, func(c *Config) { c.MaxAttempts = 3 })

	res, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("break it")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnconverged)
	assert.NotErrorIs(t, err, ErrFatal)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, journal.StageBuild, serr.Stage)
	assert.Equal(t, KindUnconverged, serr.Kind)
	assert.Equal(t, 3, serr.Cycle)
	require.Len(t, serr.Diagnostics, 1)
	assert.Equal(t, "expected expression", serr.Diagnostics[0].Message)
	assert.Equal(t, edit.OriginDiagnostic, serr.Comment.Origin)

	assert.Equal(t, 3, f.builder.calls)
	assert.Equal(t, 3, res.Cycles)
	assert.Len(t, f.oracle.editPrompts(), 3)
	assert.Empty(t, f.vcs.diffedAt, "finalize must not run")
}

func TestRun_EachCallerCommentHasItsOwnBudget(t *testing.T) {
	f := newFixture(t,
		[]string{updateReply("a.txt", 0, 1, "x")},
		failing("a.txt", 1, "first"),
		passing(),
		failing("a.txt", 1, "second"),
		passing(),
	)
	o := f.orchestrator(t, func(c *Config) { c.MaxAttempts = 2 })

	res, err := o.Run(context.Background(), []edit.Comment{
		edit.NewComment("comment one"),
		edit.NewComment("comment two"),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Cycles)
	assert.Equal(t, 4, res.Comments)

	prompts := f.oracle.editPrompts()
	require.Len(t, prompts, 4)
	assert.Contains(t, prompts[0], "comment one")
	assert.Contains(t, prompts[1], "fix this build error:\n\nfirst")
	assert.Contains(t, prompts[2], "comment two")
	assert.Contains(t, prompts[3], "fix this build error:\n\nsecond")
}

func TestRun_NoCommentsGoesStraightToFinalize(t *testing.T) {
	f := newFixture(t, nil)
	rev := vcs.Revision("abc")
	f.vcs.head = &rev
	o := f.orchestrator(t, nil)

	res, err := o.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Zero(t, res.Cycles)
	assert.Zero(t, f.builder.calls)
	assert.Empty(t, f.oracle.editPrompts())
	assert.Equal(t, summaryReply, res.Summary)
	require.Len(t, f.vcs.diffedAt, 1)
	assert.Equal(t, &rev, f.vcs.diffedAt[0])
}

// =============================================================================
// Generate
// =============================================================================

func TestRun_ParseRetriesExhausted(t *testing.T) {
	f := newFixture(t, []string{"I would rather not."})
	o := f.orchestrator(t, func(c *Config) { c.MaxParseRetries = 2 })

	_, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("do it")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnconverged)
	assert.ErrorIs(t, err, edit.ErrNoMatch)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, journal.StageGenerate, serr.Stage)
	assert.Len(t, f.oracle.editPrompts(), 2)
	assert.Zero(t, f.builder.calls)
}

func TestRun_ParseRetryDoesNotSpendBudget(t *testing.T) {
	f := newFixture(t, []string{
		"Sure! Here you go.",
		updateReply("a.txt", 2, 3, "THREE"),
	})
	o := f.orchestrator(t, func(c *Config) { c.MaxAttempts = 1 })

	res, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("upper three")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cycles)
	assert.Equal(t, "one\ntwo\nTHREE\n", f.file(t))
	assert.Len(t, f.oracle.editPrompts(), 2)
}

func TestRun_OracleFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.oracle.err = &llm.OracleError{Kind: llm.OracleTransport, Backend: "stub", Err: errors.New("connection refused")}
	o := f.orchestrator(t, nil)

	_, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("anything")})
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, llm.ErrTransport)
	assert.Zero(t, f.builder.calls)
}

func TestRun_OutOfBoundsContextIsFatal(t *testing.T) {
	f := newFixture(t, []string{updateReply("a.txt", 0, 1, "x")})
	o := f.orchestrator(t, nil)

	_, err := o.Run(context.Background(), []edit.Comment{
		edit.NewComment("look here", edit.Fragment{FilePath: "a.txt", Start: 2, End: 9}),
	})
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, workspace.ErrOutOfBounds)
	assert.Empty(t, f.oracle.editPrompts())
}

// =============================================================================
// Apply and Build
// =============================================================================

func TestRun_ApplyFailureIsFatal(t *testing.T) {
	f := newFixture(t, []string{updateReply("a.txt", 5, 6, "nope")})
	o := f.orchestrator(t, nil)

	_, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("edit past the end")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, edit.ErrOutOfBounds)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, journal.StageApply, serr.Stage)
	assert.Contains(t, err.Error(), "apply")
	assert.Equal(t, "one\ntwo\nthree\n", f.file(t))
	assert.Zero(t, f.builder.calls)
}

func TestRun_BuildWithoutDiagnosticsDerivesTailComment(t *testing.T) {
	f := newFixture(t,
		[]string{updateReply("a.txt", 0, 1, "ONE")},
		&diagnostics.Report{ExitCode: 1, Diagnostics: []diagnostics.Diagnostic{}, Stderr: "ld: linker exploded\n"},
		passing(),
	)
	o := f.orchestrator(t, nil)

	res, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("upper one")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cycles)

	prompts := f.oracle.editPrompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "ld: linker exploded")
	assert.NotContains(t, prompts[1], "### Here is the current context:")
}

func TestRun_DiagnosticOutsideWorkspaceKeepsLocationInMessage(t *testing.T) {
	f := newFixture(t,
		[]string{updateReply("a.txt", 0, 1, "ONE")},
		failing("/usr/lib/rustlib/src/core.rs", 12, "trait bound not satisfied"),
		passing(),
	)
	o := f.orchestrator(t, nil)

	_, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("upper one")})
	require.NoError(t, err)

	prompts := f.oracle.editPrompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "/usr/lib/rustlib/src/core.rs:12:1")
	assert.NotContains(t, prompts[1], "### Here is the current context:")
}

func TestRun_DiagnosticAtEndOfFileRendersTail(t *testing.T) {
	f := newFixture(t,
		[]string{
			updateReply("a.txt", 0, 1, "ONE"),
			updateReply("a.txt", 2, 3, "THREE"),
		},
		failing("a.txt", 4, "unexpected EOF"),
		passing(),
	)
	o := f.orchestrator(t, nil)

	res, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("upper one")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cycles)
	assert.Equal(t, "ONE\ntwo\nTHREE\n", f.file(t))

	prompts := f.oracle.editPrompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "fix this build error:\n\nunexpected EOF")
	assert.Contains(t, prompts[1], "### Here is the current context:")
	assert.Contains(t, prompts[1], "2 three\n<<<<")
}

func TestRun_DiagnosticPastEndOfFileKeepsLocationInMessage(t *testing.T) {
	f := newFixture(t,
		[]string{
			updateReply("a.txt", 0, 1, "ONE"),
			updateReply("a.txt", 2, 3, "THREE"),
		},
		failing("a.txt", 9, "stale line"),
		passing(),
	)
	o := f.orchestrator(t, nil)

	res, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("upper one")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cycles)

	prompts := f.oracle.editPrompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "a.txt:9:1: error: stale line")
	assert.NotContains(t, prompts[1], "### Here is the current context:")
}

func TestRun_BuilderErrorIsFatal(t *testing.T) {
	f := newFixture(t, []string{updateReply("a.txt", 0, 1, "ONE")})
	f.builder.err = diagnostics.NewCommandError([]string{"cargo", "build"}, diagnostics.ErrCommandFailed)
	o := f.orchestrator(t, nil)

	_, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("upper one")})
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, diagnostics.ErrCommandFailed)
}

// =============================================================================
// Finalize
// =============================================================================

func TestRun_CommitsWhenConfigured(t *testing.T) {
	f := newFixture(t, []string{updateReply("a.txt", 0, 1, "ONE")})
	o := f.orchestrator(t, func(c *Config) { c.Commit = true })

	res, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("upper one")})
	require.NoError(t, err)
	require.NotNil(t, res.Revision)
	assert.Equal(t, vcs.Revision("0123456789abcdef"), *res.Revision)
	assert.Equal(t, []string{summaryReply}, f.vcs.commits)
}

func TestRun_NothingToCommitIsNotAnError(t *testing.T) {
	f := newFixture(t, nil)
	f.vcs.commitErr = vcs.ErrNothingToCommit
	o := f.orchestrator(t, func(c *Config) { c.Commit = true })

	res, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, res.Revision)
}

func TestRun_EmptySummaryIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.oracle.summary = "```\n```"
	o := f.orchestrator(t, nil)

	_, err := o.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, llm.ErrBadEnvelope)
}

// =============================================================================
// Cancellation, journal, construction
// =============================================================================

func TestRun_CanceledContextStopsBeforeGenerate(t *testing.T) {
	f := newFixture(t, []string{updateReply("a.txt", 0, 1, "ONE")})
	o := f.orchestrator(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx, []edit.Comment{edit.NewComment("upper one")})
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.oracle.editPrompts())
}

func TestRun_JournalsEveryStage(t *testing.T) {
	f := newFixture(t,
		[]string{updateReply("a.txt", 0, 1, "ONE")},
		failing("a.txt", 1, "oops"),
		passing(),
	)
	o := f.orchestrator(t, nil)

	res, err := o.Run(context.Background(), []edit.Comment{edit.NewComment("upper one")})
	require.NoError(t, err)

	events, err := f.journal.Events(res.RunID)
	require.NoError(t, err)
	var stages []journal.Stage
	for _, ev := range events {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []journal.Stage{
		journal.StageGenerate, journal.StageApply, journal.StageBuild,
		journal.StageGenerate, journal.StageApply, journal.StageBuild,
		journal.StageFinalize,
	}, stages)
	assert.Equal(t, 1, events[2].Diagnostics)
	assert.Equal(t, 2, events[5].Cycle)
}

func TestNew_Validation(t *testing.T) {
	store, err := workspace.NewStore(t.TempDir())
	require.NoError(t, err)
	deps := Deps{Oracle: &stubOracle{}, Store: store, Builder: &stubBuilder{}, VCS: &stubVCS{}}

	_, err = New(Config{MaxAttempts: 0, MaxParseRetries: 1}, deps)
	assert.Error(t, err)
	_, err = New(Config{MaxAttempts: 1, MaxParseRetries: 0}, deps)
	assert.Error(t, err)

	noOracle := deps
	noOracle.Oracle = nil
	_, err = New(DefaultConfig(), noOracle)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), deps)
	assert.NoError(t, err)
}

func TestStageError_Message(t *testing.T) {
	err := &StageError{
		Stage:   journal.StageBuild,
		Kind:    KindUnconverged,
		Comment: edit.NewComment("fix this build error:\n\nmismatched types"),
		Cycle:   5,
		Err:     errors.New("still failing"),
	}
	assert.Equal(t, `build: did not converge after 5 cycles (comment "fix this build error:"): still failing`, err.Error())
	assert.Equal(t, "Unconverged", err.Kind.String())
	assert.Equal(t, "Fatal", KindFatal.String())
}
