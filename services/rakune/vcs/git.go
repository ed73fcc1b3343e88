// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vcs is the version-control collaborator of the convergence loop.
//
// It wraps the git CLI for the handful of operations the loop needs:
// the current revision, a diff against a revision, and a commit of the
// run's changes. Branching, merging and history search are not modeled.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 30 * time.Second

// Sentinel errors for the vcs package.
var (
	// ErrNotRepository indicates the root is not inside a git work tree.
	ErrNotRepository = errors.New("not a git repository")

	// ErrNothingToCommit indicates a commit was requested on a clean tree.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrTimeout indicates a git command exceeded its timeout.
	ErrTimeout = errors.New("git command timed out")
)

// Revision identifies a repository state, normally a commit hash.
// A nil *Revision means the working tree.
type Revision string

// String returns the revision, or "working tree" for the empty value.
func (r Revision) String() string {
	if r == "" {
		return "working tree"
	}
	return string(r)
}

// Short returns the first 8 characters of the revision.
func (r Revision) Short() string {
	if len(r) > 8 {
		return string(r[:8])
	}
	return string(r)
}

// GitClient runs git commands in one repository.
//
// # Thread Safety
//
// Safe for concurrent use; each call spawns its own process.
type GitClient struct {
	repoPath string
	timeout  time.Duration
	logger   *slog.Logger

	mu sync.Mutex
	// untracked holds the files that were untracked when Head was last
	// called. Nil until then.
	untracked map[string]struct{}
}

// Option configures a GitClient.
type Option func(*GitClient)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *GitClient) {
		g.logger = logger
	}
}

// NewGitClient creates a git client.
//
// Inputs:
//
//	repoPath - Absolute path to the work tree.
//	timeout - Per-command timeout. Zero means DefaultTimeout.
//
// Outputs:
//
//	*GitClient - The client.
//	error - Non-nil if repoPath is not absolute.
func NewGitClient(repoPath string, timeout time.Duration, opts ...Option) (*GitClient, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("repoPath must be absolute: %s", repoPath)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &GitClient{
		repoPath: repoPath,
		timeout:  timeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// run executes git with args and returns trimmed stdout.
func (g *GitClient) run(ctx context.Context, args ...string) (string, error) {
	out, err := g.runRaw(ctx, args...)
	return strings.TrimSpace(out), err
}

// runRaw executes git with args and returns stdout untouched.
func (g *GitClient) runRaw(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s: %w after %v", args[0], ErrTimeout, g.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// IsRepository reports whether the root is inside a git work tree.
func (g *GitClient) IsRepository(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Head returns the current HEAD commit.
//
// Description:
//
//	Head also records the files that are untracked at this point. Diff
//	and Commit leave those alone, so only files created afterwards
//	count as changes.
//
// Outputs:
//
//	*Revision - The commit, or nil when the repository has no commits.
//	error - ErrNotRepository, or a git failure.
func (g *GitClient) Head(ctx context.Context) (*Revision, error) {
	if !g.IsRepository(ctx) {
		return nil, fmt.Errorf("%s: %w", g.repoPath, ErrNotRepository)
	}
	paths, err := g.listUntracked(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		snapshot[p] = struct{}{}
	}
	g.mu.Lock()
	g.untracked = snapshot
	g.mu.Unlock()

	sha, err := g.run(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil || sha == "" {
		return nil, nil
	}
	rev := Revision(sha)
	return &rev, nil
}

// Diff returns the unified diff of the working tree against target.
//
// Description:
//
//	Untracked files created since Head are first marked intent-to-add so
//	they appear in the diff. With a nil target the diff is against
//	the index, which is what a repository without commits has.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	target - The revision to diff against, or nil.
//
// Outputs:
//
//	string - The unified diff, empty if nothing changed.
//	error - Non-nil if git fails.
func (g *GitClient) Diff(ctx context.Context, target *Revision) (string, error) {
	if err := g.markUntracked(ctx); err != nil {
		return "", err
	}
	args := []string{"diff", "--no-color", "--no-ext-diff"}
	if target != nil && *target != "" {
		args = append(args, string(*target))
	}
	out, err := g.runRaw(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("diff against %s: %w", target, err)
	}
	return out, nil
}

// Commit stages every change since Head and commits it. Files that were
// already untracked at Head stay untracked. Without a prior Head the
// whole tree is staged.
//
// Outputs:
//
//	Revision - The new HEAD.
//	error - ErrNothingToCommit on a clean tree, or a git failure.
func (g *GitClient) Commit(ctx context.Context, message string) (Revision, error) {
	if err := g.stage(ctx); err != nil {
		return "", err
	}
	status, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("checking status: %w", err)
	}
	if status == "" {
		return "", ErrNothingToCommit
	}
	if _, err := g.run(ctx, "commit", "-q", "-m", message); err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	sha, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving new HEAD: %w", err)
	}
	g.logger.Info("committed changes",
		slog.String("revision", Revision(sha).Short()),
		slog.String("message", message),
	)
	return Revision(sha), nil
}

// TemporalContext returns historical context for a file span. History
// search is not modeled, so it is always empty.
func (g *GitClient) TemporalContext(ctx context.Context, path string, start, end int) ([]string, error) {
	return nil, nil
}

func (g *GitClient) stage(ctx context.Context) error {
	g.mu.Lock()
	snapshotted := g.untracked != nil
	g.mu.Unlock()
	if !snapshotted {
		if _, err := g.run(ctx, "add", "-A"); err != nil {
			return fmt.Errorf("staging changes: %w", err)
		}
		return nil
	}

	if _, err := g.run(ctx, "add", "-u"); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	paths, err := g.newUntracked(ctx)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	if _, err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("staging new files: %w", err)
	}
	return nil
}

func (g *GitClient) markUntracked(ctx context.Context) error {
	paths, err := g.newUntracked(ctx)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--intent-to-add", "--"}, paths...)
	if _, err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("marking untracked files: %w", err)
	}
	return nil
}

// newUntracked lists untracked files that were not in the Head snapshot.
func (g *GitClient) newUntracked(ctx context.Context) ([]string, error) {
	paths, err := g.listUntracked(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.untracked == nil {
		return paths, nil
	}
	fresh := paths[:0]
	for _, p := range paths {
		if _, ok := g.untracked[p]; !ok {
			fresh = append(fresh, p)
		}
	}
	return fresh, nil
}

func (g *GitClient) listUntracked(ctx context.Context) ([]string, error) {
	out, err := g.runRaw(ctx, "ls-files", "--others", "--exclude-standard", "-z")
	if err != nil {
		return nil, fmt.Errorf("listing untracked files: %w", err)
	}
	var paths []string
	for _, p := range strings.Split(out, "\x00") {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}
