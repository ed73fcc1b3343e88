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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/rakune/cmd/rakune/config"
	"github.com/AleutianAI/rakune/services/rakune/edit"
	"github.com/AleutianAI/rakune/services/rakune/loop"
)

// =============================================================================
// Helpers
// =============================================================================

// runCLI executes the command tree in machine mode and captures output.
func runCLI(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	for _, k := range []string{"RAKUNE_BACKEND", "RAKUNE_MODEL", "RAKUNE_OLLAMA_URL", "RAKUNE_MAX_ATTEMPTS", "OPENAI_API_KEY", "OTEL_TRACES_EXPORTER", "OTEL_METRICS_EXPORTER"} {
		t.Setenv(k, "")
	}
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	code = execute(root, append(args, "--personality", "machine"))
	return code, out.String(), errOut.String()
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func gitInit(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
		{"config", "commit.gpgsign", "false"},
		{"add", "."},
		{"commit", "-q", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
}

// =============================================================================
// Exit Codes and Flags
// =============================================================================

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"config", fmt.Errorf("load: %w", config.ErrInvalid), exitConfig},
		{"usage", usageErrorf("bad flag"), exitConfig},
		{"unconverged", &loop.StageError{Kind: loop.KindUnconverged}, exitUnconverged},
		{"fatal", &loop.StageError{Kind: loop.KindFatal}, exitFatal},
		{"reported unconverged", &reportedError{err: &loop.StageError{Kind: loop.KindUnconverged}}, exitUnconverged},
		{"other", errors.New("boom"), exitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRunFlags_Anchors(t *testing.T) {
	f := &runFlags{files: []string{"a.rs", "b.rs"}, starts: []int{3, 0}}
	got, err := f.anchors()
	require.NoError(t, err)
	assert.Equal(t, []edit.Fragment{
		{FilePath: "a.rs", Start: 3, End: 4},
		{FilePath: "b.rs", Start: 0, End: 1},
	}, got)

	f.ends = []int{5, 0}
	got, err = f.anchors()
	require.NoError(t, err)
	assert.Equal(t, 5, got[0].End)
	assert.Equal(t, 0, got[1].End)

	for _, bad := range []*runFlags{
		{files: []string{"a.rs"}},
		{files: []string{"a.rs"}, starts: []int{1}, ends: []int{2, 3}},
		{files: []string{"a.rs"}, starts: []int{4}, ends: []int{2}},
		{files: []string{"a.rs"}, starts: []int{-1}},
	} {
		_, err := bad.anchors()
		assert.ErrorIs(t, err, errUsage)
	}
}

// =============================================================================
// Commands
// =============================================================================

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "version=dev\n")
}

func TestInit_WritesOnce(t *testing.T) {
	dir := t.TempDir()

	code, out, _ := runCLI(t, "init", "--root", dir)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "OK: wrote")
	assert.FileExists(t, filepath.Join(dir, config.FileName))

	code, _, errOut := runCLI(t, "init", "--root", dir)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, errOut, "already exists")
}

func TestDiagnose_ListsDiagnostics(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.rs", "fn main() {\n    x\n}\n")
	writeFile(t, dir, config.FileName, `build:
  command: [sh, -c, "printf 'error: cannot find value x\n --> main.rs:2:5\n' >&2; exit 1"]
`)

	code, out, errOut := runCLI(t, "diagnose", "--root", dir)
	assert.Equal(t, exitFatal, code)
	assert.Contains(t, out, "main.rs\t2\t5\terror\tcannot find value x\n")
	assert.Contains(t, errOut, "ERROR: build failed: exit status 1, 1 errors")
}

func TestDiagnose_Passing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, config.FileName, "build:\n  command: [\"true\"]\n")

	code, out, _ := runCLI(t, "diagnose", "--root", dir)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "OK: build passed")
}

func TestDiagnose_NoBuildCommandIsConfigError(t *testing.T) {
	code, _, errOut := runCLI(t, "diagnose", "--root", t.TempDir())
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, errOut, "no build command configured")
}

func TestRun_MismatchedAnchorsIsUsageError(t *testing.T) {
	code, _, _ := runCLI(t, "run", "--root", t.TempDir(), "--file", "a.rs", "fix it")
	assert.Equal(t, exitConfig, code)
}

func TestRun_OutsideGitIsConfigError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, config.FileName, "build:\n  command: [\"true\"]\n")

	code, _, errOut := runCLI(t, "run", "--root", dir, "fix it")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, errOut, "not inside a git work tree")
}

// ollamaStub answers edit prompts with reply and everything else with
// summary.
func ollamaStub(t *testing.T, reply, summary string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		text := summary
		if strings.Contains(req.Prompt, "UpdateFragment:") {
			text = reply
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response": text, "done": true})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_ConvergesAndCommits(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "one\ntwo\nthree\n")
	writeFile(t, dir, config.FileName, "build:\n  command: [\"true\"]\n")
	gitInit(t, dir)

	reply := "```\nUpdateFragment:\n    filepath: a.txt\n    start_line: 1\n    end_line: 2\n    content: TWO\n```\n"
	srv := ollamaStub(t, reply, "Capitalise the second line")
	t.Setenv("RAKUNE_OLLAMA_URL", srv.URL)

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	code := execute(root, []string{"run", "--root", dir, "--personality", "machine", "--commit",
		"--file", "a.txt", "--start", "1", "capitalise it"})
	require.Equal(t, exitOK, code, errOut.String())

	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\nTWO\nthree\n", string(got))
	assert.Contains(t, out.String(), "Summary: Capitalise the second line\n")
	assert.Contains(t, out.String(), "cycles=1\n")
	assert.Contains(t, out.String(), "revision=")

	log := exec.Command("git", "log", "-1", "--format=%s")
	log.Dir = dir
	msg, err := log.Output()
	require.NoError(t, err)
	assert.Equal(t, "Capitalise the second line", strings.TrimSpace(string(msg)))
}
