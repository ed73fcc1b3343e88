// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_TextOutputFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})
	defer logger.Close()

	logger.Info("hidden")
	logger.Warn("shown", "cycle", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record should be filtered, got %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "cycle=3") {
		t.Errorf("warn record missing, got %q", out)
	}
}

func TestNew_JSONOutputCarriesService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: FormatJSON, Output: &buf, Service: "rakune"})
	defer logger.Close()

	logger.Info("build passed", "duration_ms", 12)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["service"] != "rakune" {
		t.Errorf("service = %v, want rakune", record["service"])
	}
	if record["msg"] != "build passed" {
		t.Errorf("msg = %v", record["msg"])
	}
}

func TestUseJSON_AutoOnNonFileWriterIsText(t *testing.T) {
	if useJSON(FormatAuto, &bytes.Buffer{}) {
		t.Error("auto format on a buffer should select text")
	}
	if !useJSON(FormatJSON, &bytes.Buffer{}) {
		t.Error("explicit JSON should select JSON")
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "looptest", Quiet: true})
	logger.Info("written to file", "run_id", "abc")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "looptest_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), `"run_id":"abc"`) {
		t.Errorf("log file missing attribute: %s", data)
	}
}

func TestNew_UnwritableLogDirStillLogs(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Format: FormatText, Output: &buf})
	defer logger.Close()

	if !strings.Contains(buf.String(), "file logging disabled") {
		t.Errorf("expected warning about file logging, got %q", buf.String())
	}
	logger.Info("still alive")
	if !strings.Contains(buf.String(), "still alive") {
		t.Error("console output lost after file logging failure")
	}
}

func TestLogger_ExporterReceivesEntries(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Quiet: true, Service: "svc", Exporter: exp})

	logger.Debug("below level")
	logger.With("run_id", "r1").Error("apply failed", "path", "main.go", slog.Int("cycle", 2))

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != LevelError || e.Message != "apply failed" || e.Service != "svc" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Attrs["path"] != "main.go" {
		t.Errorf("path attr = %v", e.Attrs["path"])
	}
	if e.Attrs["cycle"] != int64(2) {
		t.Errorf("cycle attr = %v (%T)", e.Attrs["cycle"], e.Attrs["cycle"])
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestArgsToMap_OddArgs(t *testing.T) {
	m := argsToMap([]any{"a", 1, "dangling"})
	if len(m) != 1 || m["a"] != 1 {
		t.Errorf("argsToMap() = %v", m)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}
