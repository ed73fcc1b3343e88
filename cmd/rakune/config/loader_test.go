// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"RAKUNE_BACKEND", "RAKUNE_MODEL", "RAKUNE_OLLAMA_URL", "RAKUNE_MAX_ATTEMPTS", "RAKUNE_LOG_LEVEL", "OPENAI_API_KEY"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()

	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Oracle.Backend)
	assert.Equal(t, "codellama:7b-instruct", cfg.Oracle.Model)
	assert.Equal(t, 5, cfg.Loop.MaxAttempts)
	assert.Equal(t, root, cfg.Workspace.Root)
}

func TestLoad_MissingExplicitFileIsAnError(t *testing.T) {
	clearEnv(t)
	_, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	writeConfig(t, root, `
oracle:
  model: deepseek-coder
  timeout: 90s
build:
  command: [cargo, build]
  lint: [cargo, fmt]
loop:
  max_attempts: 8
  commit: true
`)

	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Oracle.Backend, "unset keys keep defaults")
	assert.Equal(t, "deepseek-coder", cfg.Oracle.Model)
	assert.Equal(t, 90*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, []string{"cargo", "build"}, cfg.Build.Command)
	assert.Equal(t, 8, cfg.Loop.MaxAttempts)
	assert.Equal(t, 3, cfg.Loop.MaxParseRetries)
	assert.True(t, cfg.Loop.Commit)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	writeConfig(t, root, "oracle:\n  model: from-file\n")
	t.Setenv("RAKUNE_MODEL", "from-env")
	t.Setenv("RAKUNE_MAX_ATTEMPTS", "2")
	t.Setenv("RAKUNE_OLLAMA_URL", "http://gpu-box:11434")

	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Oracle.Model)
	assert.Equal(t, 2, cfg.Loop.MaxAttempts)
	assert.Equal(t, "http://gpu-box:11434", cfg.Oracle.BaseURL)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{"unknown backend", "oracle:\n  backend: carrier-pigeon\n", nil},
		{"zero attempts", "loop:\n  max_attempts: 0\n", nil},
		{"bad log level", "logging:\n  level: loud\n", nil},
		{"empty build word", "build:\n  command: [\"\"]\n", nil},
		{"bad exporter", "telemetry:\n  trace_exporter: fax\n", nil},
		{"openai without key", "oracle:\n  backend: openai\n", nil},
		{"non-integer env", "", map[string]string{"RAKUNE_MAX_ATTEMPTS": "many"}},
		{"malformed yaml", "oracle: [\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			root := t.TempDir()
			if tt.body != "" {
				writeConfig(t, root, tt.body)
			}
			_, err := Load(root, "")
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_OpenAIKeyFromEnv(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	writeConfig(t, root, "oracle:\n  backend: openai\n  model: gpt-4o-mini\n")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Oracle.APIKey)
}

func TestWriteDefault_RoundTripsAndRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	require.NoError(t, WriteDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg RakuneConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, DefaultConfig().Loop, cfg.Loop)
	assert.Equal(t, DefaultConfig().Oracle.Timeout, cfg.Oracle.Timeout)

	assert.Error(t, WriteDefault(path))
}
