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
	"time"

	"github.com/AleutianAI/rakune/pkg/telemetry"
)

// FileName is the config file looked up in the workspace root.
const FileName = "rakune.yaml"

// RakuneConfig is the decoded rakune.yaml.
type RakuneConfig struct {
	Oracle    OracleConfig     `yaml:"oracle"`
	Build     BuildConfig      `yaml:"build"`
	Loop      LoopConfig       `yaml:"loop"`
	Workspace WorkspaceConfig  `yaml:"workspace"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// OracleConfig selects the text-generation backend.
type OracleConfig struct {
	// Backend is "ollama" or "openai".
	Backend string `yaml:"backend" validate:"required,oneof=ollama openai"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`

	// APIKey is never read from the file. It comes from OPENAI_API_KEY.
	APIKey string `yaml:"-"`

	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	Temperature       *float32      `yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"gte=0"`
}

// BuildConfig holds the build and lint command vectors. Empty vectors
// fall back to project detection.
type BuildConfig struct {
	Command []string      `yaml:"command" validate:"omitempty,dive,required"`
	Lint    []string      `yaml:"lint" validate:"omitempty,dive,required"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// Markers are the severity words that open a diagnostic block.
	Markers []string `yaml:"markers" validate:"omitempty,dive,required"`

	// Language overrides the detected project language in prompts.
	Language string `yaml:"language,omitempty"`
}

// LoopConfig bounds the convergence loop.
type LoopConfig struct {
	MaxAttempts     int  `yaml:"max_attempts" validate:"gte=1,lte=100"`
	MaxParseRetries int  `yaml:"max_parse_retries" validate:"gte=1,lte=20"`
	ContextLines    int  `yaml:"context_lines" validate:"gte=0"`
	Commit          bool `yaml:"commit"`
	MaxDiffChars    int  `yaml:"max_diff_chars" validate:"gte=0"`
}

// WorkspaceConfig describes the working tree.
type WorkspaceConfig struct {
	// Root defaults to the current directory.
	Root       string   `yaml:"root,omitempty"`
	IgnoreDirs []string `yaml:"ignore_dirs"`

	// Watch enables the external-change watcher.
	Watch bool `yaml:"watch"`

	// LockTimeout bounds the wait for the run lock.
	LockTimeout time.Duration `yaml:"lock_timeout" validate:"gte=0"`

	// GitTimeout bounds each git command.
	GitTimeout time.Duration `yaml:"git_timeout" validate:"gte=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() RakuneConfig {
	tel := telemetry.DefaultConfig()
	return RakuneConfig{
		Oracle: OracleConfig{
			Backend: "ollama",
			Model:   "codellama:7b-instruct",
			Timeout: 5 * time.Minute,
		},
		Build: BuildConfig{
			Timeout: 5 * time.Minute,
		},
		Loop: LoopConfig{
			MaxAttempts:     5,
			MaxParseRetries: 3,
			ContextLines:    5,
			MaxDiffChars:    12000,
		},
		Workspace: WorkspaceConfig{
			IgnoreDirs: []string{"target", "node_modules", "vendor"},
			GitTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: tel,
	}
}
