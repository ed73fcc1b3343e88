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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every load, decode and validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration for a workspace.
//
// Description:
//
//	Starts from DefaultConfig, decodes path over it when the file exists,
//	applies RAKUNE_* environment overrides and validates the result. An
//	empty path means rakune.yaml in root. A missing default file is not
//	an error; a missing explicit path is.
//
// Inputs:
//
//	root - The workspace root.
//	path - An explicit config path, or "".
//
// Outputs:
//
//	RakuneConfig - The effective configuration.
//	error - Wraps ErrInvalid on any failure.
func Load(root, path string) (RakuneConfig, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, FileName)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = root
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg RakuneConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.Oracle.Backend == "openai" && cfg.Oracle.APIKey == "" {
		return fmt.Errorf("%w: openai backend requires OPENAI_API_KEY", ErrInvalid)
	}
	return nil
}

func applyEnv(cfg *RakuneConfig) error {
	if v := os.Getenv("RAKUNE_BACKEND"); v != "" {
		cfg.Oracle.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("RAKUNE_MODEL"); v != "" {
		cfg.Oracle.Model = v
	}
	if v := os.Getenv("RAKUNE_OLLAMA_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("RAKUNE_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RAKUNE_MAX_ATTEMPTS=%q is not an integer", ErrInvalid, v)
		}
		cfg.Loop.MaxAttempts = n
	}
	if v := os.Getenv("RAKUNE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
// It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
