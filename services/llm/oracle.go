// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// Client-backed Oracle
// =============================================================================

type clientOracle struct {
	client  LLMClient
	params  GenerationParams
	backend string
}

// NewOracle wraps an LLMClient as an Oracle with fixed generation
// parameters. Every call is timed and counted under backend.
func NewOracle(client LLMClient, params GenerationParams, backend string) Oracle {
	return &clientOracle{client: client, params: params, backend: backend}
}

// Prompt implements Oracle.
func (c *clientOracle) Prompt(ctx context.Context, text string) (string, error) {
	start := time.Now()
	out, err := c.client.Generate(ctx, text, c.params)
	recordOracleMetrics(ctx, c.backend, time.Since(start), err)
	return out, err
}

// =============================================================================
// Rate Limiting
// =============================================================================

// RateLimited delays calls to an Oracle so no more than a configured
// number happen per minute.
type RateLimited struct {
	inner   Oracle
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with a limit of perMinute calls, allowing a
// burst of one. A non-positive perMinute returns inner unchanged.
func NewRateLimited(inner Oracle, perMinute int) Oracle {
	if perMinute <= 0 {
		return inner
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

// Prompt waits for the limiter and then calls the wrapped Oracle. A
// context that ends while waiting is reported as a transport failure.
func (r *RateLimited) Prompt(ctx context.Context, text string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", transportError("rate-limiter", 0, err)
	}
	return r.inner.Prompt(ctx, text)
}

// =============================================================================
// Factory
// =============================================================================

// Config selects and configures an oracle backend.
type Config struct {
	// Backend is "ollama" or "openai".
	Backend string

	Model   string
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Temperature, when non-nil, is passed to every call.
	Temperature *float32

	// RequestsPerMinute limits call rate. Zero means unlimited.
	RequestsPerMinute int
}

// NewFromConfig builds the configured Oracle.
//
// Inputs:
//
//	cfg - Backend selection and settings.
//	logger - Logger passed to the backend client.
//
// Outputs:
//
//	Oracle - Ready to use.
//	error - ErrUnknownBackend, or a backend construction failure.
func NewFromConfig(cfg Config, logger *slog.Logger) (Oracle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	params := GenerationParams{Temperature: cfg.Temperature}

	var client LLMClient
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", backendOllama:
		backend = backendOllama
		client = NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
	case backendOpenAI:
		c, err := NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		client = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}

	return NewRateLimited(NewOracle(client, params, backend), cfg.RequestsPerMinute), nil
}
