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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultOllamaURL is where a local Ollama listens.
	DefaultOllamaURL = "http://localhost:11434"

	// DefaultOllamaModel is the model used when none is configured.
	DefaultOllamaModel = "codellama:7b-instruct"

	backendOllama = "ollama"
)

// OllamaClient talks to Ollama's /api/generate endpoint without streaming.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	logger     *slog.Logger
}

// OllamaConfig configures an OllamaClient. Zero fields take defaults.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Ollama API request structure
type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

// NewOllamaClient creates an Ollama client.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	cfg.Logger.Debug("Initializing Ollama client", "base_url", baseURL, "model", cfg.Model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    baseURL,
		model:      cfg.Model,
		logger:     cfg.Logger,
	}
}

// Generate implements the LLMClient interface.
//
// Outputs:
//
//	string - The "response" field of the reply envelope.
//	error - *OracleError: Transport for connection failures and non-200
//	        statuses, BadEnvelope for undecodable JSON.
func (o *OllamaClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	fail := func(err *OracleError) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: ollamaOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fail(transportError(backendOllama, 0, fmt.Errorf("marshal request: %w", err)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return fail(transportError(backendOllama, 0, fmt.Errorf("create request: %w", err)))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Error("Ollama API call failed", "error", err)
		return fail(transportError(backendOllama, 0, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(transportError(backendOllama, resp.StatusCode, fmt.Errorf("read response: %w", err)))
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		if resp.StatusCode == http.StatusNotFound &&
			json.Unmarshal(respBody, &errResp) == nil &&
			strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			o.logger.Warn("Ollama model not found", "model", o.model)
			return fail(transportError(backendOllama, resp.StatusCode,
				fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", o.model, o.model)))
		}
		o.logger.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return fail(transportError(backendOllama, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(respBody)))))
	}

	var ollamaResp ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &ollamaResp); err != nil {
		o.logger.Error("Failed to parse JSON response from Ollama", "error", err)
		return fail(envelopeError(backendOllama, err))
	}

	o.logger.Debug("Received response from Ollama", "chars", len(ollamaResp.Response))
	return ollamaResp.Response, nil
}

// ollamaOptions maps GenerationParams onto Ollama's options object.
// Unset parameters are left to the server's defaults.
func ollamaOptions(params GenerationParams) map[string]any {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	if len(options) == 0 {
		return nil
	}
	return options
}
