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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultOpenAIModel is the model used when none is configured.
	DefaultOpenAIModel = "gpt-4o-mini"

	defaultSystemPrompt = "You are a careful programmer who answers only in the requested edit format."

	backendOpenAI = "openai"
)

type OpenAIClient struct {
	client *openai.Client
	model  string
	system string
	logger *slog.Logger
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// Model defaults to DefaultOpenAIModel.
	Model string

	// BaseURL overrides the API endpoint, e.g. for compatible servers.
	BaseURL string

	// SystemPrompt overrides the system message.
	SystemPrompt string

	// Timeout bounds each request. Zero means no limit.
	Timeout time.Duration

	Logger *slog.Logger
}

// NewOpenAIClient creates an OpenAI chat-completion client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.Logger.Debug("Initializing OpenAI client", "model", cfg.Model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		system: cfg.SystemPrompt,
		logger: cfg.Logger,
	}, nil
}

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		oerr := classifyOpenAIError(err)
		o.logger.Error("OpenAI API call failed", "error", err)
		span.RecordError(oerr)
		span.SetStatus(codes.Error, oerr.Error())
		return "", oerr
	}

	if len(resp.Choices) == 0 {
		oerr := envelopeError(backendOpenAI, errors.New("no choices returned"))
		span.RecordError(oerr)
		span.SetStatus(codes.Error, oerr.Error())
		return "", oerr
	}
	o.logger.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// classifyOpenAIError maps go-openai errors onto the oracle taxonomy.
// HTTP-level and connection failures are Transport; anything else means
// the response body could not be decoded.
func classifyOpenAIError(err error) *OracleError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transportError(backendOpenAI, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return transportError(backendOpenAI, reqErr.HTTPStatusCode, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return transportError(backendOpenAI, 0, err)
	}
	return envelopeError(backendOpenAI, err)
}
