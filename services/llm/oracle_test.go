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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingClient struct {
	prompts []string
	params  []GenerationParams
	reply   string
	err     error
}

func (c *recordingClient) Generate(_ context.Context, prompt string, params GenerationParams) (string, error) {
	c.prompts = append(c.prompts, prompt)
	c.params = append(c.params, params)
	return c.reply, c.err
}

func TestNewOracle_PassesFixedParams(t *testing.T) {
	temp := float32(0.1)
	client := &recordingClient{reply: "ok"}
	o := NewOracle(client, GenerationParams{Temperature: &temp}, "fake")

	got, err := o.Prompt(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []string{"hello"}, client.prompts)
	require.NotNil(t, client.params[0].Temperature)
	assert.Equal(t, temp, *client.params[0].Temperature)
}

func TestNewOracle_PropagatesErrors(t *testing.T) {
	cause := envelopeError("fake", errors.New("garbled"))
	o := NewOracle(&recordingClient{err: cause}, GenerationParams{}, "fake")

	_, err := o.Prompt(context.Background(), "x")
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestNewRateLimited_ZeroIsPassthrough(t *testing.T) {
	inner := OracleFunc(func(context.Context, string) (string, error) { return "x", nil })
	o := NewRateLimited(inner, 0)
	_, isLimited := o.(*RateLimited)
	assert.False(t, isLimited)
}

func TestRateLimited_ContextEndsWhileWaiting(t *testing.T) {
	calls := 0
	inner := OracleFunc(func(context.Context, string) (string, error) {
		calls++
		return "x", nil
	})
	o := NewRateLimited(inner, 1)

	_, err := o.Prompt(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = o.Prompt(ctx, "second")
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, calls)
}

func TestNewFromConfig(t *testing.T) {
	o, err := NewFromConfig(Config{Backend: "ollama", Model: "m"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, o)

	o, err = NewFromConfig(Config{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, o)

	_, err = NewFromConfig(Config{Backend: "openai"}, nil)
	assert.Error(t, err, "openai needs an API key")

	o, err = NewFromConfig(Config{Backend: "OpenAI", APIKey: "k", RequestsPerMinute: 30}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RateLimited{}, o)

	_, err = NewFromConfig(Config{Backend: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestOracleError_Message(t *testing.T) {
	err := transportError("ollama", 503, errors.New("overloaded"))
	assert.Equal(t, "ollama: oracle transport failure (status 503): overloaded", err.Error())
	assert.Equal(t, "Transport", err.Kind.String())
	assert.Equal(t, "BadEnvelope", OracleBadEnvelope.String())
}
