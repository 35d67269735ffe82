// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// Compile-time interface implementation check.
var _ LLMClient = (*OpenAIClient)(nil)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// BaseURL points at any OpenAI-compatible endpoint (vLLM, Ollama,
	// llama.cpp server, or api.openai.com when empty).
	BaseURL string

	// APIKey authenticates against the endpoint. Falls back to the
	// OPENAI_API_KEY environment variable; local endpoints that ignore
	// authentication may leave both empty.
	APIKey string

	// Model is the chat model identifier, e.g. "gpt-4o-mini".
	Model string

	// ClassifierModel is the model used for intent classification.
	// Defaults to Model; a smaller model is typical.
	ClassifierModel string

	// RequestsPerSecond throttles outbound calls. Zero disables the
	// limiter.
	RequestsPerSecond float64
}

// OpenAIClient implements LLMClient against an OpenAI-compatible API.
//
// Safe for concurrent use; the underlying SDK client pools connections and
// the limiter is shared across callers.
type OpenAIClient struct {
	client          *openai.Client
	model           string
	classifierModel string
	limiter         *rate.Limiter
}

// NewOpenAIClient builds a client from config, applying environment
// fallbacks the way the rest of the service does.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("no API key configured and no local base URL to fall back to")
	}
	if apiKey == "" {
		// Local OpenAI-compatible servers ignore the token but the SDK
		// requires one.
		apiKey = "none"
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("LLM model not configured, defaulting", "model", model)
	}
	classifierModel := cfg.ClassifierModel
	if classifierModel == "" {
		classifierModel = model
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	slog.Info("Initializing OpenAI-compatible LLM client",
		"model", model,
		"classifierModel", classifierModel,
		"baseURL", clientCfg.BaseURL,
	)
	return &OpenAIClient{
		client:          openai.NewClientWithConfig(clientCfg),
		model:           model,
		classifierModel: classifierModel,
		limiter:         limiter,
	}, nil
}

func (o *OpenAIClient) wait(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Wait(ctx)
}

// classifyPrompt instructs the model to emit a strict JSON verdict. The
// label list is injected verbatim; the model must pick from it.
const classifyPrompt = `You are an intent classifier. Classify the user message into exactly one of these labels: %s.
Respond with only a JSON object, no prose, of the form:
{"label": "<one of the labels>", "confidence": <0.0-1.0>, "weights": {"<label>": <0.0-1.0>, ...}}
"weights" scores every label; the chosen label must have the highest weight.`

// Classify implements LLMClient.
func (o *OpenAIClient) Classify(ctx context.Context, text string, labels []string) (*Classification, error) {
	if err := o.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.classifierModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(classifyPrompt, strings.Join(labels, ", "))},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("classification call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classifier returned no choices")
	}

	return parseClassification(resp.Choices[0].Message.Content, labels)
}

// parseClassification parses the classifier's JSON and clamps it onto the
// offered label set. A label outside the set is a classifier failure.
func parseClassification(raw string, labels []string) (*Classification, error) {
	raw = strings.TrimSpace(raw)
	// Some models wrap JSON in code fences despite instructions.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var c Classification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("unparseable classifier output: %w", err)
	}

	valid := false
	for _, l := range labels {
		if c.Label == l {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("classifier chose label %q outside the offered set", c.Label)
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	return &c, nil
}

// ChatStream implements LLMClient.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	if callback == nil {
		return fmt.Errorf("stream callback is required")
	}
	if err := o.wait(ctx); err != nil {
		return err
	}

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	applyParams(&req, params)

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to open completion stream: %w", err)
	}
	defer stream.Close()

	var usage datatypes.TokenUsage
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return callback(StreamEvent{Done: true, Usage: usage})
		}
		if err != nil {
			// Mid-stream failure: no Done event, caller classifies.
			return fmt.Errorf("stream receive failed: %w", err)
		}

		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := callback(StreamEvent{Content: content}); err != nil {
			return err
		}
	}
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func applyParams(req *openai.ChatCompletionRequest, params GenerationParams) {
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
}
