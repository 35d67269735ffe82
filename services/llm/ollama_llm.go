// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

var tracer = otel.Tracer("concourse.llm.ollama")

// Compile-time interface implementation check.
var _ LLMClient = (*OllamaClient)(nil)

// OllamaClient implements LLMClient against a native Ollama server.
//
// The OpenAI-compatible client covers Ollama's /v1 shim too; this client
// talks the native /api/chat protocol, which streams NDJSON and reports
// token counts on the final chunk.
type OllamaClient struct {
	httpClient      *http.Client
	baseURL         string
	model           string
	classifierModel string
}

// OllamaConfig configures an OllamaClient.
type OllamaConfig struct {
	// BaseURL is the server root, e.g. "http://localhost:11434".
	BaseURL string

	// Model is the chat model name. ClassifierModel defaults to Model.
	Model           string
	ClassifierModel string
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama base URL is required")
	}
	model := cfg.Model
	if model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	classifierModel := cfg.ClassifierModel
	if classifierModel == "" {
		classifierModel = model
	}

	slog.Info("Initializing Ollama client",
		"base_url", cfg.BaseURL,
		"model", model,
		"classifierModel", classifierModel,
	)
	return &OllamaClient{
		httpClient:      &http.Client{Timeout: 5 * time.Minute},
		baseURL:         strings.TrimSuffix(cfg.BaseURL, "/"),
		model:           model,
		classifierModel: classifierModel,
	}, nil
}

// ===== Wire Types =====

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         datatypes.Message `json:"message"`
	Done            bool              `json:"done"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

func ollamaOptions(params GenerationParams) map[string]any {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
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
	return options
}

// ===== LLMClient =====

// Classify implements LLMClient. Uses format=json so the model emits a
// parseable verdict; the shared parser clamps it onto the label set.
func (o *OllamaClient) Classify(ctx context.Context, text string, labels []string) (*Classification, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Classify")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.classifierModel))

	payload := ollamaChatRequest{
		Model: o.classifierModel,
		Messages: []datatypes.Message{
			{Role: datatypes.RoleSystem, Content: fmt.Sprintf(classifyPrompt, strings.Join(labels, ", "))},
			{Role: datatypes.RoleUser, Content: text},
		},
		Stream: false,
		Format: "json",
	}

	resp, err := o.chatOnce(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return parseClassification(resp.Message.Content, labels)
}

// ChatStream implements LLMClient. Ollama streams one JSON object per
// line; the final one has done=true and carries the token counts.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	if callback == nil {
		return fmt.Errorf("stream callback is required")
	}
	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	body, err := o.post(ctx, ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Options:  ollamaOptions(params),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			span.RecordError(err)
			return fmt.Errorf("malformed stream chunk from ollama: %w", err)
		}
		if chunk.Done {
			return callback(StreamEvent{
				Done: true,
				Usage: datatypes.TokenUsage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
				},
			})
		}
		if chunk.Message.Content == "" {
			continue
		}
		if err := callback(StreamEvent{Content: chunk.Message.Content}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		// Mid-stream failure: no Done event, caller classifies.
		span.RecordError(err)
		return fmt.Errorf("stream receive failed: %w", err)
	}
	return fmt.Errorf("ollama stream ended without a done chunk")
}

// ===== Transport =====

func (o *OllamaClient) chatOnce(ctx context.Context, payload ollamaChatRequest) (*ollamaChatResponse, error) {
	body, err := o.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ollama response: %w", err)
	}
	var resp ollamaChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse ollama response: %w", err)
	}
	return &resp, nil
}

func (o *OllamaClient) post(ctx context.Context, payload ollamaChatRequest) (io.ReadCloser, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama call failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound && bytes.Contains(data, []byte("not found")) {
			return nil, fmt.Errorf("model %q not found, run: ollama pull %s", payload.Model, payload.Model)
		}
		return nil, fmt.Errorf("ollama failed with status %d: %s", resp.StatusCode, string(data))
	}
	return resp.Body, nil
}
