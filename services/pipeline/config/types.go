// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the pipeline configuration: namespace
// descriptors, routing and retrieval thresholds, safety rules, and
// collaborator endpoints.
//
// A loaded Config is an immutable snapshot. Pipeline runs capture the
// snapshot current at their start; hot-reload swaps the snapshot pointer
// and never mutates one in flight.
package config

import "time"

// Config is the root configuration document.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Weaviate   WeaviateConfig   `yaml:"weaviate"`
	Routing    RoutingConfig    `yaml:"routing"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Generation GenerationConfig `yaml:"generation"`
	Safety     SafetyConfig     `yaml:"safety"`
	Storage    StorageConfig    `yaml:"storage"`
	Namespaces []Namespace      `yaml:"namespaces" validate:"min=1,dive"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Port         string        `yaml:"port"`
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LLMConfig configures the inference collaborator.
type LLMConfig struct {
	// Provider selects the backend protocol: "openai" for any
	// OpenAI-compatible endpoint, "ollama" for a native Ollama server.
	Provider string `yaml:"provider" validate:"required,oneof=openai ollama"`

	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	ClassifierModel   string        `yaml:"classifier_model"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	ClassifyTimeout   time.Duration `yaml:"classify_timeout"`
	GenerateTimeout   time.Duration `yaml:"generate_timeout"`
}

// EmbeddingConfig configures the embedding collaborator.
type EmbeddingConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// WeaviateConfig configures the vector-search collaborator. An empty URL
// puts the service in lightweight mode: retrieval degrades to empty
// results and turns persist to the local store only.
type WeaviateConfig struct {
	URL           string        `yaml:"url"`
	SearchTimeout time.Duration `yaml:"search_timeout"`
}

// Namespace describes one independently searchable knowledge partition.
type Namespace struct {
	// Name is the routing label and the logical partition name.
	Name string `yaml:"name" validate:"required"`

	// Class is the Weaviate class holding this namespace's passages.
	// Defaults to the capitalized Name.
	Class string `yaml:"class"`

	// Description is shown to the classifier to sharpen routing.
	Description string `yaml:"description"`

	// KeywordHints is a fallback routing signal only, never authoritative.
	KeywordHints []string `yaml:"keyword_hints"`
}

// RoutingConfig tunes the intent router.
type RoutingConfig struct {
	// ConfidenceThreshold below which routing falls back to the default
	// namespace set.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"gte=0,lte=1"`

	// MaxNamespaces bounds multi-namespace fan-out.
	MaxNamespaces int `yaml:"max_namespaces" validate:"gte=1"`

	// FallbackNamespace receives traffic the classifier cannot place.
	// Must name a configured namespace.
	FallbackNamespace string `yaml:"fallback_namespace" validate:"required"`

	// SkipRetrievalIntents answer without retrieval (greeting, thanks,
	// clarification).
	SkipRetrievalIntents []string `yaml:"skip_retrieval_intents"`

	// MaxHistoryTurns bounds the history window handed to classification
	// and generation.
	MaxHistoryTurns int `yaml:"max_history_turns" validate:"gte=0"`
}

// RetrievalConfig tunes the context retriever.
type RetrievalConfig struct {
	PerNamespaceLimit int     `yaml:"per_namespace_limit" validate:"gte=1"`
	ScoreThreshold    float64 `yaml:"score_threshold" validate:"gte=0,lte=1"`

	// RerankThreshold is the candidate count above which the reranker
	// runs (when configured). RerankTopK is the final size it truncates to.
	RerankThreshold int    `yaml:"rerank_threshold" validate:"gte=0"`
	RerankTopK      int    `yaml:"rerank_top_k" validate:"gte=1"`
	RerankerURL     string `yaml:"reranker_url"`

	// MaxRetries bounds per-namespace retry on retryable failures.
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// GenerationConfig tunes the response generator.
type GenerationConfig struct {
	Persona         string  `yaml:"persona"`
	MaxContextChars int     `yaml:"max_context_chars" validate:"gte=1"`
	Temperature     float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens       int     `yaml:"max_tokens" validate:"gte=1"`
}

// StorageConfig configures turn persistence.
type StorageConfig struct {
	// DataDir is the local store directory used in lightweight mode.
	DataDir string `yaml:"data_dir"`

	// HistoryTurns is how many recent turns to load when a request
	// carries no history of its own.
	HistoryTurns int `yaml:"history_turns" validate:"gte=0"`
}

// SafetySeverity classifies a safety category's effect on the pipeline.
type SafetySeverity string

const (
	// SeverityAdvisory appends a disclaimer and approves the response.
	SeverityAdvisory SafetySeverity = "advisory"

	// SeverityRevise triggers one bounded regeneration.
	SeverityRevise SafetySeverity = "revise"

	// SeverityBlock replaces the response with the safe fallback.
	SeverityBlock SafetySeverity = "block"
)

// SafetyRule binds a category tag to its severity, detection patterns,
// and (for advisory categories) its disclaimer text.
type SafetyRule struct {
	Category   string         `yaml:"category" validate:"required"`
	Severity   SafetySeverity `yaml:"severity" validate:"required,oneof=advisory revise block"`
	Patterns   []string       `yaml:"patterns"`
	Disclaimer string         `yaml:"disclaimer"`

	// RevisionHint is appended to the regeneration instruction for
	// revise-severity categories.
	RevisionHint string `yaml:"revision_hint"`
}

// SafetyConfig tunes the safety moderator.
type SafetyConfig struct {
	// MaxRegenerations bounds the revise back-edge. A pointer so that an
	// explicit 0 in the file (block on the first revise finding) is
	// distinguishable from an omitted field, which takes the default.
	MaxRegenerations *int         `yaml:"max_regenerations" validate:"omitempty,gte=0"`
	Rules            []SafetyRule `yaml:"rules" validate:"dive"`

	// BlockedMessage is the fixed safe-fallback text for blocked
	// responses. Uniform for every blocking category.
	BlockedMessage string `yaml:"blocked_message"`
}

// RegenerationBudget returns the effective revise bound, applying the
// default when the field was never set.
func (s SafetyConfig) RegenerationBudget() int {
	if s.MaxRegenerations == nil {
		return defaultMaxRegenerations
	}
	return *s.MaxRegenerations
}
