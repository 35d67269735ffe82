// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"strings"
	"time"
)

// Default fallback namespace label. Always present even when the config
// file omits it.
const DefaultFallbackNamespace = "general"

// DefaultBlockedMessage is the uniform safe-fallback text. Callers can
// override it in config but every blocking category shares one string.
const DefaultBlockedMessage = "I can't help with that request. If you believe this is a mistake, please rephrase your question."

// defaultMaxRegenerations bounds the revise back-edge when the config
// file does not say otherwise.
const defaultMaxRegenerations = 1

func intPtr(v int) *int { return &v }

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:         "8087",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			RequestsPerSecond: 0,
			ClassifyTimeout:   10 * time.Second,
			GenerateTimeout:   2 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			Model:   "text-embedding-3-small",
			Timeout: 15 * time.Second,
		},
		Weaviate: WeaviateConfig{
			SearchTimeout: 20 * time.Second,
		},
		Routing: RoutingConfig{
			ConfidenceThreshold:  0.7,
			MaxNamespaces:        3,
			FallbackNamespace:    DefaultFallbackNamespace,
			SkipRetrievalIntents: []string{"greeting", "thanks", "clarification"},
			MaxHistoryTurns:      10,
		},
		Retrieval: RetrievalConfig{
			PerNamespaceLimit: 5,
			ScoreThreshold:    0.7,
			RerankThreshold:   5,
			RerankTopK:        5,
			MaxRetries:        2,
			RetryDelay:        time.Second,
		},
		Generation: GenerationConfig{
			Persona:         "You are a careful assistant. Answer using the provided context when it is relevant, cite passages by their [N] index, and say so plainly when the context does not cover the question.",
			MaxContextChars: 12000,
			Temperature:     0.2,
			MaxTokens:       2048,
		},
		Safety: SafetyConfig{
			MaxRegenerations: intPtr(defaultMaxRegenerations),
			BlockedMessage:   DefaultBlockedMessage,
			Rules:            defaultSafetyRules(),
		},
		Storage: StorageConfig{
			DataDir:      "data/turns",
			HistoryTurns: 10,
		},
		Namespaces: []Namespace{
			{
				Name:        DefaultFallbackNamespace,
				Class:       "GeneralDocument",
				Description: "General knowledge not covered by another namespace.",
			},
		},
	}
}

func defaultSafetyRules() []SafetyRule {
	return []SafetyRule{
		{
			Category:   "medical",
			Severity:   SeverityAdvisory,
			Patterns:   []string{`(?i)\b(diagnos\w*|dosage|prescri\w*|symptom\w*|treatment)\b`},
			Disclaimer: "This is general information, not medical advice. Consult a qualified clinician for decisions about your health.",
		},
		{
			Category:   "financial",
			Severity:   SeverityAdvisory,
			Patterns:   []string{`(?i)\b(invest\w*|portfolio|returns? guarantee\w*|stock tip\w*)\b`},
			Disclaimer: "This is general information, not financial advice. Consult a licensed advisor before making investment decisions.",
		},
		{
			Category:   "legal",
			Severity:   SeverityAdvisory,
			Patterns:   []string{`(?i)\b(lawsuit|liabilit\w*|contract\w* (is|are) (void|binding)|legal advice)\b`},
			Disclaimer: "This is general information, not legal advice. Consult a licensed attorney for your situation.",
		},
		{
			Category:     "tone",
			Severity:     SeverityRevise,
			Patterns:     []string{`(?i)\b(stupid|idiot\w*|shut up|worthless)\b`},
			RevisionHint: "Rewrite the answer in a respectful, professional tone without insulting language.",
		},
		{
			Category: "self_harm",
			Severity: SeverityBlock,
			Patterns: []string{`(?i)\b(kill (yourself|myself)|how to (commit|attempt) suicide|self[- ]harm method\w*)\b`},
		},
		{
			Category: "illegal_activity",
			Severity: SeverityBlock,
			Patterns: []string{`(?i)\b(how to (make|build) (a )?(bomb|explosive)|synthesi\w* (meth|fentanyl)|launder\w* money)\b`},
		},
	}
}

// applyDefaults fills zero-valued fields on a parsed config so partial
// files stay valid.
func applyDefaults(c *Config) {
	d := DefaultConfig()

	if c.Server.Port == "" {
		c.Server.Port = d.Server.Port
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = d.LLM.Provider
	}
	if c.LLM.Model == "" {
		c.LLM.Model = d.LLM.Model
	}
	if c.LLM.ClassifyTimeout == 0 {
		c.LLM.ClassifyTimeout = d.LLM.ClassifyTimeout
	}
	if c.LLM.GenerateTimeout == 0 {
		c.LLM.GenerateTimeout = d.LLM.GenerateTimeout
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = d.Embedding.Model
	}
	if c.Embedding.Timeout == 0 {
		c.Embedding.Timeout = d.Embedding.Timeout
	}
	if c.Weaviate.SearchTimeout == 0 {
		c.Weaviate.SearchTimeout = d.Weaviate.SearchTimeout
	}
	if c.Routing.ConfidenceThreshold == 0 {
		c.Routing.ConfidenceThreshold = d.Routing.ConfidenceThreshold
	}
	if c.Routing.MaxNamespaces == 0 {
		c.Routing.MaxNamespaces = d.Routing.MaxNamespaces
	}
	if c.Routing.FallbackNamespace == "" {
		c.Routing.FallbackNamespace = d.Routing.FallbackNamespace
	}
	if c.Routing.SkipRetrievalIntents == nil {
		c.Routing.SkipRetrievalIntents = d.Routing.SkipRetrievalIntents
	}
	if c.Routing.MaxHistoryTurns == 0 {
		c.Routing.MaxHistoryTurns = d.Routing.MaxHistoryTurns
	}
	if c.Retrieval.PerNamespaceLimit == 0 {
		c.Retrieval.PerNamespaceLimit = d.Retrieval.PerNamespaceLimit
	}
	if c.Retrieval.ScoreThreshold == 0 {
		c.Retrieval.ScoreThreshold = d.Retrieval.ScoreThreshold
	}
	if c.Retrieval.RerankThreshold == 0 {
		c.Retrieval.RerankThreshold = d.Retrieval.RerankThreshold
	}
	if c.Retrieval.RerankTopK == 0 {
		c.Retrieval.RerankTopK = d.Retrieval.RerankTopK
	}
	if c.Retrieval.RetryDelay == 0 {
		c.Retrieval.RetryDelay = d.Retrieval.RetryDelay
	}
	if c.Generation.Persona == "" {
		c.Generation.Persona = d.Generation.Persona
	}
	if c.Generation.MaxContextChars == 0 {
		c.Generation.MaxContextChars = d.Generation.MaxContextChars
	}
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = d.Generation.Temperature
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = d.Generation.MaxTokens
	}
	// nil means the file omitted the field; an explicit 0 stands.
	if c.Safety.MaxRegenerations == nil {
		c.Safety.MaxRegenerations = d.Safety.MaxRegenerations
	}
	if c.Safety.BlockedMessage == "" {
		c.Safety.BlockedMessage = d.Safety.BlockedMessage
	}
	if c.Safety.Rules == nil {
		c.Safety.Rules = d.Safety.Rules
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = d.Storage.DataDir
	}
	if c.Storage.HistoryTurns == 0 {
		c.Storage.HistoryTurns = d.Storage.HistoryTurns
	}
	if len(c.Namespaces) == 0 {
		c.Namespaces = d.Namespaces
	}
	for i := range c.Namespaces {
		if c.Namespaces[i].Class == "" {
			c.Namespaces[i].Class = classForName(c.Namespaces[i].Name)
		}
	}
}

// classForName derives a Weaviate class name from a namespace label.
func classForName(name string) string {
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:] + "Document"
}
