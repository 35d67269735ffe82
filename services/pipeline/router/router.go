// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package router classifies incoming messages into knowledge namespaces
// and decides whether retrieval is needed.
//
// Routing never fails the pipeline: every failure path degrades to the
// configured fallback namespace with zero confidence.
package router

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harborlight/concourse/services/llm"
	"github.com/harborlight/concourse/services/pipeline/config"
	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

var tracer = otel.Tracer("concourse.pipeline.router")

// Classifier is the slice of the LLM contract routing depends on.
type Classifier interface {
	Classify(ctx context.Context, text string, labels []string) (*llm.Classification, error)
}

// Router is the intent router.
//
// Safe for concurrent use: all per-request data lives on the stack, and
// the config snapshot is immutable.
type Router struct {
	classifier Classifier
	routing    config.RoutingConfig
	namespaces []config.Namespace
	timeout    time.Duration
}

// New creates a Router over the given config snapshot.
func New(classifier Classifier, cfg *config.Config) *Router {
	return &Router{
		classifier: classifier,
		routing:    cfg.Routing,
		namespaces: cfg.Namespaces,
		timeout:    cfg.LLM.ClassifyTimeout,
	}
}

// Route classifies the message and selects namespaces.
//
// # Description
//
// The classifier is offered every namespace label plus the configured
// skip-retrieval intents. The decision follows, in order:
//
//  1. Classification failed or timed out: fallback namespace, confidence
//     zero, retrieval needed. Never an error.
//  2. Label is a skip-retrieval intent: no namespaces, no retrieval.
//  3. Confidence below the threshold: fallback namespace set.
//  4. Otherwise: top-N namespaces by classifier weight, ties broken by
//     namespace declaration order.
//
// # Outputs
//
//   - datatypes.RoutingDecision: never has empty Namespaces together with
//     NeedsRetrieval=true.
func (r *Router) Route(ctx context.Context, message string, history []datatypes.Message) datatypes.RoutingDecision {
	ctx, span := tracer.Start(ctx, "Router.Route")
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	c, err := r.classifier.Classify(ctx, classifierInput(message, history), r.labels())
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("routing.degraded", true))
		slog.Warn("Classification failed, routing to fallback namespace",
			"fallback", r.routing.FallbackNamespace,
			"error", err,
		)
		return r.fallbackDecision("")
	}

	span.SetAttributes(
		attribute.String("routing.intent", c.Label),
		attribute.Float64("routing.confidence", c.Confidence),
	)

	for _, intent := range r.routing.SkipRetrievalIntents {
		if c.Label == intent {
			slog.Debug("Short-form intent, skipping retrieval", "intent", c.Label)
			return datatypes.RoutingDecision{
				Intent:         c.Label,
				Confidence:     c.Confidence,
				NeedsRetrieval: false,
			}
		}
	}

	if c.Confidence < r.routing.ConfidenceThreshold {
		slog.Debug("Low routing confidence, using fallback namespace",
			"intent", c.Label,
			"confidence", c.Confidence,
			"threshold", r.routing.ConfidenceThreshold,
		)
		d := r.fallbackDecision(c.Label)
		d.Confidence = c.Confidence
		return d
	}

	selected := r.selectNamespaces(c, message)
	span.SetAttributes(attribute.StringSlice("routing.namespaces", selected))
	return datatypes.RoutingDecision{
		Intent:         c.Label,
		Confidence:     c.Confidence,
		Namespaces:     selected,
		NeedsRetrieval: true,
	}
}

// labels returns the classifier's label set: every namespace name plus
// the skip-retrieval intents. The fallback namespace is always present
// because cross-field config validation requires it to be declared.
func (r *Router) labels() []string {
	labels := make([]string, 0, len(r.namespaces)+len(r.routing.SkipRetrievalIntents))
	for _, ns := range r.namespaces {
		labels = append(labels, ns.Name)
	}
	labels = append(labels, r.routing.SkipRetrievalIntents...)
	return labels
}

func (r *Router) fallbackDecision(intent string) datatypes.RoutingDecision {
	return datatypes.RoutingDecision{
		Intent:         intent,
		Confidence:     0,
		Namespaces:     []string{r.routing.FallbackNamespace},
		NeedsRetrieval: true,
	}
}

// selectNamespaces keeps the top-N namespaces by classifier weight.
//
// Candidates are every declared namespace with a positive classifier
// weight; when the classifier supplied no weights, keyword hints provide
// a secondary signal ranked strictly below the chosen label. Ordering is
// deterministic: weight descending, then namespace declaration order.
func (r *Router) selectNamespaces(c *llm.Classification, message string) []string {
	type candidate struct {
		name   string
		weight float64
		order  int
	}

	var candidates []candidate
	for i, ns := range r.namespaces {
		w := 0.0
		switch {
		case c.Weights != nil:
			w = c.Weights[ns.Name]
		case ns.Name == c.Label:
			w = c.Confidence
		}
		if w > 0 {
			candidates = append(candidates, candidate{name: ns.Name, weight: w, order: i})
		}
	}

	// Without weights the chosen label is the only scored namespace; let
	// keyword hints surface secondary namespaces below it.
	if c.Weights == nil {
		for i, ns := range r.namespaces {
			if ns.Name == c.Label {
				continue
			}
			if hits := keywordHits(ns, message); hits > 0 {
				candidates = append(candidates, candidate{
					name:   ns.Name,
					weight: hintWeight(hits),
					order:  i,
				})
			}
		}
	}

	if len(candidates) == 0 {
		// Classifier picked a namespace we cannot score; route to it alone.
		return []string{c.Label}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight > candidates[j].weight
		}
		return candidates[i].order < candidates[j].order
	})

	n := r.routing.MaxNamespaces
	if len(candidates) < n {
		n = len(candidates)
	}
	out := make([]string, 0, n)
	for _, cand := range candidates[:n] {
		out = append(out, cand.name)
	}
	return out
}

// classifierInput prepends a compact history window so follow-up
// questions ("what about the fees?") classify against their antecedent.
func classifierInput(message string, history []datatypes.Message) string {
	const recentMessages = 4
	bounded := datatypes.BoundHistory(history, recentMessages)
	if len(bounded) == 0 {
		return message
	}

	var b []byte
	for _, m := range bounded {
		b = append(b, m.Role...)
		b = append(b, ": "...)
		b = append(b, m.Content...)
		b = append(b, '\n')
	}
	b = append(b, "current: "...)
	b = append(b, message...)
	return string(b)
}
