// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package moderation reviews generated answers before they reach the
// caller.
//
// Every answer enters checking and leaves with exactly one verdict:
// approved (possibly with disclaimers appended), revise (send the answer
// back for one more generation attempt with a hint), or blocked (replace
// the answer with a fixed refusal). The regeneration budget is consumed
// here, never granted: once it is spent a revise-severity finding
// escalates straight to blocked.
package moderation

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harborlight/concourse/services/pipeline/config"
)

var tracer = otel.Tracer("concourse.pipeline.moderation")

// ===== Verdicts =====

// Verdict is the single outcome of one moderation pass.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRevise   Verdict = "revise"
	VerdictBlocked  Verdict = "blocked"
)

// Review is the full moderation outcome for one answer.
//
// For VerdictApproved, Text is the answer with any disclaimers appended.
// For VerdictRevise, RevisionHint carries the instruction for the next
// generation attempt and Text is empty. For VerdictBlocked, Text is the
// fixed blocked message and Exhausted records whether the block came
// from a spent regeneration budget rather than a block-severity rule.
type Review struct {
	Verdict      Verdict
	Text         string
	Categories   []string
	RevisionHint string
	Exhausted    bool
}

// Moderator applies the configured safety rules to generated answers.
type Moderator struct {
	detector CategoryDetector
	cfg      config.SafetyConfig
	logger   *slog.Logger
}

func New(detector CategoryDetector, cfg config.SafetyConfig) *Moderator {
	return &Moderator{
		detector: detector,
		cfg:      cfg,
		logger:   slog.Default().With("component", "moderator"),
	}
}

// ===== Moderation =====

// Moderate reviews one generated answer. regenerations is how many
// regeneration attempts the turn has already consumed.
//
// Severity wins over order: any block-severity detection blocks
// regardless of what else matched; otherwise any revise-severity
// detection asks for regeneration while budget remains; otherwise
// advisory detections approve with their disclaimers appended, one per
// category, in detection order.
func (m *Moderator) Moderate(ctx context.Context, text string, regenerations int) Review {
	ctx, span := tracer.Start(ctx, "moderation.moderate")
	defer span.End()

	detections := m.detector.Detect(ctx, text)
	categories := make([]string, 0, len(detections))
	for _, d := range detections {
		categories = append(categories, d.Category)
	}
	span.SetAttributes(
		attribute.StringSlice("categories", categories),
		attribute.Int("regenerations", regenerations),
	)

	if blocked, ok := findSeverity(detections, config.SeverityBlock); ok {
		m.logger.Warn("answer blocked", "category", blocked.Category)
		span.SetAttributes(attribute.String("verdict", string(VerdictBlocked)))
		return Review{
			Verdict:    VerdictBlocked,
			Text:       m.cfg.BlockedMessage,
			Categories: categories,
		}
	}

	if revise, ok := findSeverity(detections, config.SeverityRevise); ok {
		if regenerations < m.cfg.RegenerationBudget() {
			m.logger.Info("answer sent back for revision",
				"category", revise.Category,
				"regenerations", regenerations)
			span.SetAttributes(attribute.String("verdict", string(VerdictRevise)))
			return Review{
				Verdict:      VerdictRevise,
				Categories:   categories,
				RevisionHint: revise.Rule.RevisionHint,
			}
		}
		m.logger.Warn("regeneration budget exhausted, blocking",
			"category", revise.Category,
			"max_regenerations", m.cfg.RegenerationBudget())
		span.SetAttributes(attribute.String("verdict", string(VerdictBlocked)), attribute.Bool("exhausted", true))
		return Review{
			Verdict:    VerdictBlocked,
			Text:       m.cfg.BlockedMessage,
			Categories: categories,
			Exhausted:  true,
		}
	}

	span.SetAttributes(attribute.String("verdict", string(VerdictApproved)))
	return Review{
		Verdict:    VerdictApproved,
		Text:       appendDisclaimers(text, detections),
		Categories: categories,
	}
}

// findSeverity returns the first detection of the given severity in
// detection order.
func findSeverity(detections []Detection, sev config.SafetySeverity) (Detection, bool) {
	for _, d := range detections {
		if d.Rule.Severity == sev {
			return d, true
		}
	}
	return Detection{}, false
}

// appendDisclaimers adds each advisory detection's disclaimer once,
// deduplicated by category, in detection order.
func appendDisclaimers(text string, detections []Detection) string {
	seen := make(map[string]bool)
	var b strings.Builder
	b.WriteString(text)
	for _, d := range detections {
		if d.Rule.Severity != config.SeverityAdvisory || d.Rule.Disclaimer == "" {
			continue
		}
		if seen[d.Category] {
			continue
		}
		seen[d.Category] = true
		b.WriteString("\n\n")
		b.WriteString(d.Rule.Disclaimer)
	}
	return b.String()
}
