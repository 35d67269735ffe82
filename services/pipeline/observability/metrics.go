// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics for the conversation pipeline.
//
// # Description
//
// This package implements Prometheus metrics for monitoring pipeline
// runs. Metrics include:
//   - Run counters by terminal status
//   - Per-stage duration histograms
//   - Token usage counters
//   - Active run gauge
//   - Regeneration and blocked-answer counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "concourse"

// Subsystem for pipeline metrics
const pipelineSubsystem = "pipeline"

// PipelineMetrics holds all Prometheus metrics for pipeline runs.
// Initialize once at startup via InitMetrics().
type PipelineMetrics struct {
	// RunsTotal counts completed runs by terminal status.
	// Labels: status (complete, error), blocked (true, false)
	RunsTotal *prometheus.CounterVec

	// StageDurationSeconds measures time spent in each stage.
	// Labels: stage (routing, retrieving, generating, moderating)
	StageDurationSeconds *prometheus.HistogramVec

	// TokensTotal counts tokens by direction.
	// Labels: direction (prompt, completion)
	TokensTotal *prometheus.CounterVec

	// ActiveRuns tracks runs currently in flight.
	ActiveRuns prometheus.Gauge

	// RegenerationsTotal counts regeneration attempts.
	RegenerationsTotal prometheus.Counter

	// BlockedTotal counts blocked answers by cause.
	// Labels: cause (rule, exhausted)
	BlockedTotal *prometheus.CounterVec

	// RetrievalFailuresTotal counts degraded retrievals by kind.
	// Labels: kind (partial, empty)
	RetrievalFailuresTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of PipelineMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics creates and registers all pipeline metrics. Call once at
// startup; a second call panics on duplicate registration.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = &PipelineMetrics{
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "runs_total",
				Help:      "Total pipeline runs by terminal status",
			},
			[]string{"status", "blocked"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each pipeline stage",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"stage"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens by direction",
			},
			[]string{"direction"},
		),

		ActiveRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "active_runs",
				Help:      "Pipeline runs currently in flight",
			},
		),

		RegenerationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "regenerations_total",
				Help:      "Total regeneration attempts",
			},
		),

		BlockedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "blocked_total",
				Help:      "Total blocked answers by cause",
			},
			[]string{"cause"},
		),

		RetrievalFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "retrieval_failures_total",
				Help:      "Degraded retrievals by kind",
			},
			[]string{"kind"},
		),
	}

	return DefaultMetrics
}

// RecordRun records one terminal run outcome.
func (m *PipelineMetrics) RecordRun(status string, blocked bool) {
	b := "false"
	if blocked {
		b = "true"
	}
	m.RunsTotal.WithLabelValues(status, b).Inc()
}

// RecordStage observes one stage's duration.
func (m *PipelineMetrics) RecordStage(stage string, seconds float64) {
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordTokens records token usage for one run.
func (m *PipelineMetrics) RecordTokens(prompt, completion int) {
	m.TokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	m.TokensTotal.WithLabelValues("completion").Add(float64(completion))
}

// RunStarted increments the active run gauge.
func (m *PipelineMetrics) RunStarted() { m.ActiveRuns.Inc() }

// RunEnded decrements the active run gauge.
func (m *PipelineMetrics) RunEnded() { m.ActiveRuns.Dec() }

// RecordRegeneration counts one regeneration attempt.
func (m *PipelineMetrics) RecordRegeneration() { m.RegenerationsTotal.Inc() }

// RecordBlocked counts one blocked answer. cause is "rule" or
// "exhausted".
func (m *PipelineMetrics) RecordBlocked(cause string) {
	m.BlockedTotal.WithLabelValues(cause).Inc()
}

// RecordRetrievalFailure counts one degraded retrieval. kind is
// "partial" or "empty".
func (m *PipelineMetrics) RecordRetrievalFailure(kind string) {
	m.RetrievalFailuresTotal.WithLabelValues(kind).Inc()
}
