// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retriever assembles grounding context: it embeds the query,
// fans out similarity searches across the selected namespaces, and
// merges, deduplicates, and optionally reranks the results.
//
// Retrieval failures never abort the pipeline. A failed namespace yields
// partial results; a failure across every namespace (including embedding
// failure) yields an empty result set. Both are logged, neither is an
// error to the caller; only context cancellation is.
package retriever

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/harborlight/concourse/services/pipeline/config"
	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

var tracer = otel.Tracer("concourse.pipeline.retriever")

// maxConcurrentSearches bounds namespace fan-out per run.
const maxConcurrentSearches = 4

// Retriever is the context retriever. Safe for concurrent use.
type Retriever struct {
	embedder Embedder
	searcher NamespaceSearcher
	reranker Reranker // nil disables reranking
	cfg      config.RetrievalConfig
	classes  map[string]string
	timeout  time.Duration
}

// New creates a Retriever over the given config snapshot. reranker may
// be nil.
func New(embedder Embedder, searcher NamespaceSearcher, reranker Reranker, cfg *config.Config) *Retriever {
	classes := make(map[string]string, len(cfg.Namespaces))
	for _, ns := range cfg.Namespaces {
		classes[ns.Name] = ns.Class
	}
	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		reranker: reranker,
		cfg:      cfg.Retrieval,
		classes:  classes,
		timeout:  cfg.Weaviate.SearchTimeout,
	}
}

// Result is one retrieval outcome. FailedNamespaces lists searches
// that gave up after retries; a non-empty list with non-empty Passages
// is a partial success, not a failure.
type Result struct {
	Passages         []datatypes.RetrievedPassage
	FailedNamespaces []string
}

// Retrieve returns grounding passages for the query, best first.
//
// # Description
//
// One similarity search per namespace, independently retried and
// independently allowed to fail. Results are merged by score descending,
// deduplicated by source identity keeping the highest-scoring
// occurrence, and, when more than the configured threshold of
// candidates remain and a reranker is configured, reranked and
// truncated to the final top-k.
//
// # Outputs
//
//   - *Result: Passages possibly empty; empty is a valid outcome, not a
//     failure.
//   - error: only the context's error when the run was canceled.
func (r *Retriever) Retrieve(ctx context.Context, query string, namespaces []string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.StringSlice("retrieval.namespaces", namespaces),
		attribute.Int("retrieval.per_namespace_limit", r.cfg.PerNamespaceLimit),
	)

	if len(namespaces) == 0 || r.searcher == nil {
		return &Result{}, nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		span.RecordError(err)
		slog.Warn("Query embedding failed, answering without grounding", "error", err)
		return &Result{FailedNamespaces: namespaces}, nil
	}

	perNamespace := make([][]datatypes.RetrievedPassage, len(namespaces))
	searchErrs := make([]error, len(namespaces))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSearches)
	for i, ns := range namespaces {
		g.Go(func() error {
			passages, err := r.searchWithRetry(gctx, ns, vector)
			if err != nil {
				// Siblings abort only when the run itself was canceled,
				// judged by the group context rather than the error's
				// shape: a search that spent its retries on per-search
				// timeouts fails like any other namespace.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Warn("Namespace search failed, continuing with partial results",
					"namespace", ns,
					"error", err,
				)
				searchErrs[i] = err
				return nil
			}
			perNamespace[i] = passages
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var failedNamespaces []string
	for i, err := range searchErrs {
		if err != nil {
			failedNamespaces = append(failedNamespaces, namespaces[i])
		}
	}
	if len(failedNamespaces) == len(namespaces) {
		span.SetAttributes(attribute.Bool("retrieval.all_failed", true))
		slog.Warn("All namespace searches failed, answering without grounding", "namespaces", namespaces)
		return &Result{FailedNamespaces: failedNamespaces}, nil
	}

	merged := mergeAndDeduplicate(perNamespace)
	span.SetAttributes(attribute.Int("retrieval.candidates", len(merged)))

	final := r.maybeRerank(ctx, query, merged)
	span.SetAttributes(attribute.Int("retrieval.results", len(final)))
	return &Result{Passages: final, FailedNamespaces: failedNamespaces}, nil
}

// searchWithRetry runs one namespace search with bounded exponential
// backoff. Context errors are never retried.
func (r *Retriever) searchWithRetry(ctx context.Context, namespace string, vector []float32) ([]datatypes.RetrievedPassage, error) {
	class, ok := r.classes[namespace]
	if !ok {
		// An unconfigured namespace can only come from a stale routing
		// decision racing a config reload; treat as a failed search.
		return nil, errors.New("namespace not configured")
	}

	var lastErr error
	delay := r.cfg.RetryDelay
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("Retrying namespace search",
				"namespace", namespace,
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		searchCtx := ctx
		var cancel context.CancelFunc
		if r.timeout > 0 {
			searchCtx, cancel = context.WithTimeout(ctx, r.timeout)
		}
		passages, err := r.searcher.Search(searchCtx, class, vector, r.cfg.PerNamespaceLimit, r.cfg.ScoreThreshold)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			for i := range passages {
				passages[i].Namespace = namespace
			}
			return passages, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// mergeAndDeduplicate flattens per-namespace results into one list,
// ordered by score descending, deduplicated by source identity with the
// highest-scoring occurrence kept.
//
// Ordering is fully deterministic: ties break by the namespace's position
// in the routing decision, then by within-namespace rank.
func mergeAndDeduplicate(perNamespace [][]datatypes.RetrievedPassage) []datatypes.RetrievedPassage {
	type ranked struct {
		p       datatypes.RetrievedPassage
		nsOrder int
		rank    int
	}

	var all []ranked
	for i, passages := range perNamespace {
		for j, p := range passages {
			all = append(all, ranked{p: p, nsOrder: i, rank: j})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].p.Score != all[j].p.Score {
			return all[i].p.Score > all[j].p.Score
		}
		if all[i].nsOrder != all[j].nsOrder {
			return all[i].nsOrder < all[j].nsOrder
		}
		return all[i].rank < all[j].rank
	})

	seen := make(map[string]bool, len(all))
	out := make([]datatypes.RetrievedPassage, 0, len(all))
	for _, r := range all {
		id := r.p.SourceIdentity()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, r.p)
	}
	return out
}

// maybeRerank applies the reranker when the candidate set is large
// enough. The reranker's output is verified to be a pure subset of the
// candidates; anything else falls back to score-ordered truncation.
func (r *Retriever) maybeRerank(ctx context.Context, query string, candidates []datatypes.RetrievedPassage) []datatypes.RetrievedPassage {
	if r.reranker == nil || len(candidates) <= r.cfg.RerankThreshold {
		return candidates
	}

	reranked, err := r.reranker.Rerank(ctx, query, candidates, r.cfg.RerankTopK)
	if err != nil {
		slog.Warn("Rerank failed, keeping score order", "error", err)
		return truncate(candidates, r.cfg.RerankTopK)
	}
	if !isSubset(reranked, candidates) || len(reranked) > r.cfg.RerankTopK {
		slog.Warn("Reranker violated the pure-reorder contract, keeping score order")
		return truncate(candidates, r.cfg.RerankTopK)
	}
	return reranked
}

func truncate(passages []datatypes.RetrievedPassage, n int) []datatypes.RetrievedPassage {
	if len(passages) <= n {
		return passages
	}
	return passages[:n]
}

// isSubset reports whether every passage in sub appears in set with
// identical content, keyed by source identity.
func isSubset(sub, set []datatypes.RetrievedPassage) bool {
	byID := make(map[string]datatypes.RetrievedPassage, len(set))
	for _, p := range set {
		byID[p.SourceIdentity()] = p
	}
	for _, p := range sub {
		orig, ok := byID[p.SourceIdentity()]
		if !ok || orig.Text != p.Text {
			return false
		}
	}
	return true
}
