// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/harborlight/concourse/pkg/logging"
	"github.com/harborlight/concourse/services/llm"
	"github.com/harborlight/concourse/services/pipeline"
	"github.com/harborlight/concourse/services/pipeline/config"
	"github.com/harborlight/concourse/services/pipeline/generator"
	"github.com/harborlight/concourse/services/pipeline/moderation"
	"github.com/harborlight/concourse/services/pipeline/observability"
	"github.com/harborlight/concourse/services/pipeline/retriever"
	"github.com/harborlight/concourse/services/pipeline/router"
	"github.com/harborlight/concourse/services/pipeline/routes"
	"github.com/harborlight/concourse/services/pipeline/storage"
)

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if env := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); env != "" {
		endpoint = env
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("concourse")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newWeaviateClient parses the configured URL. A missing or unusable
// URL means lightweight mode: no retrieval grounding and local-only
// turn storage.
func newWeaviateClient(rawURL string) *weaviate.Client {
	rawURL = strings.Trim(rawURL, "\"' ")
	if rawURL == "" || !strings.Contains(rawURL, "http") {
		slog.Info("Weaviate URL not set. Running in lightweight mode.")
		return nil
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("Weaviate URL is invalid. Running in lightweight mode.",
			"url", rawURL, "error", err)
		return nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client", "error", err)
		return nil
	}
	return client
}

// newLLMClient selects the inference backend by configured provider.
func newLLMClient(cfg config.LLMConfig) (llm.LLMClient, error) {
	switch cfg.Provider {
	case "ollama":
		return llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL:         cfg.BaseURL,
			Model:           cfg.Model,
			ClassifierModel: cfg.ClassifierModel,
		})
	default:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			ClassifierModel:   cfg.ClassifierModel,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	}
}

func main() {
	logging.Setup()

	configPath := os.Getenv("CONCOURSE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	store, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	stopWatch, err := store.Watch()
	if err != nil {
		slog.Warn("config hot-reload unavailable", "error", err)
	} else {
		defer stopWatch()
	}
	cfg := store.Snapshot()

	cleanup, err := initTracer(cfg.Server.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	llmClient, err := newLLMClient(cfg.LLM)
	if err != nil {
		log.Fatalf("failed to initialize LLM client: %v", err)
	}

	weaviateClient := newWeaviateClient(cfg.Weaviate.URL)

	// Storage: Weaviate when available, local Badger store otherwise.
	var recorder storage.TurnRecorder
	if weaviateClient != nil {
		ws := storage.NewWeaviateStore(weaviateClient)
		if err := ws.EnsureSchema(context.Background()); err != nil {
			slog.Warn("turn schema check failed, continuing", "error", err)
		}
		recorder = ws
	} else {
		bs, err := storage.OpenBadgerStore(cfg.Storage.DataDir)
		if err != nil {
			log.Fatalf("failed to open local turn store: %v", err)
		}
		defer bs.Close()
		recorder = bs
	}

	// Retrieval collaborators. All nil in lightweight mode; the
	// retriever answers with empty results.
	var searcher retriever.NamespaceSearcher
	var reranker retriever.Reranker
	var embedder retriever.Embedder
	if weaviateClient != nil {
		searcher = retriever.NewWeaviateSearcher(weaviateClient)
		embedder, err = retriever.NewOpenAIEmbedder(cfg.Embedding)
		if err != nil {
			log.Fatalf("failed to initialize embedder: %v", err)
		}
		if cfg.Retrieval.RerankerURL != "" {
			reranker = retriever.NewHTTPReranker(cfg.Retrieval.RerankerURL, cfg.Weaviate.SearchTimeout)
		}
	}

	detector, err := moderation.NewRuleDetector(cfg.Safety.Rules)
	if err != nil {
		log.Fatalf("failed to compile safety rules: %v", err)
	}

	orch := pipeline.New(pipeline.Deps{
		Router:    router.New(llmClient, cfg),
		Retriever: retriever.New(embedder, searcher, reranker, cfg),
		Generator: generator.New(llmClient, cfg.Generation),
		Moderator: moderation.New(detector, cfg.Safety),
		Recorder:  recorder,
		Metrics:   metrics,
		Config:    store,
	})

	engine := gin.Default()
	routes.SetupRoutes(engine, orch)

	slog.Info("starting concourse", "port", cfg.Server.Port)
	if err := engine.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}
