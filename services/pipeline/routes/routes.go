// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/harborlight/concourse/services/pipeline"
	"github.com/harborlight/concourse/services/pipeline/handlers"
)

// SetupRoutes registers the HTTP surface: health, metrics, and the ask
// endpoints in both buffered and streaming form.
func SetupRoutes(router *gin.Engine, orch *pipeline.Orchestrator) {
	router.Use(otelgin.Middleware("concourse"))

	router.GET("/healthz", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/ask", handlers.HandleAsk(orch))
		v1.POST("/ask/stream", handlers.HandleAskStream(orch))
	}
}
