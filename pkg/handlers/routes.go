/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
)

// Authorize rejects requests without the configured bearer token. An empty
// token disables auth, which is the local-development mode.
func Authorize(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+token {
			AbortWithApiError(c, errs.New(errs.Unauthorized, "missing or invalid token"))
			return
		}
		c.Next()
	}
}

// InitRouters builds the gin engine with all API routes.
func InitRouters(h *Handler, authToken string) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.NoRoute(func(c *gin.Context) {
		AbortWithApiError(c, errs.New(errs.NotFound, "%s not found", c.Request.RequestURI))
	})

	engine.GET("/healthz", h.Healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	group := engine.Group("/api/v1", Authorize(authToken))
	{
		group.POST("instances", h.CreateInstance)
		group.GET("instances/:id", h.GetInstance)
		group.DELETE("instances/:id", h.DeleteInstance)
		group.POST("instances/:id/lastused", h.TouchInstance)

		group.GET("jobs", h.ListJobs)
		group.GET("jobs/:id", h.GetJob)
		group.GET("queue/stats", h.QueueStats)

		group.GET("schedulers", h.ListSchedulers)
		group.POST("schedulers/:name/execute", h.ExecuteScheduler)
	}
	return engine
}
