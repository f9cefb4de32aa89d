/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Healthz rolls up redis reachability and scheduler health. Degraded still
// answers, with a 503, so probes can distinguish down from degraded.
func (h *Handler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	redisOK := h.kv.Ping(ctx) == nil
	schedulersOK := h.schedulers == nil || h.schedulers.Healthy()

	status := http.StatusOK
	if !redisOK || !schedulersOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"redis":      redisOK,
		"schedulers": schedulersOK,
	})
}
