/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
)

func (h *Handler) GetJob(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.queue.Get(c.Request.Context(), c.Param("id"))
	})
}

// ListJobs is the O(N) admin view; filters map straight onto queue.Filter.
func (h *Handler) ListJobs(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		var filter queue.Filter
		if s := c.Query("status"); s != "" {
			status := queue.Status(s)
			filter.Status = &status
		}
		if t := c.Query("type"); t != "" {
			jt := queue.Type(t)
			filter.Type = &jt
		}
		if l := c.Query("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil {
				filter.Limit = n
			}
		}
		jobs, err := h.queue.List(c.Request.Context(), filter)
		if err != nil {
			return nil, err
		}
		return gin.H{"jobs": jobs, "count": len(jobs)}, nil
	})
}

func (h *Handler) QueueStats(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.queue.Stats(c.Request.Context())
	})
}
