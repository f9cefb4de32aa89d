/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
)

func (h *Handler) ListSchedulers(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return gin.H{"schedulers": h.schedulers.Statuses(), "healthy": h.schedulers.Healthy()}, nil
	})
}

func (h *Handler) ExecuteScheduler(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		name := c.Param("name")
		runner, ok := h.schedulers.Get(name)
		if !ok {
			return nil, errs.New(errs.NotFound, "scheduler %q not found", name)
		}
		jobID, err := runner.ExecuteNow(c.Request.Context())
		if err != nil {
			return nil, err
		}
		return gin.H{"scheduler": name, "jobId": jobID}, nil
	})
}
