/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/instance"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
)

// CreateInstanceRequest is the intake body. Provisioning happens
// asynchronously through the queue; the response only confirms acceptance.
type CreateInstanceRequest struct {
	Name        string `json:"name" binding:"required"`
	ProductName string `json:"productName" binding:"required"`
	TemplateID  string `json:"templateId" binding:"required"`
	GpuNum      int    `json:"gpuNum"`
	RootfsSize  int    `json:"rootfsSize"`
	Region      string `json:"region,omitempty"`
	WebhookURL  string `json:"webhookUrl,omitempty"`
}

type CreateInstanceResponse struct {
	InstanceID string `json:"instanceId"`
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
}

func (h *Handler) CreateInstance(c *gin.Context) {
	handle(c, h.createInstance)
}

func (h *Handler) createInstance(c *gin.Context) (interface{}, error) {
	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "invalid create request: %v", err)
	}
	if req.GpuNum <= 0 {
		req.GpuNum = 1
	}
	if req.RootfsSize <= 0 {
		req.RootfsSize = 60
	}

	id := fmt.Sprintf("inst_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
	st := &instance.State{
		ID:     id,
		Name:   req.Name,
		Status: instance.StatusCreating,
		Configuration: instance.Configuration{
			GpuNum:     req.GpuNum,
			RootfsSize: req.RootfsSize,
			Region:     req.Region,
		},
		Timestamps: instance.Timestamps{Created: time.Now()},
		WebhookURL: req.WebhookURL,
	}
	if err := h.store.Save(c.Request.Context(), st); err != nil {
		return nil, err
	}

	job, err := h.queue.Add(c.Request.Context(), queue.TypeCreateInstance, queue.Payload{
		CreateInstance: &queue.CreateInstancePayload{
			InstanceID:  id,
			Name:        req.Name,
			ProductName: req.ProductName,
			TemplateID:  req.TemplateID,
			GpuNum:      req.GpuNum,
			RootfsSize:  req.RootfsSize,
			Region:      req.Region,
			WebhookURL:  req.WebhookURL,
		},
	}, queue.PriorityHigh, 0)
	if err != nil {
		return nil, err
	}

	c.Status(201)
	return CreateInstanceResponse{InstanceID: id, JobID: job.ID, Status: string(st.Status)}, nil
}

func (h *Handler) GetInstance(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.store.Get(c.Request.Context(), c.Param("id"))
	})
}

func (h *Handler) DeleteInstance(c *gin.Context) {
	handle(c, h.deleteInstance)
}

func (h *Handler) deleteInstance(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	id := c.Param("id")
	st, err := h.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.NovitaInstanceID != "" {
		if err := h.client.DeleteInstance(ctx, st.NovitaInstanceID); err != nil && !errs.IsNotFound(err) {
			return nil, err
		}
	}
	if _, err := h.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	klog.Infof("instance %s deleted via API", id)
	return gin.H{"deleted": id}, nil
}

func (h *Handler) TouchInstance(c *gin.Context) {
	handle(c, func(c *gin.Context) (interface{}, error) {
		return h.store.TouchLastUsed(c.Request.Context(), c.Param("id"))
	})
}
