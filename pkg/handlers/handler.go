/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package handlers exposes the control plane over HTTP: instance intake,
// job and queue inspection, scheduler control, and health.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/instance"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/kvstore"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/provider"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/scheduler"
)

// ApiError is the wire form every failed request returns.
type ApiError struct {
	HttpCode     int    `json:"-"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *ApiError) Error() string {
	return e.ErrorMessage
}

func AbortWithApiError(c *gin.Context, err error) {
	klog.ErrorS(err, "request failed", "path", c.Request.URL.Path)
	rsp := ApiError{
		HttpCode:     errs.HTTPStatus(err),
		ErrorCode:    errs.CodeForError(err),
		ErrorMessage: err.Error(),
	}
	c.AbortWithStatusJSON(rsp.HttpCode, rsp)
}

type Handler struct {
	kv         *kvstore.Client
	store      *instance.Store
	queue      *queue.Queue
	client     provider.Client
	schedulers *scheduler.Manager
}

func NewHandler(kv *kvstore.Client, store *instance.Store, q *queue.Queue,
	client provider.Client, schedulers *scheduler.Manager) *Handler {
	return &Handler{kv: kv, store: store, queue: q, client: client, schedulers: schedulers}
}

type handleFunc func(*gin.Context) (interface{}, error)

func handle(c *gin.Context, fn handleFunc) {
	rsp, err := fn(c)
	if err != nil {
		AbortWithApiError(c, err)
		return
	}
	code := http.StatusOK
	if c.Writer.Status() > 0 && c.Writer.Status() != http.StatusOK {
		code = c.Writer.Status()
	}
	if rsp == nil {
		c.Status(code)
		return
	}
	c.JSON(code, rsp)
}
