/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workflow

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/metrics"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/utils/httpclient"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/utils/timeutil"
)

// HandleSendWebhook POSTs the payload as JSON. Any 2xx is success; other
// outcomes return a plain error so the queue's default-retryable rule
// applies.
func (e *Engine) HandleSendWebhook(ctx context.Context, job *queue.Job) error {
	p := job.Payload.SendWebhook
	hc := httpclient.NewHttpClient(e.opts.WebhookTimeout)

	headers := make([]string, 0, len(p.Headers)*2)
	for k, v := range p.Headers {
		headers = append(headers, k, v)
	}
	rsp, err := hc.Post(ctx, p.URL, p.Payload, headers...)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return fmt.Errorf("webhook POST %s: %w", p.URL, err)
	}
	if !rsp.IsSuccess() {
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		return fmt.Errorf("webhook POST %s returned status %d", p.URL, rsp.StatusCode)
	}
	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	klog.V(4).Infof("webhook delivered to %s status=%d", p.URL, rsp.StatusCode)
	return nil
}

// notifyWebhook enqueues a SendWebhook job carrying the standard instance
// event body. A missing URL is a no-op.
func (e *Engine) notifyWebhook(ctx context.Context, url, instanceID, status string, data map[string]any, cause error) {
	if url == "" {
		return
	}
	body := map[string]any{
		"instanceId": instanceID,
		"status":     status,
		"timestamp":  timeutil.FormatRFC3339Milli(time.Now()),
	}
	if len(data) > 0 {
		body["data"] = data
	}
	if cause != nil {
		body["error"] = cause.Error()
	}
	_, err := e.queue.Add(ctx, queue.TypeSendWebhook,
		queue.Payload{SendWebhook: &queue.SendWebhookPayload{URL: url, Payload: body}},
		queue.PriorityNormal, 0)
	if err != nil {
		klog.ErrorS(err, "failed to enqueue webhook", "instance", instanceID, "status", status)
	}
}
