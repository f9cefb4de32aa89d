/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workflow

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/instance"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/provider"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
)

// HandleMonitorInstance performs a single readiness check. While the instance
// is still coming up, a fresh delayed job continues the polling; the delayed
// job lives in the retry queue, so a process restart does not break the
// chain.
func (e *Engine) HandleMonitorInstance(ctx context.Context, job *queue.Job) error {
	p := job.Payload.MonitorInstance
	now := time.Now()

	maxWait := time.Duration(p.MaxWaitTimeMs) * time.Millisecond
	if maxWait <= 0 {
		maxWait = e.opts.MonitorMaxWait
	}
	if now.Sub(p.StartTime) > maxWait {
		cause := errs.New(errs.InternalError, "Instance startup timeout after %dms", maxWait.Milliseconds())
		e.markMonitorFailed(ctx, p, cause)
		e.notifyWebhook(ctx, p.WebhookURL, p.InstanceID, "timeout", nil, cause)
		klog.Infof("instance %s monitoring timed out after %s", p.InstanceID, maxWait)
		return nil
	}

	inst, err := e.client.GetInstance(ctx, p.NovitaInstanceID)
	if err != nil {
		return err
	}

	if _, err := e.store.Mutate(ctx, p.InstanceID, func(st *instance.State) {
		st.Status = instance.Status(inst.Status)
		st.GpuIds = inst.GpuIds
		st.SpotStatus = inst.SpotStatus
		st.SpotReclaimTime = inst.SpotReclaimTime
	}); err != nil {
		klog.ErrorS(err, "failed to update monitored state", "instance", p.InstanceID)
	}

	switch inst.Status {
	case provider.InstanceStatusRunning:
		if _, err := e.store.Mutate(ctx, p.InstanceID, func(st *instance.State) {
			st.Timestamps.Ready = &now
		}); err != nil {
			klog.ErrorS(err, "failed to stamp ready time", "instance", p.InstanceID)
		}
		e.notifyWebhook(ctx, p.WebhookURL, p.InstanceID, "running",
			map[string]any{"novitaInstanceId": p.NovitaInstanceID}, nil)
		klog.Infof("instance %s is running (%s since start)", p.InstanceID, now.Sub(p.StartTime))
		return nil

	case provider.InstanceStatusFailed:
		cause := errs.New(errs.InternalError, "instance %s entered failed state", p.InstanceID)
		e.markMonitorFailed(ctx, p, cause)
		e.notifyWebhook(ctx, p.WebhookURL, p.InstanceID, "failed", nil, cause)
		return cause

	default:
		_, err := e.queue.AddDelayed(ctx, queue.TypeMonitorInstance,
			queue.Payload{MonitorInstance: p}, job.Priority, 0, e.opts.MonitorPollInterval)
		if err != nil {
			return err
		}
		klog.V(4).Infof("instance %s still %s, next check in %s",
			p.InstanceID, inst.Status, e.opts.MonitorPollInterval)
		return nil
	}
}

func (e *Engine) markMonitorFailed(ctx context.Context, p *queue.MonitorInstancePayload, cause error) {
	now := time.Now()
	if _, err := e.store.Mutate(ctx, p.InstanceID, func(st *instance.State) {
		st.Status = instance.StatusFailed
		st.LastError = cause.Error()
		st.Timestamps.Failed = &now
	}); err != nil {
		klog.ErrorS(err, "failed to mark instance failed", "instance", p.InstanceID)
	}
}
