/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workflow

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/instance"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
)

// AutoStopSummary is the sweep outcome; the job carrying it is ephemeral, so
// this only surfaces through logs and the scheduler status.
type AutoStopSummary struct {
	TotalChecked    int   `json:"totalChecked"`
	EligibleForStop int   `json:"eligibleForStop"`
	Stopped         int   `json:"stopped"`
	Errors          int   `json:"errors"`
	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

// HandleAutoStopCheck stops running instances nobody has used for the
// inactivity threshold. Instances still starting up are shielded by the
// startup and creation grace periods.
func (e *Engine) HandleAutoStopCheck(ctx context.Context, job *queue.Job) error {
	started := time.Now()
	ids, err := e.store.Keys(ctx)
	if err != nil {
		return err
	}

	var summary AutoStopSummary
	now := time.Now()
	for _, id := range ids {
		st, err := e.store.Get(ctx, id)
		if err != nil {
			continue
		}
		summary.TotalChecked++

		eligible, reason := e.autoStopEligible(st, now)
		if !eligible {
			klog.V(5).Infof("instance %s not auto-stop eligible: %s", id, reason)
			continue
		}
		summary.EligibleForStop++

		if e.opts.AutoStopDryRun {
			klog.Infof("dry run: instance %s would be stopped (%s)", id, reason)
			continue
		}
		// clear lastUsed first so a racing touch from the API wins and the
		// next sweep sees fresh activity
		if _, err := e.store.Mutate(ctx, id, func(s *instance.State) {
			s.Timestamps.LastUsed = nil
		}); err != nil {
			klog.ErrorS(err, "failed to clear lastUsed", "instance", id)
		}
		if err := e.client.StopInstance(ctx, st.NovitaInstanceID); err != nil {
			summary.Errors++
			klog.ErrorS(err, "auto-stop failed", "instance", id)
			continue
		}
		summary.Stopped++
		if _, err := e.store.Mutate(ctx, id, func(s *instance.State) {
			s.Status = instance.StatusStopped
		}); err != nil {
			klog.ErrorS(err, "failed to persist stopped status", "instance", id)
		}
		klog.Infof("instance %s auto-stopped: %s", id, reason)
	}

	summary.ExecutionTimeMs = time.Since(started).Milliseconds()
	klog.Infof("auto-stop sweep: checked=%d eligible=%d stopped=%d errors=%d in %dms",
		summary.TotalChecked, summary.EligibleForStop, summary.Stopped,
		summary.Errors, summary.ExecutionTimeMs)
	return nil
}

// autoStopEligible decides whether one instance should be stopped now.
func (e *Engine) autoStopEligible(st *instance.State, now time.Time) (bool, string) {
	if st.Status != instance.StatusRunning && st.Status != instance.StatusStarting {
		return false, "not running"
	}
	if st.Timestamps.Ready == nil {
		// not confirmed ready yet; grant the startup grace from started, or
		// the longer creation grace when it never started
		if st.Timestamps.Started != nil {
			if now.Sub(*st.Timestamps.Started) < e.opts.AutoStopStartupGrace {
				return false, "within startup grace period"
			}
		} else if now.Sub(st.Timestamps.Created) < e.opts.AutoStopCreationGrace {
			return false, "within creation grace period"
		}
	}

	lastUsed := st.Timestamps.LastUsed
	if lastUsed == nil {
		// never touched; measure from the most recent lifecycle timestamp
		if st.Timestamps.Ready != nil {
			lastUsed = st.Timestamps.Ready
		} else if st.Timestamps.Started != nil {
			lastUsed = st.Timestamps.Started
		} else {
			lastUsed = &st.Timestamps.Created
		}
	}
	idle := now.Sub(*lastUsed)
	if idle < e.opts.AutoStopInactivityThreshold {
		return false, "recently used"
	}
	return true, "idle for " + idle.Truncate(time.Second).String()
}
