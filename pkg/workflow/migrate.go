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
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/metrics"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/provider"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/utils/backoff"
)

// MigrationSummary is the batch outcome returned through the job record.
type MigrationSummary struct {
	TotalProcessed  int   `json:"totalProcessed"`
	Migrated        int   `json:"migrated"`
	Skipped         int   `json:"skipped"`
	Errors          int   `json:"errors"`
	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

// evaluateEligibility applies the spot reclaim heuristics to an exited
// instance. The gpuIds signals come from the provider's reclaim marker
// convention and take precedence over the spot fields.
func evaluateEligibility(inst *provider.Instance) (bool, string) {
	if len(inst.GpuIds) == 1 && inst.GpuIds[0] == 1 {
		return false, "gpuIds [1] - no migration"
	}
	if len(inst.GpuIds) == 1 && inst.GpuIds[0] == 2 {
		return true, "gpuIds [2] - migration required"
	}
	if inst.SpotStatus == "" && inst.SpotReclaimTime == "0" {
		return false, "no spot reclaim signal"
	}
	if inst.SpotReclaimTime != "" && inst.SpotReclaimTime != "0" {
		return true, "spot reclaim detected"
	}
	return false, "not eligible"
}

// HandleMigrateSpotInstances sweeps every exited instance at the provider and
// migrates the ones the reclaim heuristics select.
func (e *Engine) HandleMigrateSpotInstances(ctx context.Context, job *queue.Job) error {
	started := time.Now()
	instances, err := provider.ListAllInstances(ctx, e.client, "")
	if err != nil {
		if !e.opts.ListingFallbackToLocal {
			return err
		}
		klog.ErrorS(err, "provider listing failed, falling back to cached instances")
		if instances, err = e.localInstances(ctx); err != nil {
			return err
		}
	}

	var summary MigrationSummary
	for i := range instances {
		inst := &instances[i]
		if inst.Status != provider.InstanceStatusExited {
			continue
		}
		summary.TotalProcessed++

		eligible, reason := evaluateEligibility(inst)
		if !eligible {
			summary.Skipped++
			job.AddStep("skip "+inst.ID+": "+reason, nil)
			klog.V(4).Infof("instance %s skipped: %s", inst.ID, reason)
			continue
		}
		if e.opts.MigrationDryRun {
			summary.Skipped++
			klog.Infof("dry run: instance %s would be migrated (%s)", inst.ID, reason)
			continue
		}
		if e.opts.MigrationMaxConcurrent > 0 && summary.Migrated+summary.Errors >= e.opts.MigrationMaxConcurrent {
			summary.Skipped++
			klog.Infof("instance %s deferred to next sweep, per-sweep migration cap reached", inst.ID)
			continue
		}

		klog.Infof("migrating instance %s: %s", inst.ID, reason)
		if err := e.migrateOne(ctx, inst.ID); err != nil {
			summary.Errors++
			job.AddStep("migrate "+inst.ID, err)
			metrics.MigrationsTotal.WithLabelValues("failed").Inc()
			if rerr := e.migrations.RecordFailure(ctx, inst.ID, err); rerr != nil {
				klog.ErrorS(rerr, "failed to record migration failure", "instance", inst.ID)
			}
			klog.ErrorS(err, "migration failed", "instance", inst.ID)
			continue
		}
		summary.Migrated++
		job.AddStep("migrate "+inst.ID, nil)
		metrics.MigrationsTotal.WithLabelValues("migrated").Inc()
		if err := e.migrations.RecordSuccess(ctx, inst.ID); err != nil {
			klog.ErrorS(err, "failed to record migration success", "instance", inst.ID)
		}
	}

	summary.ExecutionTimeMs = time.Since(started).Milliseconds()
	klog.Infof("spot migration sweep: processed=%d migrated=%d skipped=%d errors=%d in %dms",
		summary.TotalProcessed, summary.Migrated, summary.Skipped,
		summary.Errors, summary.ExecutionTimeMs)
	return nil
}

// localInstances reconstructs a provider-shaped listing from the cached
// state. Staler than the real listing, but good enough to act on reclaim
// markers already observed by monitoring.
func (e *Engine) localInstances(ctx context.Context) ([]provider.Instance, error) {
	ids, err := e.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Instance, 0, len(ids))
	for _, id := range ids {
		st, err := e.store.Get(ctx, id)
		if err != nil || st.NovitaInstanceID == "" {
			continue
		}
		out = append(out, provider.Instance{
			ID:              st.NovitaInstanceID,
			Name:            st.Name,
			Status:          string(st.Status),
			GpuIds:          st.GpuIds,
			SpotStatus:      st.SpotStatus,
			SpotReclaimTime: st.SpotReclaimTime,
		})
	}
	return out, nil
}

// migrateOne calls MigrateInstance with classified retries. The provider's
// "invalid state change" rejection usually means the instance moved on its
// own; after a short wait a Starting or Running instance counts as migrated.
func (e *Engine) migrateOne(ctx context.Context, id string) error {
	return backoff.RetryClassified(func() error {
		_, err := e.client.MigrateInstance(ctx, id)
		if err == nil {
			return nil
		}
		if errs.IsInvalidState(err) {
			e.sleep(ctx, e.opts.InvalidStateRecheckDelay)
			inst, gerr := e.client.GetInstance(ctx, id)
			if gerr == nil && (inst.Status == provider.InstanceStatusStarting ||
				inst.Status == provider.InstanceStatusRunning) {
				klog.Infof("instance %s already %s after invalid-state rejection, treating as migrated",
					id, inst.Status)
				return nil
			}
		}
		return err
	}, e.opts.MigrationRetryAttempts, e.opts.MigrationRetryInterval)
}
