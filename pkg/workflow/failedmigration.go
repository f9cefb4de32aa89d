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
)

// HandleFailedMigrations retries instances whose earlier migration failed,
// once their cooldown has elapsed. Instances that recovered or disappeared on
// their own have their failure record cleared.
func (e *Engine) HandleFailedMigrations(ctx context.Context, job *queue.Job) error {
	started := time.Now()
	records, err := e.migrations.Failed(ctx)
	if err != nil {
		return err
	}

	var summary MigrationSummary
	now := time.Now()
	for _, rec := range records {
		if !e.migrations.CooldownElapsed(rec, now, e.opts.MigrationCooldown) {
			summary.Skipped++
			klog.V(4).Infof("instance %s still cooling down (last attempt %s)",
				rec.InstanceID, rec.LastAttempt.Format(time.RFC3339))
			continue
		}
		summary.TotalProcessed++

		inst, err := e.client.GetInstance(ctx, rec.InstanceID)
		if err != nil {
			if errs.IsNotFound(err) {
				// gone at the provider; nothing left to migrate
				if serr := e.migrations.RecordSuccess(ctx, rec.InstanceID); serr != nil {
					klog.ErrorS(serr, "failed to clear stale migration record", "instance", rec.InstanceID)
				}
				summary.Skipped++
				continue
			}
			summary.Errors++
			job.AddStep("inspect "+rec.InstanceID, err)
			continue
		}
		if inst.Status != provider.InstanceStatusExited {
			// recovered without our help
			if serr := e.migrations.RecordSuccess(ctx, rec.InstanceID); serr != nil {
				klog.ErrorS(serr, "failed to clear migration record", "instance", rec.InstanceID)
			}
			summary.Skipped++
			continue
		}

		if err := e.migrateOne(ctx, rec.InstanceID); err != nil {
			summary.Errors++
			job.AddStep("re-migrate "+rec.InstanceID, err)
			metrics.MigrationsTotal.WithLabelValues("retry_failed").Inc()
			if rerr := e.migrations.RecordFailure(ctx, rec.InstanceID, err); rerr != nil {
				klog.ErrorS(rerr, "failed to record migration failure", "instance", rec.InstanceID)
			}
			klog.ErrorS(err, "re-migration failed", "instance", rec.InstanceID,
				"failures", rec.Failures+1)
			continue
		}
		summary.Migrated++
		job.AddStep("re-migrate "+rec.InstanceID, nil)
		metrics.MigrationsTotal.WithLabelValues("retry_migrated").Inc()
		if err := e.migrations.RecordSuccess(ctx, rec.InstanceID); err != nil {
			klog.ErrorS(err, "failed to record migration success", "instance", rec.InstanceID)
		}
		klog.Infof("instance %s re-migrated after %d failed attempt(s)", rec.InstanceID, rec.Failures)
	}

	summary.ExecutionTimeMs = time.Since(started).Milliseconds()
	klog.Infof("failed-migration sweep: processed=%d migrated=%d skipped=%d errors=%d in %dms",
		summary.TotalProcessed, summary.Migrated, summary.Skipped,
		summary.Errors, summary.ExecutionTimeMs)
	return nil
}
