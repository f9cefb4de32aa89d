/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package scheduler

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
)

const (
	NameMigration       = "migration"
	NameFailedMigration = "failed-migration"
	NameAutoStop        = "auto-stop"
	NameDataCleanup     = "data-cleanup"

	// AutoStopInterval is fixed; the sweep itself applies the configurable
	// thresholds.
	AutoStopInterval = 2 * time.Minute
)

// dedupedProduce enqueues a job of type t unless one is already pending or
// processing, in which case the active job's id is returned instead.
func dedupedProduce(q *queue.Queue, t queue.Type, payload queue.Payload, maxAttempts int) Produce {
	return func(ctx context.Context) (string, error) {
		active, err := q.FindActive(ctx, t)
		if err != nil {
			return "", err
		}
		if active != nil {
			klog.V(4).Infof("%s job %s already active, skipping enqueue", t, active.ID)
			return active.ID, nil
		}
		job, err := q.Add(ctx, t, payload, queue.PriorityNormal, maxAttempts)
		if err != nil {
			return "", err
		}
		return job.ID, nil
	}
}

// NewMigration produces MigrateSpotInstances jobs with queue-level retries.
func NewMigration(q *queue.Queue, interval time.Duration, enabled bool) *Scheduler {
	produce := func(ctx context.Context) (string, error) {
		return dedupedProduce(q, queue.TypeMigrateSpotInstances, queue.Payload{
			MigrateSpotInstances: &queue.MigrateSpotInstancesPayload{ScheduledAt: time.Now()},
		}, 3)(ctx)
	}
	return New(NameMigration, interval, enabled, produce)
}

// NewFailedMigration produces HandleFailedMigrations jobs at twice the
// migration interval, single attempt.
func NewFailedMigration(q *queue.Queue, migrationInterval time.Duration, enabled bool) *Scheduler {
	produce := func(ctx context.Context) (string, error) {
		return dedupedProduce(q, queue.TypeHandleFailedMigrations, queue.Payload{
			HandleFailedMigrations: &queue.HandleFailedMigrationsPayload{ScheduledAt: time.Now()},
		}, 1)(ctx)
	}
	return New(NameFailedMigration, 2*migrationInterval, enabled, produce)
}

// NewAutoStop produces ephemeral AutoStopCheck jobs on a fixed cadence. No
// dedup: the sweep is idempotent and the job leaves no record.
func NewAutoStop(q *queue.Queue, enabled bool) *Scheduler {
	produce := func(ctx context.Context) (string, error) {
		job, err := q.Add(ctx, queue.TypeAutoStopCheck, queue.Payload{
			AutoStopCheck: &queue.AutoStopCheckPayload{ScheduledAt: time.Now()},
		}, queue.PriorityLow, 1)
		if err != nil {
			return "", err
		}
		return job.ID, nil
	}
	return New(NameAutoStop, AutoStopInterval, enabled, produce)
}
