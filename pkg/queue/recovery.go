/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/kvstore"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/utils/backoff"
)

func (q *Queue) cleanupLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := q.RecoverStaleClaims(ctx); err != nil {
				klog.ErrorS(err, "stale claim recovery failed")
			}
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RecoverStaleClaims scans the processing set for claims older than the
// processing timeout. Recovered jobs either go back through the retry queue
// or fail terminally, depending on remaining attempts; a claim whose record
// vanished is simply dropped.
func (q *Queue) RecoverStaleClaims(ctx context.Context) error {
	claims, err := q.kv.HGetAll(ctx, keyProcessing)
	if err != nil {
		return err
	}
	now := time.Now()
	for id, raw := range claims {
		var cl claim
		if err := kvstore.Decode(raw, &cl); err != nil {
			klog.ErrorS(err, "unreadable processing claim, dropping", "job", id)
			_ = q.kv.HDel(ctx, keyProcessing, id)
			continue
		}
		if now.Sub(cl.StartedAt) <= q.opts.ProcessingTimeout {
			continue
		}

		job, err := q.Get(ctx, id)
		if err != nil {
			if errs.IsNotFound(err) {
				_ = q.kv.HDel(ctx, keyProcessing, id)
				continue
			}
			return err
		}

		if job.Attempts < job.MaxAttempts {
			delay := backoff.Delay(job.Attempts, q.opts.BaseRetryDelay, q.opts.MaxRetryDelay)
			retryAt := now.Add(delay)
			job.Status = StatusPending
			job.NextRetryAt = &retryAt
			job.Error = "Job processing timeout"
			if err := q.persist(ctx, job); err != nil {
				return err
			}
			if err := q.kv.ZAdd(ctx, keyRetry, float64(retryAt.UnixMilli()), id); err != nil {
				return err
			}
			klog.Infof("recovered stale claim for job %s (worker %s), retry in %s",
				id, cl.WorkerID, delay)
		} else {
			job.Status = StatusFailed
			job.CompletedAt = &now
			job.Error = "Job processing timeout"
			if err := q.persist(ctx, job); err != nil {
				return err
			}
			if err := q.kv.ZAdd(ctx, keyFailed, float64(now.UnixMilli()), id); err != nil {
				return err
			}
			q.trimLedger(ctx, keyFailed, q.opts.MaxFailedJobs)
			klog.Infof("stale claim for job %s exhausted attempts, marked failed", id)
		}
		if err := q.kv.HDel(ctx, keyProcessing, id); err != nil {
			return err
		}
	}
	return nil
}

// CleanupOrphanedData deletes job records that no queue structure references.
// The data-cleanup scheduler drives this on its three-hour cadence.
func (q *Queue) CleanupOrphanedData(ctx context.Context) (int, error) {
	keys, err := q.kv.ScanAll(ctx, keyDataPrefix+"job_*", 100)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		id := key[len(keyDataPrefix):]
		referenced, err := q.isReferenced(ctx, id)
		if err != nil {
			return removed, err
		}
		if referenced {
			continue
		}
		if _, err := q.kv.Del(ctx, dataKey(id)); err == nil {
			removed++
		}
	}
	if removed > 0 {
		klog.Infof("job data cleanup removed %d orphaned records", removed)
	}
	return removed, nil
}

func (q *Queue) isReferenced(ctx context.Context, id string) (bool, error) {
	for _, zkey := range []string{keyQueue, keyRetry, keyCompleted, keyFailed} {
		if _, found, err := q.kv.ZScore(ctx, zkey, id); err != nil {
			return false, err
		} else if found {
			return true, nil
		}
	}
	_, found, err := q.kv.HGet(ctx, keyProcessing, id)
	if err != nil {
		return false, err
	}
	return found, nil
}
