/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/kvstore"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/metrics"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/utils/backoff"
)

type claim struct {
	StartedAt time.Time `json:"startedAt"`
	WorkerID  string    `json:"workerId,omitempty"`
}

// Start launches the processing and cleanup loops.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(2)
	go q.processLoop(ctx)
	go q.cleanupLoop(ctx)
	klog.Infof("job queue started, worker=%s interval=%s", q.opts.WorkerID, q.opts.ProcessingInterval)
}

// Shutdown stops the loops, then waits up to the shutdown timeout for the
// processing set to drain. Jobs still processing afterwards are logged and
// left to stale-claim recovery.
func (q *Queue) Shutdown(ctx context.Context) {
	q.shuttingDown.Store(true)
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()

	deadline := time.Now().Add(q.opts.ShutdownTimeout)
	for time.Now().Before(deadline) {
		n, err := q.kv.HLen(ctx, keyProcessing)
		if err == nil && n == 0 {
			klog.Infof("job queue drained cleanly")
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	if n, err := q.kv.HLen(ctx, keyProcessing); err == nil && n > 0 {
		klog.Infof("job queue shutdown with %d jobs still processing", n)
	}
}

func (q *Queue) IsShuttingDown() bool {
	return q.shuttingDown.Load()
}

func (q *Queue) processLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := q.Tick(ctx); err != nil {
				klog.ErrorS(err, "queue tick failed")
			}
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one processing cycle: promote due retries, then claim and run at
// most one job.
func (q *Queue) Tick(ctx context.Context) error {
	if q.shuttingDown.Load() {
		return nil
	}
	if err := q.promoteRetryReady(ctx); err != nil {
		return fmt.Errorf("promote retries: %w", err)
	}
	job, err := q.claimNext(ctx)
	if err != nil {
		return fmt.Errorf("claim next: %w", err)
	}
	if job == nil {
		return nil
	}
	q.runJob(ctx, job)
	return nil
}

// promoteRetryReady moves jobs whose nextRetryAt has passed back into the
// priority queue.
func (q *Queue) promoteRetryReady(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	due, err := q.kv.ZRangeByScore(ctx, keyRetry, 0, now)
	if err != nil {
		return err
	}
	for _, id := range due {
		job, err := q.Get(ctx, id)
		if err != nil {
			if errs.IsNotFound(err) {
				_ = q.kv.ZRem(ctx, keyRetry, id)
				continue
			}
			return err
		}
		job.Status = StatusPending
		job.NextRetryAt = nil
		if err := q.persist(ctx, job); err != nil {
			return err
		}
		// retry first, queue second: a crash in between strands the record
		// outside every structure, which orphan cleanup reclaims; the reverse
		// order would leave a duplicate that can double-run
		if err := q.kv.ZRem(ctx, keyRetry, id); err != nil {
			return err
		}
		if err := q.kv.ZAdd(ctx, keyQueue, score(job.Priority, job.CreatedAt), id); err != nil {
			return err
		}
		klog.V(4).Infof("job %s retry-ready, moved to queue", id)
	}
	return nil
}

// claimNext pops the best-scored pending job and claims it. A lost claim race
// (another worker took the id first) re-pops until the queue is empty.
func (q *Queue) claimNext(ctx context.Context) (*Job, error) {
	for {
		top, err := q.kv.ZRevRange(ctx, keyQueue, 0, 0)
		if err != nil {
			return nil, err
		}
		if len(top) == 0 {
			return nil, nil
		}
		id := top[0]

		job, err := q.Get(ctx, id)
		if err != nil {
			if errs.IsNotFound(err) {
				// stale id with no record
				_ = q.kv.ZRem(ctx, keyQueue, id)
				continue
			}
			return nil, err
		}
		if job.NextRetryAt != nil && job.NextRetryAt.After(time.Now()) {
			if err := q.kv.ZRem(ctx, keyQueue, id); err != nil {
				return nil, err
			}
			if err := q.kv.ZAdd(ctx, keyRetry, float64(job.NextRetryAt.UnixMilli()), id); err != nil {
				return nil, err
			}
			continue
		}

		enc, err := kvstore.Encode(&claim{StartedAt: time.Now(), WorkerID: q.opts.WorkerID})
		if err != nil {
			return nil, err
		}
		won, err := q.kv.HSetNX(ctx, keyProcessing, id, enc)
		if err != nil {
			return nil, err
		}
		if !won {
			// another worker holds the claim; its ZRem may still be in
			// flight, so drop the id ourselves and move on
			_ = q.kv.ZRem(ctx, keyQueue, id)
			continue
		}
		if err := q.kv.ZRem(ctx, keyQueue, id); err != nil {
			return nil, err
		}
		return job, nil
	}
}

func (q *Queue) runJob(ctx context.Context, job *Job) {
	now := time.Now()
	job.Attempts++
	job.Status = StatusProcessing
	job.ProcessedAt = &now
	if err := q.persist(ctx, job); err != nil {
		klog.ErrorS(err, "failed to persist processing state", "job", job.ID)
	}

	handler, ok := q.handlerFor(job.Type)
	var err error
	if !ok {
		err = errs.New(errs.HandlerNotRegistered, "no handler registered for type %s", job.Type)
	} else {
		err = q.invoke(ctx, handler, job)
	}

	if err == nil {
		q.completeJob(ctx, job)
		return
	}
	q.failAttempt(ctx, job, err)
}

// invoke shields the loop from handler panics; a panic counts as a failed
// attempt.
func (q *Queue) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			klog.ErrorS(err, "job handler panicked", "job", job.ID, "type", job.Type)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) completeJob(ctx context.Context, job *Job) {
	now := time.Now()
	if err := q.kv.HDel(ctx, keyProcessing, job.ID); err != nil {
		klog.ErrorS(err, "failed to release claim", "job", job.ID)
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Type), "completed").Inc()
	if job.Type.Ephemeral() {
		if _, err := q.kv.Del(ctx, dataKey(job.ID)); err != nil {
			klog.ErrorS(err, "failed to delete ephemeral job record", "job", job.ID)
		}
		klog.V(4).Infof("ephemeral job %s completed, record dropped", job.ID)
		return
	}
	job.Status = StatusCompleted
	job.CompletedAt = &now
	if err := q.persist(ctx, job); err != nil {
		klog.ErrorS(err, "failed to persist completed job", "job", job.ID)
	}
	if err := q.kv.ZAdd(ctx, keyCompleted, float64(now.UnixMilli()), job.ID); err != nil {
		klog.ErrorS(err, "failed to record completion", "job", job.ID)
	}
	q.trimLedger(ctx, keyCompleted, q.opts.MaxCompletedJobs)
	klog.V(4).Infof("job %s completed after %d attempt(s)", job.ID, job.Attempts)
}

// failAttempt applies the retry policy: transient failures below the attempt
// cap go to the retry queue with exponential backoff (or the rate-limit
// hint); everything else lands in the failed ledger. Ephemeral jobs drop
// their record either way.
func (q *Queue) failAttempt(ctx context.Context, job *Job, cause error) {
	now := time.Now()
	job.Error = cause.Error()
	if err := q.kv.HDel(ctx, keyProcessing, job.ID); err != nil {
		klog.ErrorS(err, "failed to release claim", "job", job.ID)
	}

	if job.Type.Ephemeral() {
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "failed").Inc()
		if _, err := q.kv.Del(ctx, dataKey(job.ID)); err != nil {
			klog.ErrorS(err, "failed to delete ephemeral job record", "job", job.ID)
		}
		klog.ErrorS(cause, "ephemeral job failed, record dropped", "job", job.ID, "type", job.Type)
		return
	}

	retryable := errs.IsRetryable(cause)
	if retryable && job.Attempts < job.MaxAttempts {
		delay := backoff.Delay(job.Attempts, q.opts.BaseRetryDelay, q.opts.MaxRetryDelay)
		if hint := errs.RetryAfterFor(cause); hint > delay {
			delay = hint
		}
		retryAt := now.Add(delay)
		job.Status = StatusPending
		job.NextRetryAt = &retryAt
		if err := q.persist(ctx, job); err != nil {
			klog.ErrorS(err, "failed to persist retry state", "job", job.ID)
		}
		if err := q.kv.ZAdd(ctx, keyRetry, float64(retryAt.UnixMilli()), job.ID); err != nil {
			klog.ErrorS(err, "failed to schedule retry", "job", job.ID)
		}
		klog.ErrorS(cause, "job attempt failed, retrying", "job", job.ID,
			"attempt", job.Attempts, "maxAttempts", job.MaxAttempts, "delay", delay)
		return
	}

	job.Status = StatusFailed
	job.CompletedAt = &now
	if err := q.persist(ctx, job); err != nil {
		klog.ErrorS(err, "failed to persist failed job", "job", job.ID)
	}
	if err := q.kv.ZAdd(ctx, keyFailed, float64(now.UnixMilli()), job.ID); err != nil {
		klog.ErrorS(err, "failed to record failure", "job", job.ID)
	}
	q.trimLedger(ctx, keyFailed, q.opts.MaxFailedJobs)
	metrics.JobsProcessed.WithLabelValues(string(job.Type), "failed").Inc()
	klog.ErrorS(cause, "job failed terminally", "job", job.ID,
		"type", job.Type, "attempts", job.Attempts)
}

// trimLedger evicts oldest entries once a terminal ledger exceeds its cap,
// deleting the trimmed records with it.
func (q *Queue) trimLedger(ctx context.Context, key string, max int64) {
	n, err := q.kv.ZCard(ctx, key)
	if err != nil || n <= max {
		return
	}
	// lowest scores are the oldest completions
	excess := n - max
	oldest, err := q.kv.ZRevRange(ctx, key, n-excess, n-1)
	if err != nil {
		klog.ErrorS(err, "failed to read ledger overflow", "ledger", key)
		return
	}
	for _, id := range oldest {
		_, _ = q.kv.Del(ctx, dataKey(id))
	}
	if _, err := q.kv.ZRemRangeByRank(ctx, key, 0, excess-1); err != nil {
		klog.ErrorS(err, "failed to trim ledger", "ledger", key)
	}
}
