/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/metrics"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
)

// dataCleanupSpec fires at minute zero of every third hour, UTC.
const dataCleanupSpec = "0 */3 * * *"

// DataCleanup deletes orphaned job records on a cron cadence instead of the
// timer template: the three-hour schedule is aligned to the UTC wall clock,
// not to process start.
type DataCleanup struct {
	queue   *queue.Queue
	enabled bool
	cron    *cron.Cron

	mu           sync.Mutex
	running      bool
	shuttingDown bool
	total        int64
	failed       int64
	lastRunAt    *time.Time
	lastError    string
	lastRemoved  int
}

func NewDataCleanup(q *queue.Queue, enabled bool) *DataCleanup {
	return &DataCleanup{queue: q, enabled: enabled}
}

func (d *DataCleanup) Name() string { return NameDataCleanup }

func (d *DataCleanup) Start(ctx context.Context) {
	if !d.enabled {
		klog.Infof("scheduler %s disabled, not starting", NameDataCleanup)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := d.cron.AddFunc(dataCleanupSpec, func() { d.runOnce(ctx) }); err != nil {
		klog.ErrorS(err, "failed to schedule data cleanup")
		return
	}
	d.cron.Start()
	d.running = true
	klog.Infof("scheduler %s started, spec=%q", NameDataCleanup, dataCleanupSpec)
}

func (d *DataCleanup) runOnce(ctx context.Context) {
	now := time.Now()
	removed, err := d.queue.CleanupOrphanedData(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.total++
	d.lastRunAt = &now
	d.lastRemoved = removed
	if err != nil {
		d.failed++
		d.lastError = err.Error()
		metrics.SchedulerExecutions.WithLabelValues(NameDataCleanup, "failed").Inc()
		klog.ErrorS(err, "data cleanup tick failed")
		return
	}
	d.lastError = ""
	metrics.SchedulerExecutions.WithLabelValues(NameDataCleanup, "ok").Inc()
}

// ExecuteNow runs a cleanup outside the cron cadence.
func (d *DataCleanup) ExecuteNow(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return "", context.Canceled
	}
	d.mu.Unlock()
	d.runOnce(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastError != "" {
		return "", errLast(d.lastError)
	}
	return fmt.Sprintf("removed %d records", d.lastRemoved), nil
}

func (d *DataCleanup) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		d.cron.Stop()
	}
	d.running = false
}

func (d *DataCleanup) Shutdown(timeout time.Duration) {
	d.mu.Lock()
	d.shuttingDown = true
	c := d.cron
	d.mu.Unlock()
	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		klog.Infof("scheduler %s shut down cleanly", NameDataCleanup)
	case <-time.After(timeout):
		klog.Infof("scheduler %s shutdown timed out", NameDataCleanup)
	}
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *DataCleanup) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Name:             NameDataCleanup,
		Enabled:          d.enabled,
		Running:          d.running,
		ShuttingDown:     d.shuttingDown,
		TotalExecutions:  d.total,
		FailedExecutions: d.failed,
		LastRunAt:        d.lastRunAt,
		LastError:        d.lastError,
	}
}

func (d *DataCleanup) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuttingDown {
		return false
	}
	if !d.enabled {
		return true
	}
	if !d.running {
		return false
	}
	if d.total >= 10 && float64(d.failed)/float64(d.total) > 0.5 {
		return false
	}
	return true
}
