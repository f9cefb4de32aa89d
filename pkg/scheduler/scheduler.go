/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package scheduler holds the periodic producers that feed the job queue:
// spot migration, failed-migration recovery, auto-stop, and data cleanup.
// All four share one template with health tracking and queue-based
// deduplication.
package scheduler

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/metrics"
)

// Produce runs one tick and returns the id of the job it enqueued (or the id
// of the active job it deduplicated against).
type Produce func(ctx context.Context) (jobID string, err error)

// Status is the externally visible scheduler state.
type Status struct {
	Name             string     `json:"name"`
	Enabled          bool       `json:"enabled"`
	Running          bool       `json:"running"`
	ShuttingDown     bool       `json:"shuttingDown"`
	IntervalMs       int64      `json:"intervalMs"`
	TotalExecutions  int64      `json:"totalExecutions"`
	FailedExecutions int64      `json:"failedExecutions"`
	LastRunAt        *time.Time `json:"lastRunAt,omitempty"`
	LastJobID        string     `json:"lastJobId,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
}

// Scheduler runs Produce every interval. The timer is re-armed after the
// tick finishes, never before, so a slow or panicking tick cannot stack
// executions.
type Scheduler struct {
	name     string
	interval time.Duration
	enabled  bool
	produce  Produce

	mu           sync.Mutex
	running      bool
	shuttingDown bool
	currentJobID string
	total        int64
	failed       int64
	lastRunAt    *time.Time
	lastJobID    string
	lastError    string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(name string, interval time.Duration, enabled bool, produce Produce) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		enabled:  enabled,
		produce:  produce,
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Name() string { return s.name }

// Start launches the tick loop. Disabled schedulers stay idle but still
// report healthy.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.enabled {
		klog.Infof("scheduler %s disabled, not starting", s.name)
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	klog.Infof("scheduler %s started, interval=%s", s.name, s.interval)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
		s.runOnce(ctx)
		timer.Reset(s.interval)
	}
}

// runOnce executes one tick; the current-job marker is cleared even when
// produce panics, so Shutdown can never wait on a dead tick.
func (s *Scheduler) runOnce(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	s.currentJobID = "tick"
	s.lastRunAt = &now
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("scheduler %s tick panicked: %v", s.name, r)
			s.recordOutcome("", nil, true)
		}
		s.mu.Lock()
		s.currentJobID = ""
		s.mu.Unlock()
	}()

	jobID, err := s.produce(ctx)
	s.recordOutcome(jobID, err, false)
}

func (s *Scheduler) recordOutcome(jobID string, err error, panicked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if err != nil || panicked {
		s.failed++
		if err != nil {
			s.lastError = err.Error()
		}
		metrics.SchedulerExecutions.WithLabelValues(s.name, "failed").Inc()
		if err != nil {
			klog.ErrorS(err, "scheduler tick failed", "scheduler", s.name)
		}
		return
	}
	s.lastJobID = jobID
	s.lastError = ""
	metrics.SchedulerExecutions.WithLabelValues(s.name, "ok").Inc()
}

// ExecuteNow runs one tick synchronously, outside the timer cadence.
func (s *Scheduler) ExecuteNow(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return "", context.Canceled
	}
	s.mu.Unlock()
	s.runOnce(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastError != "" {
		return "", errLast(s.lastError)
	}
	return s.lastJobID, nil
}

// Stop halts the loop without waiting for an in-flight tick.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Shutdown stops the loop then waits up to timeout for the in-flight tick to
// clear.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
	s.Stop()
	s.wg.Wait()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		busy := s.currentJobID != ""
		s.mu.Unlock()
		if !busy {
			klog.Infof("scheduler %s shut down cleanly", s.name)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	klog.Infof("scheduler %s shutdown timed out with a tick in flight", s.name)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Name:             s.name,
		Enabled:          s.enabled,
		Running:          s.running,
		ShuttingDown:     s.shuttingDown,
		IntervalMs:       s.interval.Milliseconds(),
		TotalExecutions:  s.total,
		FailedExecutions: s.failed,
		LastRunAt:        s.lastRunAt,
		LastJobID:        s.lastJobID,
		LastError:        s.lastError,
	}
}

// Healthy applies the health rules: shutting down is unhealthy, disabled is
// healthy, enabled-but-stopped is unhealthy, and a majority of failures over
// at least ten executions is unhealthy.
func (s *Scheduler) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	if !s.enabled {
		return true
	}
	if !s.running {
		return false
	}
	if s.total >= 10 && float64(s.failed)/float64(s.total) > 0.5 {
		return false
	}
	return true
}

type errLast string

func (e errLast) Error() string { return string(e) }
