/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/kvstore"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/metrics"
)

const (
	keyQueue      = "jobs:queue"
	keyRetry      = "jobs:retry"
	keyProcessing = "jobs:processing"
	keyCompleted  = "jobs:completed"
	keyFailed     = "jobs:failed"
	keyDataPrefix = "jobs:data:"
)

func dataKey(id string) string {
	return keyDataPrefix + id
}

// Handler consumes one job. A nil return completes the job; an error routes
// it through the retry policy using the errs classification.
type Handler func(ctx context.Context, job *Job) error

type Options struct {
	ProcessingInterval time.Duration
	CleanupInterval    time.Duration
	ProcessingTimeout  time.Duration
	ShutdownTimeout    time.Duration
	BaseRetryDelay     time.Duration
	MaxRetryDelay      time.Duration
	MaxCompletedJobs   int64
	MaxFailedJobs      int64
	DefaultMaxAttempts int
	WorkerID           string
}

func (o *Options) applyDefaults() {
	if o.ProcessingInterval <= 0 {
		o.ProcessingInterval = time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Minute
	}
	if o.ProcessingTimeout <= 0 {
		o.ProcessingTimeout = 10 * time.Minute
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = 100 * time.Millisecond
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 30 * time.Second
	}
	if o.MaxCompletedJobs <= 0 {
		o.MaxCompletedJobs = 100
	}
	if o.MaxFailedJobs <= 0 {
		o.MaxFailedJobs = 100
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	if o.WorkerID == "" {
		host, _ := os.Hostname()
		o.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

// Queue is the durable priority job queue over redis. A job id lives in
// exactly one of jobs:queue, jobs:retry, jobs:processing, or a terminal
// ledger; its record sits in jobs:data:<id> for as long as any of those
// reference it.
type Queue struct {
	kv   *kvstore.Client
	opts Options

	mu       sync.RWMutex
	handlers map[Type]Handler

	shuttingDown atomic.Bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func New(kv *kvstore.Client, opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{
		kv:       kv,
		opts:     opts,
		handlers: make(map[Type]Handler),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler binds a process-local handler to a job type. Handlers must
// be registered before Start.
func (q *Queue) RegisterHandler(t Type, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

func (q *Queue) handlerFor(t Type) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[t]
	return h, ok
}

// Add persists a new pending job and enqueues it. maxAttempts <= 0 uses the
// queue default; ephemeral types are forced to a single attempt.
func (q *Queue) Add(ctx context.Context, t Type, payload Payload, priority Priority, maxAttempts int) (*Job, error) {
	if !t.Valid() {
		return nil, errs.New(errs.Validation, "unknown job type %q", t)
	}
	if !payload.matches(t) {
		return nil, errs.New(errs.Validation, "payload variant does not match job type %q", t)
	}
	if maxAttempts <= 0 {
		maxAttempts = q.opts.DefaultMaxAttempts
	}
	if t.Ephemeral() {
		maxAttempts = 1
	}
	now := time.Now()
	job := &Job{
		ID:          newJobID(now),
		Type:        t,
		Payload:     payload,
		Status:      StatusPending,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
	}
	if err := q.persist(ctx, job); err != nil {
		return nil, err
	}
	if err := q.kv.ZAdd(ctx, keyQueue, score(job.Priority, job.CreatedAt), job.ID); err != nil {
		return nil, err
	}
	klog.V(4).Infof("enqueued job %s type=%s priority=%d", job.ID, job.Type, job.Priority)
	return job, nil
}

// AddDelayed persists a new job directly into the retry queue with
// nextRetryAt = now + delay. The delay survives process restarts, which is
// how monitoring re-polls itself without an in-process timer.
func (q *Queue) AddDelayed(ctx context.Context, t Type, payload Payload, priority Priority, maxAttempts int, delay time.Duration) (*Job, error) {
	if !t.Valid() {
		return nil, errs.New(errs.Validation, "unknown job type %q", t)
	}
	if !payload.matches(t) {
		return nil, errs.New(errs.Validation, "payload variant does not match job type %q", t)
	}
	if maxAttempts <= 0 {
		maxAttempts = q.opts.DefaultMaxAttempts
	}
	if t.Ephemeral() {
		maxAttempts = 1
	}
	now := time.Now()
	retryAt := now.Add(delay)
	job := &Job{
		ID:          newJobID(now),
		Type:        t,
		Payload:     payload,
		Status:      StatusPending,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		NextRetryAt: &retryAt,
	}
	if err := q.persist(ctx, job); err != nil {
		return nil, err
	}
	if err := q.kv.ZAdd(ctx, keyRetry, float64(retryAt.UnixMilli()), job.ID); err != nil {
		return nil, err
	}
	klog.V(4).Infof("enqueued delayed job %s type=%s delay=%s", job.ID, job.Type, delay)
	return job, nil
}

func (q *Queue) persist(ctx context.Context, job *Job) error {
	enc, err := kvstore.Encode(job)
	if err != nil {
		return err
	}
	return q.kv.HSet(ctx, dataKey(job.ID), "data", enc)
}

// Get loads a job record by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	raw, found, err := q.kv.HGet(ctx, dataKey(id), "data")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.New(errs.JobNotFound, "job %s not found", id)
	}
	var job Job
	if err := kvstore.Decode(raw, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Filter narrows List results. Nil fields match everything.
type Filter struct {
	Status *Status
	Type   *Type
	Limit  int
}

// List scans every job record and filters in memory. O(N) over jobs:data:*;
// intended for scheduler dedup and admin views only.
func (q *Queue) List(ctx context.Context, filter Filter) ([]*Job, error) {
	keys, err := q.kv.ScanAll(ctx, keyDataPrefix+"*", 100)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(keys))
	for _, key := range keys {
		id := key[len(keyDataPrefix):]
		job, err := q.Get(ctx, id)
		if err != nil {
			if errs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && job.Type != *filter.Type {
			continue
		}
		jobs = append(jobs, job)
		if filter.Limit > 0 && len(jobs) >= filter.Limit {
			break
		}
	}
	return jobs, nil
}

// FindActive returns a pending or processing job of the given type, if one
// exists. This backs scheduler deduplication.
func (q *Queue) FindActive(ctx context.Context, t Type) (*Job, error) {
	jobs, err := q.List(ctx, Filter{Type: &t})
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if job.Status == StatusPending || job.Status == StatusProcessing {
			return job, nil
		}
	}
	return nil, nil
}

// Stats aggregates cardinalities across the queue structures.
type Stats struct {
	Pending    int64 `json:"pending"`
	Retrying   int64 `json:"retrying"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	var err error
	if stats.Pending, err = q.kv.ZCard(ctx, keyQueue); err != nil {
		return nil, err
	}
	if stats.Retrying, err = q.kv.ZCard(ctx, keyRetry); err != nil {
		return nil, err
	}
	if stats.Processing, err = q.kv.HLen(ctx, keyProcessing); err != nil {
		return nil, err
	}
	if stats.Completed, err = q.kv.ZCard(ctx, keyCompleted); err != nil {
		return nil, err
	}
	if stats.Failed, err = q.kv.ZCard(ctx, keyFailed); err != nil {
		return nil, err
	}
	metrics.QueueDepth.WithLabelValues("queue").Set(float64(stats.Pending))
	metrics.QueueDepth.WithLabelValues("retry").Set(float64(stats.Retrying))
	metrics.QueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
	return &stats, nil
}
