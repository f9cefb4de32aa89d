/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gotest.tools/assert"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/kvstore"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *kvstore.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	kv := kvstore.NewClientFromRedis(rdb, "gim:")
	return New(kv, opts), kv
}

func webhookPayload() Payload {
	return Payload{SendWebhook: &SendWebhookPayload{
		URL:     "http://hook",
		Payload: map[string]any{"status": "running"},
	}}
}

func autoStopPayload() Payload {
	return Payload{AutoStopCheck: &AutoStopCheckPayload{ScheduledAt: time.Now()}}
}

func TestAddGetRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	job, err := q.Add(ctx, TypeSendWebhook, webhookPayload(), PriorityHigh, 5)
	assert.NilError(t, err)
	assert.Assert(t, job.ID != "")

	got, err := q.Get(ctx, job.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Type, TypeSendWebhook)
	assert.Equal(t, got.Status, StatusPending)
	assert.Equal(t, got.Priority, PriorityHigh)
	assert.Equal(t, got.MaxAttempts, 5)
	assert.Equal(t, got.Payload.SendWebhook.URL, "http://hook")

	_, err = q.Get(ctx, "job_0_missing")
	assert.Assert(t, errs.IsNotFound(err))
}

func TestPayloadVariantMustMatchType(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	_, err := q.Add(context.Background(), TypeCreateInstance, webhookPayload(), PriorityNormal, 0)
	assert.Assert(t, errs.IsValidation(err))

	_, err = q.Add(context.Background(), Type("Bogus"), webhookPayload(), PriorityNormal, 0)
	assert.Assert(t, errs.IsValidation(err))
}

func TestPriorityOrderingWithInterleavedCreation(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	// interleave priorities so creation order does not accidentally match
	// the expected pop order
	priorities := []Priority{PriorityLow, PriorityCritical, PriorityNormal,
		PriorityHigh, PriorityLow, PriorityCritical}
	ids := make([]string, 0, len(priorities))
	for _, p := range priorities {
		job, err := q.Add(ctx, TypeSendWebhook, webhookPayload(), p, 0)
		assert.NilError(t, err)
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond) // distinct createdAt millis
	}

	// expected: critical first (older of the two criticals first), then
	// high, normal, and the lows in age order
	want := []string{ids[1], ids[5], ids[3], ids[2], ids[0], ids[4]}
	for _, expected := range want {
		job, err := q.claimNext(ctx)
		assert.NilError(t, err)
		assert.Assert(t, job != nil)
		assert.Equal(t, job.ID, expected)
	}
	job, err := q.claimNext(ctx)
	assert.NilError(t, err)
	assert.Assert(t, job == nil)
}

func TestTickCompletesJob(t *testing.T) {
	q, kv := newTestQueue(t, Options{})
	ctx := context.Background()

	processed := 0
	q.RegisterHandler(TypeSendWebhook, func(ctx context.Context, job *Job) error {
		processed++
		return nil
	})

	job, err := q.Add(ctx, TypeSendWebhook, webhookPayload(), PriorityNormal, 0)
	assert.NilError(t, err)
	assert.NilError(t, q.Tick(ctx))
	assert.Equal(t, processed, 1)

	got, err := q.Get(ctx, job.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, StatusCompleted)
	assert.Equal(t, got.Attempts, 1)
	assert.Assert(t, got.CompletedAt != nil)

	assertSingleLocation(t, kv, job.ID, keyCompleted)

	stats, err := q.Stats(ctx)
	assert.NilError(t, err)
	assert.Equal(t, stats.Completed, int64(1))
	assert.Equal(t, stats.Pending, int64(0))
	assert.Equal(t, stats.Processing, int64(0))
}

func TestRetryBackoffSequenceAndTerminalFailure(t *testing.T) {
	q, kv := newTestQueue(t, Options{BaseRetryDelay: 40 * time.Millisecond, MaxRetryDelay: time.Second})
	ctx := context.Background()

	q.RegisterHandler(TypeSendWebhook, func(ctx context.Context, job *Job) error {
		return errs.New(errs.ProviderNetwork, "hook unreachable")
	})
	job, err := q.Add(ctx, TypeSendWebhook, webhookPayload(), PriorityNormal, 3)
	assert.NilError(t, err)

	// attempt 1: fails, scheduled with base delay
	assert.NilError(t, q.Tick(ctx))
	got, err := q.Get(ctx, job.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Attempts, 1)
	assert.Equal(t, got.Status, StatusPending)
	assert.Assert(t, got.NextRetryAt != nil)
	firstDelay := got.NextRetryAt.Sub(*got.ProcessedAt)
	assert.Assert(t, firstDelay >= 30*time.Millisecond && firstDelay <= 80*time.Millisecond)
	assertSingleLocation(t, kv, job.ID, keyRetry)

	// attempt 2: promoted after the delay, fails again with doubled delay
	time.Sleep(60 * time.Millisecond)
	assert.NilError(t, q.Tick(ctx))
	got, err = q.Get(ctx, job.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Attempts, 2)
	secondDelay := got.NextRetryAt.Sub(*got.ProcessedAt)
	assert.Assert(t, secondDelay >= 70*time.Millisecond && secondDelay <= 160*time.Millisecond)

	// attempt 3: exhausts maxAttempts and fails terminally
	time.Sleep(120 * time.Millisecond)
	assert.NilError(t, q.Tick(ctx))
	got, err = q.Get(ctx, job.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Attempts, 3)
	assert.Equal(t, got.Status, StatusFailed)
	assert.Assert(t, got.Error != "")
	assertSingleLocation(t, kv, job.ID, keyFailed)
}

func TestValidationErrorFailsImmediately(t *testing.T) {
	q, kv := newTestQueue(t, Options{})
	ctx := context.Background()

	q.RegisterHandler(TypeSendWebhook, func(ctx context.Context, job *Job) error {
		return errs.New(errs.Validation, "malformed payload")
	})
	job, err := q.Add(ctx, TypeSendWebhook, webhookPayload(), PriorityNormal, 3)
	assert.NilError(t, err)
	assert.NilError(t, q.Tick(ctx))

	got, err := q.Get(ctx, job.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, StatusFailed)
	assert.Equal(t, got.Attempts, 1)
	assertSingleLocation(t, kv, job.ID, keyFailed)
}

func TestEphemeralJobLeavesNoRecord(t *testing.T) {
	q, kv := newTestQueue(t, Options{})
	ctx := context.Background()

	q.RegisterHandler(TypeAutoStopCheck, func(ctx context.Context, job *Job) error {
		return nil
	})
	job, err := q.Add(ctx, TypeAutoStopCheck, autoStopPayload(), PriorityLow, 5)
	assert.NilError(t, err)
	// ephemeral types are capped to one attempt no matter what was asked
	assert.Equal(t, job.MaxAttempts, 1)

	assert.NilError(t, q.Tick(ctx))
	exists, err := kv.Exists(ctx, dataKey(job.ID))
	assert.NilError(t, err)
	assert.Assert(t, !exists)

	n, err := kv.ZCard(ctx, keyCompleted)
	assert.NilError(t, err)
	assert.Equal(t, n, int64(0))
}

func TestEphemeralJobFailureAlsoDropsRecord(t *testing.T) {
	q, kv := newTestQueue(t, Options{})
	ctx := context.Background()

	q.RegisterHandler(TypeAutoStopCheck, func(ctx context.Context, job *Job) error {
		return errs.New(errs.ProviderNetwork, "flaky")
	})
	job, err := q.Add(ctx, TypeAutoStopCheck, autoStopPayload(), PriorityLow, 0)
	assert.NilError(t, err)
	assert.NilError(t, q.Tick(ctx))

	exists, err := kv.Exists(ctx, dataKey(job.ID))
	assert.NilError(t, err)
	assert.Assert(t, !exists)
	n, err := kv.ZCard(ctx, keyRetry)
	assert.NilError(t, err)
	assert.Equal(t, n, int64(0), "ephemeral jobs never retry")
}

func TestClaimRaceSingleWinner(t *testing.T) {
	q1, kv := newTestQueue(t, Options{WorkerID: "w1"})
	q2 := New(kv, Options{WorkerID: "w2"})
	ctx := context.Background()

	job, err := q1.Add(ctx, TypeSendWebhook, webhookPayload(), PriorityNormal, 0)
	assert.NilError(t, err)

	won, err := q1.claimNext(ctx)
	assert.NilError(t, err)
	assert.Assert(t, won != nil)

	// simulate the loser observing the id before the winner's ZRem landed
	assert.NilError(t, kv.ZAdd(ctx, keyQueue, score(job.Priority, job.CreatedAt), job.ID))
	lost, err := q2.claimNext(ctx)
	assert.NilError(t, err)
	assert.Assert(t, lost == nil, "second worker must lose the claim race")

	n, err := kv.ZCard(ctx, keyQueue)
	assert.NilError(t, err)
	assert.Equal(t, n, int64(0), "loser cleans the stale queue entry")
}

func TestStaleClaimRecoveryToRetry(t *testing.T) {
	q, kv := newTestQueue(t, Options{ProcessingTimeout: time.Minute})
	ctx := context.Background()

	job, err := q.Add(ctx, TypeSendWebhook, webhookPayload(), PriorityNormal, 3)
	assert.NilError(t, err)

	// simulate a worker crash: claimed long ago, attempts persisted, never
	// released
	job.Attempts = 1
	job.Status = StatusProcessing
	assert.NilError(t, q.persist(ctx, job))
	assert.NilError(t, kv.ZRem(ctx, keyQueue, job.ID))
	enc, err := kvstore.Encode(&claim{StartedAt: time.Now().Add(-2 * time.Minute), WorkerID: "dead"})
	assert.NilError(t, err)
	assert.NilError(t, kv.HSet(ctx, keyProcessing, job.ID, enc))

	assert.NilError(t, q.RecoverStaleClaims(ctx))

	got, err := q.Get(ctx, job.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, StatusPending)
	assert.Equal(t, got.Error, "Job processing timeout")
	assert.Assert(t, got.NextRetryAt != nil)
	assertSingleLocation(t, kv, job.ID, keyRetry)
}

func TestStaleClaimRecoveryExhaustedFails(t *testing.T) {
	q, kv := newTestQueue(t, Options{ProcessingTimeout: time.Minute})
	ctx := context.Background()

	job, err := q.Add(ctx, TypeSendWebhook, webhookPayload(), PriorityNormal, 2)
	assert.NilError(t, err)
	job.Attempts = 2
	job.Status = StatusProcessing
	assert.NilError(t, q.persist(ctx, job))
	assert.NilError(t, kv.ZRem(ctx, keyQueue, job.ID))
	enc, err := kvstore.Encode(&claim{StartedAt: time.Now().Add(-2 * time.Minute)})
	assert.NilError(t, err)
	assert.NilError(t, kv.HSet(ctx, keyProcessing, job.ID, enc))

	assert.NilError(t, q.RecoverStaleClaims(ctx))

	got, err := q.Get(ctx, job.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, StatusFailed)
	assertSingleLocation(t, kv, job.ID, keyFailed)
}

func TestFreshClaimIsLeftAlone(t *testing.T) {
	q, kv := newTestQueue(t, Options{ProcessingTimeout: time.Minute})
	ctx := context.Background()

	job, err := q.Add(ctx, TypeSendWebhook, webhookPayload(), PriorityNormal, 3)
	assert.NilError(t, err)
	assert.NilError(t, kv.ZRem(ctx, keyQueue, job.ID))
	enc, err := kvstore.Encode(&claim{StartedAt: time.Now()})
	assert.NilError(t, err)
	assert.NilError(t, kv.HSet(ctx, keyProcessing, job.ID, enc))

	assert.NilError(t, q.RecoverStaleClaims(ctx))
	assertSingleLocation(t, kv, job.ID, keyProcessing)
}

func TestFindActiveForDedup(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	found, err := q.FindActive(ctx, TypeMigrateSpotInstances)
	assert.NilError(t, err)
	assert.Assert(t, found == nil)

	job, err := q.Add(ctx, TypeMigrateSpotInstances,
		Payload{MigrateSpotInstances: &MigrateSpotInstancesPayload{ScheduledAt: time.Now()}},
		PriorityNormal, 0)
	assert.NilError(t, err)

	found, err = q.FindActive(ctx, TypeMigrateSpotInstances)
	assert.NilError(t, err)
	assert.Assert(t, found != nil)
	assert.Equal(t, found.ID, job.ID)

	// another type must not match
	found, err = q.FindActive(ctx, TypeHandleFailedMigrations)
	assert.NilError(t, err)
	assert.Assert(t, found == nil)
}

func TestLedgerTrimEvictsOldest(t *testing.T) {
	q, kv := newTestQueue(t, Options{MaxCompletedJobs: 3})
	ctx := context.Background()

	q.RegisterHandler(TypeSendWebhook, func(ctx context.Context, job *Job) error {
		return nil
	})
	var first *Job
	for i := 0; i < 5; i++ {
		job, err := q.Add(ctx, TypeSendWebhook, webhookPayload(), PriorityNormal, 0)
		assert.NilError(t, err)
		if first == nil {
			first = job
		}
		assert.NilError(t, q.Tick(ctx))
		time.Sleep(2 * time.Millisecond)
	}

	n, err := kv.ZCard(ctx, keyCompleted)
	assert.NilError(t, err)
	assert.Equal(t, n, int64(3))

	// the oldest completion and its record are gone
	exists, err := kv.Exists(ctx, dataKey(first.ID))
	assert.NilError(t, err)
	assert.Assert(t, !exists)
}

func TestCleanupOrphanedData(t *testing.T) {
	q, kv := newTestQueue(t, Options{})
	ctx := context.Background()

	referenced, err := q.Add(ctx, TypeSendWebhook, webhookPayload(), PriorityNormal, 0)
	assert.NilError(t, err)

	// orphan: record with no structure referencing it
	orphan := &Job{ID: newJobID(time.Now()), Type: TypeSendWebhook, Status: StatusCompleted,
		CreatedAt: time.Now(), Payload: webhookPayload()}
	assert.NilError(t, q.persist(ctx, orphan))

	removed, err := q.CleanupOrphanedData(ctx)
	assert.NilError(t, err)
	assert.Equal(t, removed, 1)

	exists, err := kv.Exists(ctx, dataKey(referenced.ID))
	assert.NilError(t, err)
	assert.Assert(t, exists)
	exists, err = kv.Exists(ctx, dataKey(orphan.ID))
	assert.NilError(t, err)
	assert.Assert(t, !exists)
}

// assertSingleLocation checks the §single-home invariant: the id appears in
// exactly one queue structure.
func TestPromoteRetryReadySingleLocation(t *testing.T) {
	q, kv := newTestQueue(t, Options{})
	ctx := context.Background()

	job, err := q.AddDelayed(ctx, TypeSendWebhook, webhookPayload(), PriorityNormal, 3, 10*time.Millisecond)
	assert.NilError(t, err)
	assertSingleLocation(t, kv, job.ID, keyRetry)

	time.Sleep(20 * time.Millisecond)
	assert.NilError(t, q.promoteRetryReady(ctx))
	assertSingleLocation(t, kv, job.ID, keyQueue)

	got, err := q.Get(ctx, job.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, StatusPending)
	assert.Assert(t, got.NextRetryAt == nil)
}

func assertSingleLocation(t *testing.T, kv *kvstore.Client, id, want string) {
	t.Helper()
	ctx := context.Background()
	locations := map[string]bool{}
	for _, zkey := range []string{keyQueue, keyRetry, keyCompleted, keyFailed} {
		_, found, err := kv.ZScore(ctx, zkey, id)
		assert.NilError(t, err)
		locations[zkey] = found
	}
	_, found, err := kv.HGet(ctx, keyProcessing, id)
	assert.NilError(t, err)
	locations[keyProcessing] = found

	for key, present := range locations {
		if key == want {
			assert.Assert(t, present, "expected %s in %s", id, key)
		} else {
			assert.Assert(t, !present, "unexpected %s in %s", id, key)
		}
	}
}
