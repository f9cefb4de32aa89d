/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package backoff

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
)

func TestDelaySequence(t *testing.T) {
	base := 100 * time.Millisecond
	max := 30 * time.Second
	assert.Equal(t, 100*time.Millisecond, Delay(1, base, max))
	assert.Equal(t, 200*time.Millisecond, Delay(2, base, max))
	assert.Equal(t, 400*time.Millisecond, Delay(3, base, max))
	assert.Equal(t, max, Delay(30, base, max))
	// attempt below 1 is coerced to the first step
	assert.Equal(t, base, Delay(0, base, max))
}

func TestRetryClassifiedStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := RetryClassified(func() error {
		calls++
		return errs.New(errs.Validation, "bad template")
	}, 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryClassifiedRetriesTransient(t *testing.T) {
	calls := 0
	err := RetryClassified(func() error {
		calls++
		if calls < 3 {
			return errs.New(errs.ProviderNetwork, "reset")
		}
		return nil
	}, 3, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryClassifiedHonorsRateLimitHint(t *testing.T) {
	calls := 0
	start := time.Now()
	err := RetryClassified(func() error {
		calls++
		if calls == 1 {
			e := errs.New(errs.ProviderRateLimited, "throttled")
			e.RetryAfter = 30 * time.Millisecond
			return e
		}
		return nil
	}, 3, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond,
		"the retry-after hint must replace the computed delay")
}

func TestRetryClassifiedExhaustsAttempts(t *testing.T) {
	calls := 0
	err := RetryClassified(func() error {
		calls++
		return fmt.Errorf("still failing")
	}, 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}
