/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
)

// RetryClassified retries f up to count attempts with exponential spacing,
// stopping early when the error is not retryable per the transport taxonomy.
// Rate-limit hints override the computed delay for the next wait.
func RetryClassified(f func() error, count int, baseInterval time.Duration) error {
	if count < 1 {
		count = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = baseInterval
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	policy := &hintedBackOff{exp: exp}

	op := func() error {
		err := f()
		if err == nil {
			return nil
		}
		if !errs.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		policy.hint = errs.RetryAfterFor(err)
		return err
	}
	return backoff.Retry(op, backoff.WithMaxRetries(policy, uint64(count-1)))
}

// hintedBackOff layers per-error rate-limit hints over exponential spacing.
type hintedBackOff struct {
	exp  *backoff.ExponentialBackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	d := b.exp.NextBackOff()
	if b.hint > 0 {
		d = b.hint
		b.hint = 0
	}
	return d
}

func (b *hintedBackOff) Reset() {
	b.hint = 0
	b.exp.Reset()
}

// Delay computes the queue retry delay for the given attempt number
// (1-based): base*2^(attempt-1), saturating at max.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
