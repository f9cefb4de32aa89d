/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package errs

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	rateLimited := New(ProviderRateLimited, "too many requests").WithRetryAfter(2 * time.Second)
	assert.True(t, IsRateLimited(rateLimited))
	assert.True(t, IsRetryable(rateLimited))
	assert.Equal(t, 2*time.Second, RetryAfterFor(rateLimited))

	validation := New(Validation, "template %s has no imageUrl", "t1")
	assert.True(t, IsValidation(validation))
	assert.False(t, IsRetryable(validation))

	notFound := New(InstanceNotFound, "instance gone")
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsRetryable(notFound))

	invalidState := New(ProviderInvalidState, "invalid state change")
	assert.True(t, IsInvalidState(invalidState))
	assert.True(t, IsRetryable(invalidState))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(cause, ProviderNetwork, "list instances")
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, ProviderNetwork, CodeForError(err))
	assert.True(t, IsRetryable(err))

	// A wrapped coded error stays classified through fmt wrapping.
	outer := fmt.Errorf("migrate: %w", err)
	assert.Equal(t, ProviderNetwork, CodeForError(outer))
}

func TestUncodedErrorsDefaultRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("plain failure")))
	assert.False(t, IsRetryable(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(New(NotFound, "x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(New(BadRequest, "x")))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(New(Unauthorized, "x")))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(New(ProviderRateLimited, "x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("boom")))
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
}
