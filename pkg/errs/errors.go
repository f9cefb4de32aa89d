/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const Prefix = "GIM."

/*
   5-digit Error Code Convention: [xx][yyy]
   [xx] Business ID (00–99), used to distinguish errors from different business areas.
   00: General errors
   01: Provider-related errors
   02: Job/queue-related errors
   03: Instance-related errors
   [yyy] Error code range (000–999)
*/

// public: 00xxx
const (
	InternalError = Prefix + "00001"
	BadRequest    = Prefix + "00002"
	Forbidden     = Prefix + "00003"
	AlreadyExist  = Prefix + "00004"
	NotFound      = Prefix + "00005"
	Unauthorized  = Prefix + "00006"
	Validation    = Prefix + "00007"
)

// provider: 01xxx
const (
	ProviderTimeout      = Prefix + "01001"
	ProviderNetwork      = Prefix + "01002"
	ProviderRateLimited  = Prefix + "01003"
	ProviderCircuitOpen  = Prefix + "01004"
	ProviderServerError  = Prefix + "01005"
	ProviderInvalidState = Prefix + "01006"
	ProviderUnknown      = Prefix + "01007"
)

// job: 02xxx
const (
	JobNotFound          = Prefix + "02001"
	JobProcessingTimeout = Prefix + "02002"
	HandlerNotRegistered = Prefix + "02003"
)

// instance: 03xxx
const (
	InstanceNotFound   = Prefix + "03001"
	NoProductAvailable = Prefix + "03002"
	TemplateInvalid    = Prefix + "03003"
	MigrationFailed    = Prefix + "03004"
)

// Error is the coded error carried across the queue/workflow boundary.
// The queue consults the code family to decide retry vs immediate failure.
type Error struct {
	Code       string
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func New(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithRetryAfter attaches the server-provided retry hint (429 Retry-After).
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// CodeForError returns the coded classification of err, or empty when err
// does not carry one.
func CodeForError(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// RetryAfterFor returns the rate-limit hint attached to err, if any.
func RetryAfterFor(err error) time.Duration {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}

func is(err error, codes ...string) bool {
	c := CodeForError(err)
	for _, code := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func IsNotFound(err error) bool {
	return is(err, NotFound, JobNotFound, InstanceNotFound)
}

func IsValidation(err error) bool {
	return is(err, Validation, BadRequest, TemplateInvalid)
}

func IsUnauthorized(err error) bool {
	return is(err, Unauthorized, Forbidden)
}

func IsRateLimited(err error) bool {
	return is(err, ProviderRateLimited)
}

func IsCircuitOpen(err error) bool {
	return is(err, ProviderCircuitOpen)
}

func IsTimeout(err error) bool {
	return is(err, ProviderTimeout)
}

func IsInvalidState(err error) bool {
	return is(err, ProviderInvalidState)
}

// IsRetryable reports whether err is transient per the transport taxonomy:
// timeouts, connection errors, 5xx, 429, open circuit, and the 400
// "invalid state change" (which is rechecked and coerced by the caller).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if is(err, ProviderTimeout, ProviderNetwork, ProviderRateLimited,
		ProviderCircuitOpen, ProviderServerError, ProviderInvalidState) {
		return true
	}
	// Errors without a code default to retryable so a missed classification
	// degrades to extra attempts rather than a silent permanent failure.
	return CodeForError(err) == ""
}

// IsGIM reports whether err carries one of our coded classifications.
func IsGIM(err error) bool {
	return strings.HasPrefix(CodeForError(err), Prefix)
}

// HTTPStatus maps a coded error onto the API response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case IsValidation(err):
		return http.StatusBadRequest
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case IsRateLimited(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
