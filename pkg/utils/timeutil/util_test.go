/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCvtStrUnixToTime(t *testing.T) {
	assert.True(t, CvtStrUnixToTime("").IsZero())
	assert.True(t, CvtStrUnixToTime("0").IsZero())
	assert.True(t, CvtStrUnixToTime("not-a-number").IsZero())

	sec := CvtStrUnixToTime("1735689600")
	assert.Equal(t, 2025, sec.Year())

	milli := CvtStrUnixToTime("1735689600000")
	assert.Equal(t, sec, milli)
}

func TestRFC3339MilliRoundTrip(t *testing.T) {
	orig := time.Date(2025, 8, 26, 10, 30, 0, 123000000, time.UTC)
	str := FormatRFC3339Milli(orig)
	back, err := CvtStrToRFC3339Milli(str)
	assert.NoError(t, err)
	assert.Equal(t, orig, back)

	empty, err := CvtStrToRFC3339Milli("")
	assert.NoError(t, err)
	assert.True(t, empty.IsZero())
}

func TestFormatRFC3339(t *testing.T) {
	assert.Equal(t, "", FormatRFC3339(nil))
	zero := time.Time{}
	assert.Equal(t, "", FormatRFC3339(&zero))
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "2025-01-02T03:04:05", FormatRFC3339(&ts))
}

func TestMilliSecRoundTrip(t *testing.T) {
	ts := time.Date(2025, 8, 26, 1, 2, 3, 450000000, time.UTC)
	assert.Equal(t, ts, CvtMilliSecToTime(CvtTimeToMilliSec(ts)))
	assert.Equal(t, int64(0), CvtTimeToMilliSec(time.Time{}))
}
