/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package kvstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewClientFromRedis(rdb, "gim:"), mr
}

func TestGetSetDelExists(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "k1", "v1", 0))
	val, found, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", val)

	// the process prefix is applied on the wire
	assert.True(t, mr.Exists("gim:k1"))

	ok, err := c.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	existed, err := c.Del(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = c.Del(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSetWithTTLExpires(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "v1", time.Minute))
	mr.FastForward(2 * time.Minute)

	_, found, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetNX(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	acquired, err := c.SetNX(ctx, "lock", "owner-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = c.SetNX(ctx, "lock", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	val, _, err := c.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", val)
}

func TestHashOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "h", "f1", "v1"))
	require.NoError(t, c.HSet(ctx, "h", "f2", "v2"))

	val, found, err := c.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", val)

	_, found, err = c.HGet(ctx, "h", "nope")
	require.NoError(t, err)
	assert.False(t, found)

	all, err := c.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	n, err := c.HLen(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.HDel(ctx, "h", "f1"))
	n, err = c.HLen(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSortedSetOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, c.ZAdd(ctx, "z", 2, "b"))
	require.NoError(t, c.ZAdd(ctx, "z", 3, "c"))

	top, err := c.ZRevRange(ctx, "z", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, top)

	due, err := c.ZRangeByScore(ctx, "z", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, due)

	n, err := c.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	score, found, err := c.ZScore(ctx, "z", "b")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, float64(2), score)

	removed, err := c.ZRemRangeByRank(ctx, "z", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, c.ZRem(ctx, "z", "c"))
	n, err = c.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestScanStripsAndFiltersPrefix(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("cache:instances:i%d", i), "x", 0))
	}
	// a key outside the namespace must never leak into results
	mr.Set("other:cache:instances:i9", "x")

	keys, err := c.ScanAll(ctx, "cache:instances:*", 2)
	require.NoError(t, err)
	assert.Len(t, keys, 5)
	for _, k := range keys {
		assert.Contains(t, k, "cache:instances:i")
	}
}

func TestPipelined(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	cmds, err := c.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.PrefixKey("p1"), "v1", 0)
		p.Set(ctx, c.PrefixKey("p2"), "v2", 0)
		p.Get(ctx, c.PrefixKey("p1"))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	for _, cmd := range cmds {
		assert.NoError(t, cmd.Err())
	}
}

func TestCodecRoundTrip(t *testing.T) {
	type record struct {
		Name    string    `json:"name"`
		Count   int       `json:"count"`
		Created time.Time `json:"created"`
	}
	orig := record{Name: "n1", Count: 3, Created: time.Date(2025, 8, 26, 1, 2, 3, 0, time.UTC)}
	enc, err := Encode(orig)
	require.NoError(t, err)

	var back record
	require.NoError(t, Decode(enc, &back))
	assert.Equal(t, orig, back)
}

func TestDecodeTolerantFallsBackToString(t *testing.T) {
	type record struct {
		Timestamp string `json:"timestamp"`
	}
	var rec record
	err := DecodeTolerant(`{"timestamp":"2025-08-26T00:00:00Z"}`, &rec, func(raw string) error {
		rec.Timestamp = raw
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "2025-08-26T00:00:00Z", rec.Timestamp)

	rec = record{}
	err = DecodeTolerant("2025-08-26T00:00:00Z", &rec, func(raw string) error {
		rec.Timestamp = raw
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "2025-08-26T00:00:00Z", rec.Timestamp)
}
