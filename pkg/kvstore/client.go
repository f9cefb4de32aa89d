/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package kvstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

// Options carries the redis connection surface from the config file.
type Options struct {
	Host              string
	Port              int
	Username          string
	Password          string
	URL               string
	ConnectionTimeout time.Duration
	CommandTimeout    time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	KeyPrefix         string
}

// Client is a typed wrapper over redis. Every key passed to its methods is
// namespaced with the process-wide key prefix; callers deal only in domain
// keys ("jobs:queue", "cache:instances:<id>", ...).
type Client struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewClient builds the redis client and verifies connectivity once. Transport
// errors after that surface per command; go-redis reconnects on its own.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	var ro *redis.Options
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		ro = parsed
	} else {
		ro = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
			Username: opts.Username,
			Password: opts.Password,
		}
	}
	if opts.ConnectionTimeout > 0 {
		ro.DialTimeout = opts.ConnectionTimeout
	}
	if opts.CommandTimeout > 0 {
		ro.ReadTimeout = opts.CommandTimeout
		ro.WriteTimeout = opts.CommandTimeout
	}
	if opts.RetryAttempts > 0 {
		ro.MaxRetries = opts.RetryAttempts
	}
	if opts.RetryDelay > 0 {
		ro.MinRetryBackoff = opts.RetryDelay
		ro.MaxRetryBackoff = opts.RetryDelay * 8
	}
	ro.ContextTimeoutEnabled = true

	rdb := redis.NewClient(ro)
	pingCtx := ctx
	if opts.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, opts.ConnectionTimeout)
		defer cancel()
	}
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", ro.Addr, err)
	}
	klog.Infof("connected to redis at %s, key prefix %q", ro.Addr, opts.KeyPrefix)
	return &Client{rdb: rdb, keyPrefix: opts.KeyPrefix}, nil
}

// NewClientFromRedis wraps an existing redis client. Used by tests with
// miniredis.
func NewClientFromRedis(rdb *redis.Client, keyPrefix string) *Client {
	return &Client{rdb: rdb, keyPrefix: keyPrefix}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PrefixKey returns the fully namespaced redis key for a domain key.
func (c *Client) PrefixKey(key string) string {
	return c.keyPrefix + key
}

// StripPrefix undoes PrefixKey; the second return is false when the key does
// not belong to this namespace.
func (c *Client) StripPrefix(key string) (string, bool) {
	if !strings.HasPrefix(key, c.keyPrefix) {
		return key, false
	}
	return key[len(c.keyPrefix):], true
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, c.PrefixKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores value under key. A zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.PrefixKey(key), value, ttl).Err()
}

// SetNX stores value only when key is absent; reports whether the write won.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.PrefixKey(key), value, ttl).Result()
}

// Del removes key and reports whether it existed.
func (c *Client) Del(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Del(ctx, c.PrefixKey(key)).Result()
	return n > 0, err
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.PrefixKey(key)).Result()
	return n > 0, err
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, c.PrefixKey(key)).Result()
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, c.PrefixKey(key), ttl).Err()
}

func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.rdb.HSet(ctx, c.PrefixKey(key), field, value).Err()
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, c.PrefixKey(key), field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// HSetNX writes field only when absent; reports whether the write won. This
// is the queue's claim primitive.
func (c *Client) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	return c.rdb.HSetNX(ctx, c.PrefixKey(key), field, value).Result()
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, c.PrefixKey(key)).Result()
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, c.PrefixKey(key), fields...).Err()
}

func (c *Client) HLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.HLen(ctx, c.PrefixKey(key)).Result()
}

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, c.PrefixKey(key), redis.Z{Score: score, Member: member}).Err()
}

func (c *Client) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.ZRem(ctx, c.PrefixKey(key), members...).Err()
}

// ZRevRange returns members ordered by descending score.
func (c *Client) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.ZRevRange(ctx, c.PrefixKey(key), start, stop).Result()
}

func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, c.PrefixKey(key), &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, c.PrefixKey(key)).Result()
}

func (c *Client) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := c.rdb.ZScore(ctx, c.PrefixKey(key), member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (c *Client) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return c.rdb.ZRemRangeByScore(ctx, c.PrefixKey(key), formatScore(min), formatScore(max)).Result()
}

// ZRemRangeByRank removes members by ascending-score rank; rank 0 is the
// oldest entry under our time-based scoring.
func (c *Client) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error) {
	return c.rdb.ZRemRangeByRank(ctx, c.PrefixKey(key), start, stop).Result()
}

// Scan performs one SCAN iteration over the namespace. The match pattern is
// a domain pattern ("jobs:data:*"); returned keys are domain keys with the
// process prefix stripped. Keys that fail the prefix check are dropped, which
// guards against patterns that escape the namespace.
func (c *Client) Scan(ctx context.Context, cursor uint64, match string, count int64) (uint64, []string, error) {
	keys, next, err := c.rdb.Scan(ctx, cursor, c.PrefixKey(match), count).Result()
	if err != nil {
		return 0, nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if stripped, ok := c.StripPrefix(k); ok {
			out = append(out, stripped)
		}
	}
	return next, out, nil
}

// ScanAll iterates SCAN to completion. Used only by O(N) paths (admin list,
// cleanup); hot paths never call it.
func (c *Client) ScanAll(ctx context.Context, match string, count int64) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		next, page, err := c.Scan(ctx, cursor, match, count)
		if err != nil {
			return nil, err
		}
		keys = append(keys, page...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Pipelined batches commands through fn. Per-command results (value or error)
// are inspected on the returned Cmders; a failed command does not abort the
// batch. The error return is reserved for transport failures where nothing
// executed.
func (c *Client) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	cmds, err := c.rdb.Pipelined(ctx, fn)
	if len(cmds) == 0 && err != nil && err != redis.Nil {
		return nil, err
	}
	return cmds, nil
}

func formatScore(f float64) string {
	if f <= float64(-1<<62) {
		return "-inf"
	}
	if f >= float64(1<<62) {
		return "+inf"
	}
	return fmt.Sprintf("%f", f)
}
