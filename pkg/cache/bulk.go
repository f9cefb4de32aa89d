/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/kvstore"
)

const DefaultBulkBatchSize = 30

// BulkItem is one entry of a BulkSet.
type BulkItem struct {
	Key   string
	Value interface{}
	TTL   time.Duration
}

// BulkSet writes items in independent pipelined batches. Per-item failures
// are collected and returned together; a failed batch never aborts the rest.
func (c *Cache) BulkSet(ctx context.Context, items []BulkItem, batchSize int) []error {
	if batchSize <= 0 {
		batchSize = DefaultBulkBatchSize
	}
	var errs []error
	now := time.Now().UnixMilli()
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		type encoded struct {
			key string
			enc string
			ttl time.Duration
		}
		encs := make([]encoded, 0, len(batch))
		for _, item := range batch {
			ttl := item.TTL
			if ttl <= 0 {
				ttl = c.opts.DefaultTTL
			}
			data, err := json.Marshal(item.Value)
			if err != nil {
				errs = append(errs, fmt.Errorf("marshal %s: %w", item.Key, err))
				continue
			}
			entry := Entry{
				Data:           data,
				CreatedAt:      now,
				TTLMs:          ttl.Milliseconds(),
				LastAccessedAt: now,
			}
			enc, err := kvstore.Encode(&entry)
			if err != nil {
				errs = append(errs, fmt.Errorf("encode %s: %w", item.Key, err))
				continue
			}
			encs = append(encs, encoded{key: item.Key, enc: enc, ttl: ttl})
		}

		cmds, err := c.kv.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, e := range encs {
				p.Set(ctx, c.kv.PrefixKey(c.entryKey(e.key)), e.enc, e.ttl)
				p.ZAdd(ctx, c.kv.PrefixKey(c.indexKey()), redis.Z{Score: float64(now), Member: e.key})
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("bulk set batch at %d: %w", start, err))
			continue
		}
		for i, cmd := range cmds {
			if cmd.Err() != nil {
				errs = append(errs, fmt.Errorf("bulk set %s: %w", encs[i/2].key, cmd.Err()))
			}
		}
		c.sets.Add(int64(len(encs)))
	}
	return errs
}

// BulkGet loads the given keys, skipping absent or expired entries. The
// result maps key to its raw JSON payload.
func (c *Cache) BulkGet(ctx context.Context, keys []string, batchSize int) (map[string]json.RawMessage, []error) {
	if batchSize <= 0 {
		batchSize = DefaultBulkBatchSize
	}
	out := make(map[string]json.RawMessage, len(keys))
	var errs []error
	now := time.Now()
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		cmds, err := c.kv.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, k := range batch {
				p.Get(ctx, c.kv.PrefixKey(c.entryKey(k)))
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("bulk get batch at %d: %w", start, err))
			continue
		}
		for i, cmd := range cmds {
			get, ok := cmd.(*redis.StringCmd)
			if !ok {
				continue
			}
			if get.Err() == redis.Nil {
				continue
			}
			if get.Err() != nil {
				errs = append(errs, fmt.Errorf("bulk get %s: %w", batch[i], get.Err()))
				continue
			}
			var entry Entry
			if kvstore.Decode(get.Val(), &entry) != nil || entry.expiredAt(now) {
				continue
			}
			out[batch[i]] = entry.Data
		}
	}
	return out, errs
}

// BulkDelete removes keys in pipelined batches and reports how many existed.
func (c *Cache) BulkDelete(ctx context.Context, keys []string, batchSize int) (int, []error) {
	if batchSize <= 0 {
		batchSize = DefaultBulkBatchSize
	}
	deleted := 0
	var errs []error
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		cmds, err := c.kv.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, k := range batch {
				p.Del(ctx, c.kv.PrefixKey(c.entryKey(k)))
				p.ZRem(ctx, c.kv.PrefixKey(c.indexKey()), k)
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("bulk delete batch at %d: %w", start, err))
			continue
		}
		for i := 0; i < len(cmds); i += 2 {
			del, ok := cmds[i].(*redis.IntCmd)
			if !ok {
				continue
			}
			if del.Err() != nil {
				errs = append(errs, fmt.Errorf("bulk delete %s: %w", batch[i/2], del.Err()))
				continue
			}
			if del.Val() > 0 {
				deleted++
			}
		}
	}
	c.deletes.Add(int64(deleted))
	return deleted, errs
}

// BulkExists reports which of the given keys are present.
func (c *Cache) BulkExists(ctx context.Context, keys []string) (map[string]bool, []error) {
	out := make(map[string]bool, len(keys))
	var errs []error
	cmds, err := c.kv.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Exists(ctx, c.kv.PrefixKey(c.entryKey(k)))
		}
		return nil
	})
	if err != nil {
		return out, []error{err}
	}
	for i, cmd := range cmds {
		exists, ok := cmd.(*redis.IntCmd)
		if !ok {
			continue
		}
		if exists.Err() != nil {
			errs = append(errs, fmt.Errorf("bulk exists %s: %w", keys[i], exists.Err()))
			continue
		}
		out[keys[i]] = exists.Val() > 0
	}
	return out, errs
}
