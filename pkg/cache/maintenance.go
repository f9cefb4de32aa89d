/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/kvstore"
)

// Start launches the access-stat flusher and, when a cleanup interval is
// configured, the expired-entry sweeper.
func (c *Cache) Start() {
	c.wg.Add(1)
	go c.flushLoop()
	if c.opts.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.cleanupLoop()
	}
}

// Stop flushes once more and stops the background loops.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Cache) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.FlushAccessStats(context.Background())
		case <-c.stopCh:
			c.FlushAccessStats(context.Background())
			return
		}
	}
}

// FlushAccessStats writes the queued access counters back into the stored
// envelopes, preserving each key's remaining TTL. Entries that disappeared
// since the access are skipped.
func (c *Cache) FlushAccessStats(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = make(map[string]*pendingAccess)
	c.mu.Unlock()

	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}

	reads, err := c.kv.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Get(ctx, c.kv.PrefixKey(c.entryKey(k)))
			p.PTTL(ctx, c.kv.PrefixKey(c.entryKey(k)))
		}
		return nil
	})
	if err != nil {
		klog.ErrorS(err, "access stat flush read failed", "cache", c.name, "pending", len(keys))
		return
	}

	type update struct {
		key string
		enc string
		ttl time.Duration
	}
	updates := make([]update, 0, len(keys))
	for i, k := range keys {
		getCmd, ok := reads[i*2].(*redis.StringCmd)
		if !ok || getCmd.Err() != nil {
			continue
		}
		ttlCmd, ok := reads[i*2+1].(*redis.DurationCmd)
		if !ok || ttlCmd.Err() != nil {
			continue
		}
		var entry Entry
		if derr := kvstore.Decode(getCmd.Val(), &entry); derr != nil {
			continue
		}
		p := batch[k]
		entry.AccessCount += p.count
		if p.last > entry.LastAccessedAt {
			entry.LastAccessedAt = p.last
		}
		enc, eerr := kvstore.Encode(&entry)
		if eerr != nil {
			continue
		}
		ttl := ttlCmd.Val()
		if ttl < 0 {
			ttl = 0
		}
		updates = append(updates, update{key: k, enc: enc, ttl: ttl})
	}
	if len(updates) == 0 {
		return
	}

	if _, err := c.kv.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, u := range updates {
			p.Set(ctx, c.kv.PrefixKey(c.entryKey(u.key)), u.enc, u.ttl)
			score := float64(batch[u.key].last)
			p.ZAdd(ctx, c.kv.PrefixKey(c.indexKey()), redis.Z{Score: score, Member: u.key})
		}
		return nil
	}); err != nil {
		klog.ErrorS(err, "access stat flush write failed", "cache", c.name, "updates", len(updates))
	}
}

func (c *Cache) cleanupLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed, err := c.Cleanup(context.Background()); err != nil {
				klog.ErrorS(err, "cache cleanup failed", "cache", c.name)
			} else if removed > 0 {
				klog.Infof("cache %s cleanup removed %d expired entries", c.name, removed)
			}
		case <-c.stopCh:
			return
		}
	}
}

// Cleanup scans the cache namespace in SCAN batches and deletes entries whose
// envelope TTL has lapsed, then reconciles the LRU index against the live
// keys. Redis expiry removes most entries on its own but leaves their index
// members behind; this sweep catches both those and envelopes written without
// a redis TTL.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	removed := 0
	var cursor uint64
	now := time.Now()
	for {
		next, stored, err := c.kv.Scan(ctx, cursor, "cache:"+c.name+":*", c.opts.ScanBatch)
		if err != nil {
			return removed, err
		}
		for _, s := range stored {
			key, ok := c.domainKey(s)
			if !ok {
				continue
			}
			raw, found, err := c.kv.Get(ctx, c.entryKey(key))
			if err != nil || !found {
				continue
			}
			var entry Entry
			if kvstore.Decode(raw, &entry) != nil {
				continue
			}
			if entry.expiredAt(now) {
				if _, err := c.Delete(ctx, key); err == nil {
					removed++
				}
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	members, err := c.kv.ZRevRange(ctx, c.indexKey(), 0, -1)
	if err != nil {
		return removed, err
	}
	for _, key := range members {
		exists, err := c.kv.Exists(ctx, c.entryKey(key))
		if err != nil {
			return removed, err
		}
		if exists {
			continue
		}
		if err := c.kv.ZRem(ctx, c.indexKey(), key); err == nil {
			removed++
		}
	}
	return removed, nil
}
