/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/kvstore"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/metrics"
)

const (
	DefaultMaxSize       = 1000
	DefaultFlushInterval = 5 * time.Second
	DefaultScanBatch     = 100

	sizeRefreshInterval  = 30 * time.Second
	sizeRefreshEverySets = 10
)

// Entry is the persisted envelope around every cached value.
type Entry struct {
	Data           json.RawMessage `json:"data"`
	CreatedAt      int64           `json:"createdAt"`
	TTLMs          int64           `json:"ttlMs"`
	AccessCount    int64           `json:"accessCount"`
	LastAccessedAt int64           `json:"lastAccessedAt"`
}

func (e *Entry) expiredAt(now time.Time) bool {
	return e.TTLMs > 0 && now.UnixMilli()-e.CreatedAt > e.TTLMs
}

// Options configures a named cache.
type Options struct {
	Name            string
	MaxSize         int
	DefaultTTL      time.Duration
	FlushInterval   time.Duration
	CleanupInterval time.Duration
	ScanBatch       int64
}

type pendingAccess struct {
	count int64
	last  int64
}

// Stats mirrors the metric counters for the Status API.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
	TotalSize int64 `json:"totalSize"`
}

func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a named TTL cache persisted in redis under cache:<name>:. Access
// statistics are batched in memory and flushed back on an interval, trading
// strict accounting for an order of magnitude fewer writes. A companion
// sorted set indexed by lastAccessedAt drives LRU eviction and cheap size
// reads.
type Cache struct {
	name string
	kv   *kvstore.Client
	opts Options

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64

	mu      sync.Mutex
	pending map[string]*pendingAccess

	sizeMu           sync.Mutex
	cachedSize       int64
	sizeMeasuredAt   time.Time
	setsSinceMeasure int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(kv *kvstore.Client, opts Options) *Cache {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.ScanBatch <= 0 {
		opts.ScanBatch = DefaultScanBatch
	}
	return &Cache{
		name:    opts.Name,
		kv:      kv,
		opts:    opts,
		pending: make(map[string]*pendingAccess),
		stopCh:  make(chan struct{}),
	}
}

func (c *Cache) Name() string {
	return c.name
}

func (c *Cache) entryKey(key string) string {
	return "cache:" + c.name + ":" + key
}

func (c *Cache) indexKey() string {
	return "cache:" + c.name + ":~index"
}

// domainKey undoes entryKey; ok is false for keys outside this cache's
// namespace (including the index itself).
func (c *Cache) domainKey(stored string) (string, bool) {
	prefix := "cache:" + c.name + ":"
	if len(stored) <= len(prefix) || stored[:len(prefix)] != prefix {
		return "", false
	}
	key := stored[len(prefix):]
	if key == "~index" {
		return "", false
	}
	return key, true
}

// Get loads key into out. Expired entries are treated as absent and deleted
// in the background; the access-stat increment is queued for the flusher.
func (c *Cache) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, found, err := c.kv.Get(ctx, c.entryKey(key))
	if err != nil {
		return false, err
	}
	if !found {
		// redis-side key expiry does not touch the index; drop the member
		// here so Size and LRU eviction keep seeing live entries only
		if err := c.kv.ZRem(ctx, c.indexKey(), key); err != nil {
			klog.V(4).ErrorS(err, "failed to drop expired index member", "cache", c.name, "key", key)
		}
		c.misses.Add(1)
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return false, nil
	}
	var entry Entry
	if err := kvstore.Decode(raw, &entry); err != nil {
		// Unreadable envelope: drop it rather than serving garbage.
		c.deleteAsync(key)
		c.misses.Add(1)
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return false, nil
	}
	now := time.Now()
	if entry.expiredAt(now) {
		c.deleteAsync(key)
		c.misses.Add(1)
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(entry.Data, out); err != nil {
			return false, err
		}
	}
	c.hits.Add(1)
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	c.recordAccess(key, now)
	return true, nil
}

// Set stores value under key. A zero ttl uses the cache default. Inserting a
// new key at capacity evicts the least recently accessed entry first.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := time.Now()

	exists, err := c.kv.Exists(ctx, c.entryKey(key))
	if err != nil {
		return err
	}
	if !exists {
		if size, serr := c.Size(ctx); serr == nil && size >= int64(c.opts.MaxSize) {
			c.evictOldest(ctx)
		}
	}

	entry := Entry{
		Data:           data,
		CreatedAt:      now.UnixMilli(),
		TTLMs:          ttl.Milliseconds(),
		AccessCount:    0,
		LastAccessedAt: now.UnixMilli(),
	}
	enc, err := kvstore.Encode(&entry)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, c.entryKey(key), enc, ttl); err != nil {
		return err
	}
	if err := c.kv.ZAdd(ctx, c.indexKey(), float64(now.UnixMilli()), key); err != nil {
		return err
	}
	c.sets.Add(1)
	c.noteSet()
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := c.kv.Del(ctx, c.entryKey(key))
	if err != nil {
		return false, err
	}
	if err := c.kv.ZRem(ctx, c.indexKey(), key); err != nil {
		return existed, err
	}
	if existed {
		c.deletes.Add(1)
	}
	return existed, nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	return c.kv.Exists(ctx, c.entryKey(key))
}

// Keys lists every key in the cache via SCAN. O(N); used by startup sync and
// admin views only.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	stored, err := c.kv.ScanAll(ctx, "cache:"+c.name+":*", c.opts.ScanBatch)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(stored))
	for _, s := range stored {
		if key, ok := c.domainKey(s); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Size returns the entry count, cached for 30s and refreshed every 10 sets.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	c.sizeMu.Lock()
	fresh := time.Since(c.sizeMeasuredAt) < sizeRefreshInterval && c.setsSinceMeasure < sizeRefreshEverySets
	if fresh {
		size := c.cachedSize
		c.sizeMu.Unlock()
		return size, nil
	}
	c.sizeMu.Unlock()

	size, err := c.kv.ZCard(ctx, c.indexKey())
	if err != nil {
		return 0, err
	}
	c.sizeMu.Lock()
	c.cachedSize = size
	c.sizeMeasuredAt = time.Now()
	c.setsSinceMeasure = 0
	c.sizeMu.Unlock()
	return size, nil
}

func (c *Cache) Metrics(ctx context.Context) Stats {
	size, err := c.Size(ctx)
	if err != nil {
		klog.V(4).ErrorS(err, "failed to measure cache size", "cache", c.name)
	}
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Evictions: c.evictions.Load(),
		TotalSize: size,
	}
}

func (c *Cache) noteSet() {
	c.sizeMu.Lock()
	c.setsSinceMeasure++
	c.sizeMu.Unlock()
}

func (c *Cache) recordAccess(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if !ok {
		p = &pendingAccess{}
		c.pending[key] = p
	}
	p.count++
	p.last = now.UnixMilli()
}

func (c *Cache) evictOldest(ctx context.Context) {
	for {
		oldest, err := c.kv.ZRevRange(ctx, c.indexKey(), -1, -1)
		if err != nil || len(oldest) == 0 {
			return
		}
		existed, err := c.Delete(ctx, oldest[0])
		if err != nil {
			klog.ErrorS(err, "failed to evict cache entry", "cache", c.name, "key", oldest[0])
			return
		}
		if !existed {
			// phantom member whose key expired redis-side; Delete purged it
			// from the index, keep looking for the real LRU entry
			continue
		}
		c.evictions.Add(1)
		metrics.CacheEvictions.WithLabelValues(c.name).Inc()
		return
	}
}

func (c *Cache) deleteAsync(key string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.Delete(ctx, key); err != nil {
			klog.V(4).ErrorS(err, "lazy expiry delete failed", "cache", c.name, "key", key)
		}
	}()
}
