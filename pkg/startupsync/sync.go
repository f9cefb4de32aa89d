/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package startupsync reconciles the instance cache against the provider's
// authoritative instance list once at boot, under a distributed lock so only
// one replica does the work.
package startupsync

import (
	"context"
	"encoding/json"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/cache"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/instance"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/kvstore"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/provider"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/utils/timeutil"
)

const (
	lockKey    = "sync:startup:lock"
	lastRunKey = "sync:startup:last"

	lockTTL    = 5 * time.Minute
	lastRunTTL = 24 * time.Hour

	// synced provider records are short-lived; monitoring and the API
	// refresh the ones that matter
	syncedStateTTL = 5 * time.Minute
)

// Result summarizes one reconciliation pass.
type Result struct {
	Ran         bool  `json:"ran"`
	Updated     int   `json:"updated"`
	Orphaned    int   `json:"orphaned"`
	ElapsedMs   int64 `json:"elapsedMs"`
	LockSkipped bool  `json:"lockSkipped,omitempty"`
}

// Syncer performs the boot-time reconciliation.
type Syncer struct {
	kv     *kvstore.Client
	cache  *cache.Cache
	client provider.Client
}

func New(kv *kvstore.Client, instanceCache *cache.Cache, client provider.Client) *Syncer {
	return &Syncer{kv: kv, cache: instanceCache, client: client}
}

// Run executes the sync. Failures never abort boot: the error is logged and
// a zero result returned, because a stale cache self-heals through normal
// monitoring.
func (s *Syncer) Run(ctx context.Context) Result {
	res, err := s.run(ctx)
	if err != nil {
		klog.ErrorS(err, "startup sync failed, continuing boot with existing cache")
	}
	return res
}

func (s *Syncer) run(ctx context.Context) (Result, error) {
	started := time.Now()

	acquired, err := s.kv.SetNX(ctx, lockKey, timeutil.FormatRFC3339Milli(started), lockTTL)
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		klog.Infof("startup sync lock held elsewhere, skipping")
		return Result{LockSkipped: true}, nil
	}
	defer func() {
		if _, err := s.kv.Del(ctx, lockKey); err != nil {
			klog.ErrorS(err, "failed to release startup sync lock")
		}
	}()

	remote, err := provider.ListAllInstances(ctx, s.client, "")
	if err != nil {
		return Result{}, err
	}

	cachedKeys, err := s.cache.Keys(ctx)
	if err != nil {
		return Result{}, err
	}
	cachedRaw, bulkErrs := s.cache.BulkGet(ctx, cachedKeys, 0)
	for _, berr := range bulkErrs {
		klog.ErrorS(berr, "startup sync: cached instance read failed")
	}

	// map local state by the provider-side id so remote records can be
	// matched back to our keys
	localByProviderID := make(map[string]*instance.State, len(cachedRaw))
	for key, raw := range cachedRaw {
		var st instance.State
		if err := json.Unmarshal(raw, &st); err != nil {
			klog.ErrorS(err, "startup sync: unreadable cached instance", "key", key)
			continue
		}
		if st.NovitaInstanceID != "" {
			localByProviderID[st.NovitaInstanceID] = &st
		}
	}

	updates := make([]cache.BulkItem, 0, len(remote))
	seen := make(map[string]bool, len(remote))
	for i := range remote {
		inst := &remote[i]
		seen[inst.ID] = true
		st, ok := localByProviderID[inst.ID]
		if !ok {
			// provider-only instance; adopt it so sweeps can see it
			st = &instance.State{
				ID:               inst.ID,
				NovitaInstanceID: inst.ID,
				Name:             inst.Name,
				Timestamps:       instance.Timestamps{Created: started},
			}
		}
		st.Status = instance.Status(inst.Status)
		st.GpuIds = inst.GpuIds
		st.SpotStatus = inst.SpotStatus
		st.SpotReclaimTime = inst.SpotReclaimTime
		updates = append(updates, cache.BulkItem{Key: st.ID, Value: st, TTL: syncedStateTTL})
	}

	var orphaned []string
	for _, st := range localByProviderID {
		if !seen[st.NovitaInstanceID] {
			orphaned = append(orphaned, st.ID)
		}
	}

	for _, err := range s.cache.BulkSet(ctx, updates, 0) {
		klog.ErrorS(err, "startup sync: bulk update failed")
	}
	if len(orphaned) > 0 {
		deleted, delErrs := s.cache.BulkDelete(ctx, orphaned, 0)
		for _, err := range delErrs {
			klog.ErrorS(err, "startup sync: orphan delete failed")
		}
		klog.Infof("startup sync removed %d orphaned cache entries", deleted)
	}

	if err := s.kv.Set(ctx, lastRunKey, timeutil.FormatRFC3339Milli(time.Now()), lastRunTTL); err != nil {
		klog.ErrorS(err, "failed to record startup sync time")
	}

	res := Result{
		Ran:       true,
		Updated:   len(updates),
		Orphaned:  len(orphaned),
		ElapsedMs: time.Since(started).Milliseconds(),
	}
	klog.Infof("startup sync done: %d updated, %d orphaned, %dms",
		res.Updated, res.Orphaned, res.ElapsedMs)
	return res, nil
}

// LastRun returns the recorded time of the most recent successful sync.
func (s *Syncer) LastRun(ctx context.Context) (time.Time, bool, error) {
	raw, found, err := s.kv.Get(ctx, lastRunKey)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	at, err := timeutil.CvtStrToRFC3339Milli(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}
