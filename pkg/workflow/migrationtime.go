/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package workflow

import (
	"context"
	"encoding/json"
	"time"

	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/cache"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/utils/timeutil"
)

// DefaultRecordTTL keeps migration history long enough for the failed
// migration sweep to act on it, then lets it age out.
const DefaultRecordTTL = 7 * 24 * time.Hour

// MigrationRecord tracks the last migration attempt for one instance.
// Failures accumulate until a successful migration resets them.
type MigrationRecord struct {
	InstanceID  string    `json:"instanceId"`
	LastAttempt time.Time `json:"lastAttempt"`
	Failures    int       `json:"failures,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// MigrationTimeStore persists migration records in the "migration-times"
// cache. Legacy records written as a bare timestamp string are tolerated on
// read and rewritten as objects on the next update.
type MigrationTimeStore struct {
	cache *cache.Cache
	ttl   time.Duration
}

func NewMigrationTimeStore(c *cache.Cache, ttl time.Duration) *MigrationTimeStore {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &MigrationTimeStore{cache: c, ttl: ttl}
}

// Get returns the record for id, or nil when none exists.
func (s *MigrationTimeStore) Get(ctx context.Context, id string) (*MigrationRecord, error) {
	var raw json.RawMessage
	found, err := s.cache.Get(ctx, id, &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return decodeRecord(id, raw)
}

func decodeRecord(id string, raw json.RawMessage) (*MigrationRecord, error) {
	var rec MigrationRecord
	if err := json.Unmarshal(raw, &rec); err == nil && !rec.LastAttempt.IsZero() {
		if rec.InstanceID == "" {
			rec.InstanceID = id
		}
		return &rec, nil
	}
	// legacy shape: a bare timestamp string meaning "last attempt at"
	var legacy string
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, err
	}
	at, err := timeutil.CvtStrToRFC3339Milli(legacy)
	if err != nil {
		if at, err = time.Parse(time.RFC3339, legacy); err != nil {
			return nil, err
		}
	}
	klog.V(4).Infof("migration record %s read in legacy string form", id)
	return &MigrationRecord{InstanceID: id, LastAttempt: at}, nil
}

// RecordFailure bumps the failure count for id with the error that caused it.
func (s *MigrationTimeStore) RecordFailure(ctx context.Context, id string, cause error) error {
	rec, err := s.Get(ctx, id)
	if err != nil || rec == nil {
		rec = &MigrationRecord{InstanceID: id}
	}
	rec.LastAttempt = time.Now()
	rec.Failures++
	if cause != nil {
		rec.LastError = cause.Error()
	}
	return s.cache.Set(ctx, id, rec, s.ttl)
}

// RecordSuccess stamps a successful migration, clearing any failure history.
func (s *MigrationTimeStore) RecordSuccess(ctx context.Context, id string) error {
	rec := &MigrationRecord{InstanceID: id, LastAttempt: time.Now()}
	return s.cache.Set(ctx, id, rec, s.ttl)
}

// Failed returns every record that still carries failures.
func (s *MigrationTimeStore) Failed(ctx context.Context) ([]*MigrationRecord, error) {
	keys, err := s.cache.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*MigrationRecord
	for _, key := range keys {
		rec, err := s.Get(ctx, key)
		if err != nil {
			klog.ErrorS(err, "skipping unreadable migration record", "instance", key)
			continue
		}
		if rec != nil && rec.Failures > 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

// CooldownElapsed reports whether id may be retried now. A missing record
// means no attempt was ever made, so the cooldown is trivially elapsed.
func (s *MigrationTimeStore) CooldownElapsed(rec *MigrationRecord, now time.Time, cooldown time.Duration) bool {
	if rec == nil {
		return true
	}
	return now.Sub(rec.LastAttempt) >= cooldown
}
