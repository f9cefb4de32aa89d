/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package instance

import (
	"context"
	"time"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/cache"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/errs"
)

const DefaultStateTTL = 24 * time.Hour

// Store persists instance state in the "instances" cache.
type Store struct {
	cache *cache.Cache
	ttl   time.Duration
}

func NewStore(c *cache.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &Store{cache: c, ttl: ttl}
}

func (s *Store) Get(ctx context.Context, id string) (*State, error) {
	var state State
	found, err := s.cache.Get(ctx, id, &state)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.New(errs.InstanceNotFound, "instance %s not found", id)
	}
	return &state, nil
}

func (s *Store) Save(ctx context.Context, state *State) error {
	return s.cache.Set(ctx, state.ID, state, s.ttl)
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	return s.cache.Delete(ctx, id)
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.cache.Keys(ctx)
}

// Mutate applies fn to the stored state and writes it back. Serialization per
// id is guaranteed by the queue's at-most-one-processor rule, not here.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*State)) (*State, error) {
	state, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(state)
	if err := s.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// TouchLastUsed stamps lastUsed with now; the API calls it on caller
// activity so the auto-stop sweep can measure inactivity.
func (s *Store) TouchLastUsed(ctx context.Context, id string) (*State, error) {
	now := time.Now()
	return s.Mutate(ctx, id, func(st *State) {
		st.Timestamps.LastUsed = &now
	})
}

func (s *Store) Cache() *cache.Cache {
	return s.cache
}
