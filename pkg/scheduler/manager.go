/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package scheduler

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Runner is the surface the manager and the HTTP API need from any
// scheduler.
type Runner interface {
	Name() string
	Start(ctx context.Context)
	Stop()
	Shutdown(timeout time.Duration)
	ExecuteNow(ctx context.Context) (string, error)
	Status() Status
	Healthy() bool
}

// Manager owns the scheduler set and fans lifecycle calls out to it.
type Manager struct {
	runners []Runner
}

func NewManager(runners ...Runner) *Manager {
	return &Manager{runners: runners}
}

func (m *Manager) StartAll(ctx context.Context) {
	for _, r := range m.runners {
		r.Start(ctx)
	}
}

// ShutdownAll shuts schedulers down concurrently within the shared timeout.
func (m *Manager) ShutdownAll(timeout time.Duration) {
	var wg sync.WaitGroup
	for _, r := range m.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Shutdown(timeout)
		}(r)
	}
	wg.Wait()
	klog.Infof("all schedulers shut down")
}

func (m *Manager) Get(name string) (Runner, bool) {
	for _, r := range m.runners {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r.Status())
	}
	return out
}

// Healthy reports whether every scheduler passes its health rules.
func (m *Manager) Healthy() bool {
	for _, r := range m.runners {
		if !r.Healthy() {
			return false
		}
	}
	return true
}
