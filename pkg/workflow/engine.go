/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package workflow holds the job handlers that drive instance lifecycle:
// creation, readiness monitoring, spot migration, failed-migration recovery,
// inactivity auto-stop, and webhook delivery. Handlers are registered on the
// queue and hold the queue reference for follow-up jobs.
package workflow

import (
	"context"
	"time"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/instance"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/products"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/provider"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/templates"
)

type Options struct {
	// Regions is the priority-ordered region fallback list for product
	// resolution.
	Regions []string

	MonitorPollInterval time.Duration
	MonitorMaxWait      time.Duration

	MigrationRetryAttempts   int
	MigrationRetryInterval   time.Duration
	MigrationCooldown        time.Duration
	InvalidStateRecheckDelay time.Duration

	// ListingFallbackToLocal lets the migration sweep fall back to cached
	// instance state when the provider listing is down.
	ListingFallbackToLocal bool

	// MigrationDryRun logs what would be migrated without calling the
	// provider. MigrationMaxConcurrent caps migrations per sweep; zero
	// means no cap.
	MigrationDryRun        bool
	MigrationMaxConcurrent int

	AutoStopInactivityThreshold time.Duration
	AutoStopStartupGrace        time.Duration
	AutoStopCreationGrace       time.Duration
	AutoStopDryRun              bool

	WebhookTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.MonitorPollInterval <= 0 {
		o.MonitorPollInterval = 5 * time.Second
	}
	if o.MonitorMaxWait <= 0 {
		o.MonitorMaxWait = 10 * time.Minute
	}
	if o.MigrationRetryAttempts <= 0 {
		o.MigrationRetryAttempts = 3
	}
	if o.MigrationRetryInterval <= 0 {
		o.MigrationRetryInterval = time.Second
	}
	if o.MigrationCooldown <= 0 {
		o.MigrationCooldown = 30 * time.Minute
	}
	if o.InvalidStateRecheckDelay <= 0 {
		o.InvalidStateRecheckDelay = 2 * time.Second
	}
	if o.AutoStopInactivityThreshold <= 0 {
		o.AutoStopInactivityThreshold = 10 * time.Minute
	}
	if o.AutoStopStartupGrace <= 0 {
		o.AutoStopStartupGrace = 45 * time.Minute
	}
	if o.AutoStopCreationGrace <= 0 {
		o.AutoStopCreationGrace = 60 * time.Minute
	}
	if o.WebhookTimeout <= 0 {
		o.WebhookTimeout = 10 * time.Second
	}
}

// Engine wires the handlers to their dependencies. Construct once in main,
// call RegisterAll before the queue starts.
type Engine struct {
	queue      *queue.Queue
	store      *instance.Store
	client     provider.Client
	products   *products.Resolver
	templates  *templates.Resolver
	migrations *MigrationTimeStore
	opts       Options

	// sleep is swapped out in tests to keep the invalid-state recheck fast
	sleep func(ctx context.Context, d time.Duration)
}

func NewEngine(q *queue.Queue, store *instance.Store, client provider.Client,
	pr *products.Resolver, tr *templates.Resolver, mt *MigrationTimeStore, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		queue:      q,
		store:      store,
		client:     client,
		products:   pr,
		templates:  tr,
		migrations: mt,
		opts:       opts,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// RegisterAll binds every handler to its job type.
func (e *Engine) RegisterAll() {
	e.queue.RegisterHandler(queue.TypeCreateInstance, e.HandleCreateInstance)
	e.queue.RegisterHandler(queue.TypeMonitorInstance, e.HandleMonitorInstance)
	e.queue.RegisterHandler(queue.TypeSendWebhook, e.HandleSendWebhook)
	e.queue.RegisterHandler(queue.TypeMigrateSpotInstances, e.HandleMigrateSpotInstances)
	e.queue.RegisterHandler(queue.TypeHandleFailedMigrations, e.HandleFailedMigrations)
	e.queue.RegisterHandler(queue.TypeAutoStopCheck, e.HandleAutoStopCheck)
}
