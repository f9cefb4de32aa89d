/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gim_cache_hits_total",
		Help: "Cache hits by cache name.",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gim_cache_misses_total",
		Help: "Cache misses by cache name.",
	}, []string{"cache"})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gim_cache_evictions_total",
		Help: "LRU evictions by cache name.",
	}, []string{"cache"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gim_jobs_processed_total",
		Help: "Jobs that reached a terminal handler outcome, by type and result.",
	}, []string{"type", "result"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gim_queue_depth",
		Help: "Entries per queue structure (queue, retry, processing).",
	}, []string{"structure"})

	MigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gim_migrations_total",
		Help: "Spot migration attempts by outcome.",
	}, []string{"outcome"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gim_webhook_deliveries_total",
		Help: "Webhook POST outcomes.",
	}, []string{"result"})

	SchedulerExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gim_scheduler_executions_total",
		Help: "Scheduler tick outcomes by scheduler name.",
	}, []string{"scheduler", "result"})
)
