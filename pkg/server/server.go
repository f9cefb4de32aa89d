/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package server wires every component together and owns the process
// lifecycle: flags, logging, config, redis, caches, queue, workflow
// handlers, schedulers, startup sync, and the HTTP API.
package server

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/cache"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/config"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/handlers"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/instance"
	gimklog "github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/klog"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/kvstore"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/options"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/products"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/provider"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/queue"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/scheduler"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/startupsync"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/templates"
	"github.com/AMD-AIG-AIMA/gpu-instance-manager/pkg/workflow"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	opts   *options.Options
	ctx    context.Context
	cancel context.CancelFunc

	kv         *kvstore.Client
	caches     []*cache.Cache
	queue      *queue.Queue
	schedulers *scheduler.Manager
	syncer     *startupsync.Syncer
	httpServer *http.Server

	isInited bool
}

func NewServer() (*Server, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	s := &Server{
		opts:   &options.Options{},
		ctx:    ctx,
		cancel: cancel,
	}
	if err := s.init(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	gin.SetMode(gin.ReleaseMode)
	var err error
	if err = s.opts.InitFlags(); err != nil {
		klog.ErrorS(err, "failed to parse flags")
		return err
	}
	if err = s.initLogs(); err != nil {
		klog.ErrorS(err, "failed to init logs")
		return err
	}
	if err = s.initConfig(); err != nil {
		klog.ErrorS(err, "failed to init config")
		return err
	}
	if err = s.initComponents(); err != nil {
		klog.ErrorS(err, "failed to init components")
		return err
	}
	s.isInited = true
	return nil
}

func (s *Server) initLogs() error {
	return gimklog.Init(s.opts.LogfilePath, s.opts.LogFileSize)
}

func (s *Server) initConfig() error {
	fullPath, err := filepath.Abs(s.opts.Config)
	if err != nil {
		return err
	}
	if err = config.LoadConfig(fullPath); err != nil {
		return fmt.Errorf("config path: %s, err: %v", fullPath, err)
	}
	return nil
}

func (s *Server) initComponents() error {
	if config.GetMigrationLogLevel() == "debug" {
		// surfaces the per-instance V(4) skip logs from the migration sweep
		_ = flag.Set("v", "4")
	}

	var err error
	s.kv, err = kvstore.NewClient(s.ctx, kvstore.Options{
		Host:              config.GetRedisHost(),
		Port:              config.GetRedisPort(),
		Username:          config.GetRedisUsername(),
		Password:          config.GetRedisPassword(),
		URL:               config.GetRedisURL(),
		ConnectionTimeout: config.GetRedisConnectionTimeout(),
		CommandTimeout:    config.GetRedisCommandTimeout(),
		RetryAttempts:     config.GetRedisRetryAttempts(),
		RetryDelay:        config.GetRedisRetryDelay(),
		KeyPrefix:         config.GetRedisKeyPrefix(),
	})
	if err != nil {
		return err
	}

	newCache := func(name string) *cache.Cache {
		c := cache.New(s.kv, cache.Options{Name: name, CleanupInterval: time.Hour})
		c.Start()
		s.caches = append(s.caches, c)
		return c
	}
	instanceCache := newCache("instances")
	productCache := newCache("products")
	templateCache := newCache("templates")
	migrationCache := newCache("migration-times")

	client := provider.NewHTTPClient(provider.HTTPOptions{
		BaseURL:           config.GetProviderBaseURL(),
		APIKey:            config.GetProviderAPIKey(),
		Timeout:           config.GetProviderTimeout(),
		RequestsPerSecond: config.GetProviderRequestsPerSecond(),
		Burst:             config.GetProviderBurst(),
	})

	store := instance.NewStore(instanceCache, 0)
	migrations := workflow.NewMigrationTimeStore(migrationCache, 0)
	s.queue = queue.New(s.kv, queue.Options{
		ProcessingTimeout:  config.GetMigrationJobTimeout(),
		DefaultMaxAttempts: config.GetDefaultMaxRetryAttempts(),
	})

	engine := workflow.NewEngine(s.queue, store, client,
		products.NewResolver(client, productCache, 0),
		templates.NewResolver(client, templateCache, 0),
		migrations, workflow.Options{
			Regions:                     config.GetProviderRegions(),
			MonitorPollInterval:         config.GetDefaultPollInterval(),
			MonitorMaxWait:              config.GetMonitorMaxWaitTime(),
			MigrationRetryAttempts:      config.GetDefaultMaxRetryAttempts(),
			ListingFallbackToLocal:      config.IsInstanceListingFallbackEnabled(),
			MigrationDryRun:             config.IsMigrationDryRun(),
			MigrationMaxConcurrent:      config.GetMigrationMaxConcurrent(),
			AutoStopInactivityThreshold: config.GetAutoStopInactivityThreshold(),
			AutoStopDryRun:              config.IsAutoStopDryRun(),
			WebhookTimeout:              config.GetWebhookTimeout(),
		})
	engine.RegisterAll()

	migrationInterval := config.GetMigrationScheduleInterval()
	s.schedulers = scheduler.NewManager(
		scheduler.NewMigration(s.queue, migrationInterval, config.IsMigrationEnabled()),
		scheduler.NewFailedMigration(s.queue, migrationInterval, config.IsRetryFailedMigrations()),
		scheduler.NewAutoStop(s.queue, true),
		scheduler.NewDataCleanup(s.queue, true),
	)

	s.syncer = startupsync.New(s.kv, instanceCache, client)

	h := handlers.NewHandler(s.kv, store, s.queue, client, s.schedulers)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", config.GetServerPort()),
		Handler: handlers.InitRouters(h, config.GetServerAuthToken()),
	}
	return nil
}

// Start runs until the signal context is cancelled, then shuts down in
// reverse boot order.
func (s *Server) Start() {
	if !s.isInited {
		klog.Errorf("please init instance-manager first")
		return
	}
	klog.Infof("starting instance-manager")

	s.queue.Start(s.ctx)
	s.schedulers.StartAll(s.ctx)

	// reconciliation must not delay serving; it runs alongside boot
	go s.syncer.Run(s.ctx)

	go func() {
		klog.Infof("http server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "http server failed")
			s.cancel()
		}
	}()

	<-s.ctx.Done()
	s.Stop()
}

func (s *Server) Stop() {
	klog.Infof("stopping instance-manager")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		klog.ErrorS(err, "failed to shutdown http server")
	}
	s.schedulers.ShutdownAll(shutdownTimeout)
	s.queue.Shutdown(ctx)
	for _, c := range s.caches {
		c.Stop()
	}
	if err := s.kv.Close(); err != nil {
		klog.ErrorS(err, "failed to close redis client")
	}
	klog.Info("instance-manager is stopped")
	klog.Flush()
}
