/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package server assembles the engine: store, queue, services, background
// engines, and the HTTP surface, with graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/openfathom/fathom/pkg/assets"
	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/database/client"
	"github.com/openfathom/fathom/pkg/events"
	"github.com/openfathom/fathom/pkg/executor"
	"github.com/openfathom/fathom/pkg/handlers"
	"github.com/openfathom/fathom/pkg/lifecycle"
	"github.com/openfathom/fathom/pkg/manifestcache"
	"github.com/openfathom/fathom/pkg/queue"
	"github.com/openfathom/fathom/pkg/runtime"
	"github.com/openfathom/fathom/pkg/schedules"
	"github.com/openfathom/fathom/pkg/serviceclient"
	"github.com/openfathom/fathom/pkg/storage"
	"github.com/openfathom/fathom/pkg/store"
	"github.com/openfathom/fathom/pkg/timeline"
	"github.com/openfathom/fathom/pkg/triggers"
	"github.com/openfathom/fathom/pkg/workflow"
)

// Server owns every long-lived component of one engine process.
type Server struct {
	store      store.Interface
	dbClient   *client.Client
	queue      *queue.Embedded
	jobs       *runtime.Memory
	handler    *handlers.Handler
	httpServer *http.Server

	scheduleEngine  *schedules.Engine
	eventService    *events.Service
	lifecycleRunner *lifecycle.Runner

	ctx      context.Context
	cancel   context.CancelFunc
	ready    atomic.Bool
	isInited bool
}

// NewServer creates and wires a server from the loaded configuration.
func NewServer() (*Server, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	s := &Server{ctx: ctx, cancel: cancel}
	if err := s.init(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	gin.SetMode(config.GetServerMode())

	if err := s.initStore(); err != nil {
		return err
	}
	s.queue = queue.NewEmbedded()
	s.jobs = runtime.NewMemory()

	exec := executor.New(s.store, s.queue, s.jobs, serviceclient.New(s.jobs))
	assetSvc := assets.NewService(s.store, exec)
	exec.SetAssets(assetSvc)

	workflowSvc := workflow.NewService(s.store, s.jobs)
	triggerSvc := triggers.NewService(s.store)
	scheduleSvc := schedules.NewService(s.store)
	s.eventService = events.NewService(s.store, s.queue)
	timelineSvc := timeline.NewService(s.store)

	graph := assets.NewGraphCache(s.store)
	workflowSvc.SetOnChange(graph.OnChange)
	triggerSvc.SetOnChange(graph.OnChange)
	scheduleSvc.SetOnChange(graph.OnChange)

	manifests := manifestcache.New(s.store)
	compactor := lifecycle.NewCompactor(s.store, storage.NewMemoryAdapter(), manifests)
	retention := lifecycle.NewRetention(s.store, manifests)
	s.lifecycleRunner = lifecycle.NewRunner(s.store, s.queue, compactor, retention, lifecycle.NewAuditPruner(s.store))

	exec.Register(s.queue)
	triggers.NewEngine(s.store, exec).Register(s.queue)
	s.lifecycleRunner.Register(s.queue)
	s.scheduleEngine = schedules.NewEngine(s.store, exec)

	s.handler = handlers.NewHandler(s.store, s.eventService, workflowSvc, exec,
		triggerSvc, scheduleSvc, assetSvc, graph, timelineSvc)
	s.handler.SetReady(s.ready.Load)

	s.isInited = true
	return nil
}

func (s *Server) initStore() error {
	if !config.IsDBEnable() {
		klog.Info("database disabled, using the in-memory store")
		s.store = store.NewMemory()
		return nil
	}
	s.dbClient = client.NewClient()
	if s.dbClient == nil {
		return fmt.Errorf("failed to initialize database client")
	}
	s.store = s.dbClient
	return nil
}

// Runtime exposes the embedded job runtime so callers can register job
// handlers and service endpoints before Start.
func (s *Server) Runtime() *runtime.Memory {
	return s.jobs
}

// Start runs the queue, background engines, and the HTTP server, then blocks
// until the process receives a stop signal.
func (s *Server) Start() {
	if !s.isInited {
		klog.Errorf("please init the server first")
		return
	}
	klog.Info("starting fathom server")

	s.queue.Start(s.ctx)
	s.ready.Store(true)

	go s.scheduleEngine.Run(s.ctx)
	go s.eventService.RunCleanup(s.ctx)
	go s.lifecycleRunner.Run(s.ctx)

	go func() {
		if err := s.startHTTPServer(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "failed to start http server")
			os.Exit(-1)
		}
	}()

	<-s.ctx.Done()
	s.Stop()
}

// Stop drains the HTTP server and the queue, then closes the store.
func (s *Server) Stop() {
	s.ready.Store(false)
	klog.Info("shutting down http server...")
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetQueueShutdownDrainTimeout())
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.ErrorS(err, "failed to shutdown http server")
		}
	}
	s.cancel()
	s.queue.Stop()
	if s.dbClient != nil {
		s.dbClient.Close()
	}
	klog.Info("fathom server is stopped")
	klog.Flush()
}

func (s *Server) startHTTPServer() error {
	if config.GetServerPort() <= 0 {
		return fmt.Errorf("the server port is not defined")
	}
	addr := fmt.Sprintf(":%d", config.GetServerPort())
	s.httpServer = &http.Server{Addr: addr, Handler: handlers.InitRouters(s.handler)}
	klog.Infof("http server listening on port %d", config.GetServerPort())
	return s.httpServer.ListenAndServe()
}
