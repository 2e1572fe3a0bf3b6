// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: March 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point for fleetmond, the fleet telemetry ingest
// service.
//
// The service accepts device location samples over HTTP, admits them through
// a three-scope token-bucket rate limiter, queues them onto a bounded
// in-memory queue, persists them through a pluggable store, and fans each
// persisted sample out to alert processors (coordinate anomaly, geofence,
// speed, aggregation). Alerts deduplicate on a content fingerprint and age
// out through a periodic retention job.
//
// This file wires the components together and manages the shutdown order:
// HTTP first (stop intake), then the worker pool (drain the queue), then the
// background jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/api"
	"fleetmon/internal/ingest/config"
	"fleetmon/internal/ingest/core"
	"fleetmon/internal/ingest/processors"
	"fleetmon/internal/ingest/ratelimit"
	"fleetmon/internal/ingest/store"
	"fleetmon/internal/ingest/telemetry/promwatch"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file (optional; defaults apply without one)")
	listenAddr := flag.String("http_addr", "", "HTTP listen address; overrides server.listenAddr")
	metricsAddr := flag.String("metrics_addr", "", "Separate Prometheus /metrics address; overrides server.metricsAddr")
	backend := flag.String("storage", "", "Storage backend {memory, redis, postgres}; overrides storage.backend")
	redisAddr := flag.String("redis_addr", "", "Redis address for the redis backend; overrides storage.redisAddr")
	flag.Parse()

	logger := log.With(
		log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)),
		"ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		level.Error(logger).Log("msg", "config load failed", "err", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.Server.MetricsAddr = *metricsAddr
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *redisAddr != "" {
		cfg.Storage.RedisAddr = *redisAddr
		if cfg.Storage.Backend == "" {
			cfg.Storage.Backend = "redis"
		}
	}

	backends, err := store.Build(cfg.Storage.Backend, store.Options{RedisAddr: cfg.Storage.RedisAddr})
	if err != nil {
		level.Error(logger).Log("msg", "storage setup failed", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "storage ready", "backend", cfg.Storage.Backend)

	// Alert engine with its publisher chain: log always, file sink when
	// configured.
	var publisher alert.Publisher = alert.LoggingPublisher{Logger: logger}
	var sink *alert.FileSink
	if cfg.Alerts.SinkFile != "" {
		sink, err = alert.NewFileSink(cfg.Alerts.SinkFile)
		if err != nil {
			level.Error(logger).Log("msg", "alert sink setup failed", "err", err)
			os.Exit(1)
		}
		publisher = sink
	}
	engine := alert.NewEngine(backends.Alerts, publisher, alert.EngineConfig{}, logger)

	aggregator := processors.NewAggregator()
	fanout := core.NewFanout(logger,
		processors.NewAnomaly(engine, cfg.Processors.Anomaly.ExtremeLatitude, logger),
		processors.NewGeofence(engine, cfg.Processors.Geofence.Regions, logger),
		processors.NewSpeed(engine, backends.Telemetry,
			cfg.Processors.Speed.ThresholdKmh,
			time.Duration(cfg.Processors.Speed.MinIntervalSeconds)*time.Second,
			logger),
		aggregator,
	)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:               *cfg.RateLimit.Enabled,
		GlobalPerSecond:       cfg.RateLimit.Global.PerSecond,
		AddressPerMinute:      cfg.RateLimit.Address.PerMinute,
		AddressBurstPerMinute: cfg.RateLimit.Address.BurstPerMinute,
		DevicePerMinute:       cfg.RateLimit.Device.PerMinute,
		CacheMaxSize:          int64(cfg.RateLimit.Cache.MaxSize),
	}, logger)
	limiter.Start()

	queue := core.NewQueue(cfg.Queue.Capacity)
	metrics := &core.QueueMetrics{}
	facade := core.NewFacade(limiter, queue, backends.Telemetry, fanout, metrics, core.FacadeConfig{
		QueueEnabled: *cfg.Queue.Enabled,
		Fallback:     core.FallbackPolicy(cfg.Queue.Fallback),
	}, logger)

	pool := core.NewWorkerPool(queue, backends.Telemetry, fanout, metrics, core.WorkerPoolConfig{
		Workers: cfg.Queue.Workers,
	}, logger)
	if *cfg.Queue.Enabled {
		pool.Start()
	}

	// Retention horizon is configured in months; 30-day months keep the
	// arithmetic predictable.
	horizon := time.Duration(cfg.Alerts.Retention.Months) * 30 * 24 * time.Hour
	retention := alert.NewRetention(backends.Alerts, horizon, 0, logger)
	retention.Start()

	server := api.NewServer(facade, backends.Telemetry, backends.Alerts, aggregator,
		cfg.Queue.Workers, api.NewAPIKeyAuthorizer(cfg.Server.APIKey), logger)
	httpServer := server.HTTPServer(cfg.Server.ListenAddr)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsServer = promwatch.Serve(cfg.Server.MetricsAddr, logger)
	}

	go func() {
		level.Info(logger).Log("msg", "ingest API listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "http server failed", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Fprintln(os.Stderr, "\nshutting down...")

	// Stop intake first so the queue only drains from here on.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		level.Warn(logger).Log("msg", "http shutdown incomplete", "err", err)
	}

	pool.Stop(core.ShutdownGraceful)
	retention.Stop()
	limiter.Stop()
	if sink != nil {
		_ = sink.Close()
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(context.Background())
	}

	final := facade.Snapshot(cfg.Queue.Workers)
	level.Info(logger).Log("msg", "shutdown complete",
		"enqueued", final.TotalEnqueued,
		"processed", final.TotalProcessed,
		"overflow", final.TotalOverflow,
		"discarded", final.TotalDiscarded,
		"remaining", final.CurrentSize,
	)
}
