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

// This file implements the background worker pool that drains the ingest
// queue: persist the sample, then dispatch the processor fan-out. Persist
// happens-before dispatch for every sample.
package core

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"fleetmon/internal/ingest/telemetry/promwatch"
)

// ShutdownMode selects how Stop winds the pool down.
type ShutdownMode int

const (
	// ShutdownGraceful stops accepting new polls and drains the remaining
	// queue up to the graceful timeout.
	ShutdownGraceful ShutdownMode = iota
	// ShutdownImmediate interrupts blocking waits and abandons in-flight
	// work past the immediate timeout.
	ShutdownImmediate
)

// WorkerPoolConfig carries the resource budgets of the pool. Zero values
// take the stated defaults.
type WorkerPoolConfig struct {
	Workers            int           // default 8
	MaxPersistAttempts int           // default 3
	RetryBaseDelay     time.Duration // default 50ms, doubled per attempt with jitter
	GracefulTimeout    time.Duration // default 5s
	ImmediateTimeout   time.Duration // default 100ms
}

func (c *WorkerPoolConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxPersistAttempts <= 0 {
		c.MaxPersistAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 50 * time.Millisecond
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = 5 * time.Second
	}
	if c.ImmediateTimeout <= 0 {
		c.ImmediateTimeout = 100 * time.Millisecond
	}
}

// WorkerPool runs a fixed number of workers over the ingest queue. A worker
// dequeues an envelope, persists it via the telemetry store (retrying
// transient failures), and on persist success dispatches the fan-out. A
// sample remains the worker's responsibility until persisted or abandoned
// after the configured attempts; abandonment is logged with full context.
type WorkerPool struct {
	queue   *Queue
	store   TelemetryStore
	fanout  *Fanout
	metrics *QueueMetrics
	cfg     WorkerPoolConfig
	logger  log.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	drainCh chan struct{}
	wg      sync.WaitGroup
	stopped uint32
}

// NewWorkerPool wires a pool over the queue, store, and fan-out. metrics
// must be the same QueueMetrics instance the facade records enqueues on.
func NewWorkerPool(queue *Queue, store TelemetryStore, fanout *Fanout, metrics *QueueMetrics, cfg WorkerPoolConfig, logger log.Logger) *WorkerPool {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queue:   queue,
		store:   store,
		fanout:  fanout,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		drainCh: make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start() {
	level.Info(p.logger).Log("msg", "starting ingest workers", "workers", p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker()
		}()
	}
}

// Stop winds the pool down. Graceful mode drains the queue up to the
// graceful timeout, then falls back to an immediate stop. Safe to call more
// than once; only the first call has effect.
func (p *WorkerPool) Stop(mode ShutdownMode) {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	if mode == ShutdownGraceful {
		level.Info(p.logger).Log("msg", "stopping ingest workers", "mode", "graceful", "remaining", p.queue.Len())
		close(p.drainCh)
		if p.waitWorkers(p.cfg.GracefulTimeout) {
			p.fanout.Drain()
			return
		}
		level.Warn(p.logger).Log("msg", "graceful drain timed out, interrupting workers")
	} else {
		level.Info(p.logger).Log("msg", "stopping ingest workers", "mode", "immediate")
		close(p.drainCh)
	}
	p.cancel()
	if !p.waitWorkers(p.cfg.ImmediateTimeout) {
		level.Warn(p.logger).Log("msg", "workers did not exit within immediate timeout; abandoning in-flight work")
	}
}

// waitWorkers waits for all workers up to the timeout and reports success.
func (p *WorkerPool) waitWorkers(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// runWorker is the per-worker loop. Blocking waits select on the stop
// context so an immediate shutdown interrupts them promptly.
func (p *WorkerPool) runWorker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.drainCh:
			// Drain whatever is already queued without blocking, then exit.
			for {
				select {
				case <-p.ctx.Done():
					return
				default:
				}
				env, ok := p.queue.Poll(0)
				if !ok {
					return
				}
				p.handle(env)
			}
		case env := <-p.queue.ch:
			p.handle(env)
		}
	}
}

// handle persists one envelope and dispatches the fan-out. Any error past
// the retry budget is contained here; the worker loop continues regardless.
func (p *WorkerPool) handle(env Envelope) {
	started := time.Now()
	id, err := p.persistWithRetry(env)
	promwatch.SetQueueDepth(p.queue.Len())
	if err != nil {
		p.metrics.RecordDiscarded()
		promwatch.RecordDiscarded()
		level.Error(p.logger).Log(
			"msg", "sample discarded after persist retries",
			"request", env.RequestID,
			"device", env.Sample.DeviceID,
			"attempts", p.cfg.MaxPersistAttempts,
			"err", err,
		)
		return
	}
	promwatch.RecordPersisted()
	p.fanout.Dispatch(p.ctx, env.Sample, id)
	p.metrics.RecordProcessed()
	promwatch.ObserveProcessDuration(time.Since(started))
}

// persistWithRetry retries transient (ErrUnavailable) failures with a
// randomized doubling backoff. Permanent failures return immediately.
func (p *WorkerPool) persistWithRetry(env Envelope) (int64, error) {
	delay := p.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxPersistAttempts; attempt++ {
		id, err := p.store.Save(p.ctx, env.Sample)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnavailable) {
			return 0, err
		}
		if attempt == p.cfg.MaxPersistAttempts {
			break
		}
		promwatch.RecordPersistRetry()
		// Full jitter on top of the doubling base keeps retry storms apart.
		sleep := delay + time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-p.ctx.Done():
			return 0, p.ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return 0, lastErr
}
