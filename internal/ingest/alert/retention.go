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

// This file implements the scheduled retention purge. The job is advisory:
// correctness is preserved if it never runs, the store just grows.
package alert

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"fleetmon/internal/ingest/telemetry/promwatch"
)

// Retention periodically deletes alerts older than the horizon.
type Retention struct {
	store    Store
	horizon  time.Duration
	interval time.Duration
	logger   log.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewRetention builds the purge job. horizon defaults to 90 days, interval
// to one hour.
func NewRetention(store Store, horizon, interval time.Duration, logger log.Logger) *Retention {
	if horizon <= 0 {
		horizon = 90 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Retention{
		store:    store,
		horizon:  horizon,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start launches the purge loop.
func (r *Retention) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
}

// Stop halts the loop. Safe to call more than once.
func (r *Retention) Stop() {
	if !atomic.CompareAndSwapUint32(&r.stopped, 0, 1) {
		return
	}
	close(r.stopChan)
	r.wg.Wait()
}

func (r *Retention) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runPurgeCycle()
		case <-r.stopChan:
			return
		}
	}
}

// runPurgeCycle deletes everything past the horizon. Failures are logged
// and retried naturally on the next tick.
func (r *Retention) runPurgeCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cutoff := time.Now().Add(-r.horizon)
	n, err := r.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		level.Error(r.logger).Log("msg", "alert retention purge failed", "err", err)
		return
	}
	if n > 0 {
		promwatch.RecordAlertsPurged(n)
		level.Info(r.logger).Log("msg", "purged expired alerts", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
}
