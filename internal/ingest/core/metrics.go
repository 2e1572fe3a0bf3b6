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

// This file holds the mutable counters owned by the ingest queue and worker
// pool. Counters are atomic so the hot path never takes a lock; depth is a
// read-through to the queue itself.
package core

import (
	"sync/atomic"
)

// QueueMetrics tracks monotonic counters for the ingest queue. All fields
// only ever increase; the current depth is observed from the queue directly.
type QueueMetrics struct {
	enqueued  atomic.Int64
	processed atomic.Int64
	overflow  atomic.Int64
	discarded atomic.Int64
}

// RecordEnqueued counts a successful offer.
func (m *QueueMetrics) RecordEnqueued() { m.enqueued.Add(1) }

// RecordProcessed counts an envelope fully handled by a worker.
func (m *QueueMetrics) RecordProcessed() { m.processed.Add(1) }

// RecordOverflow counts an offer refused at capacity, whatever the fallback.
func (m *QueueMetrics) RecordOverflow() { m.overflow.Add(1) }

// RecordDiscarded counts a sample a worker gave up on after exhausting
// persist retries.
func (m *QueueMetrics) RecordDiscarded() { m.discarded.Add(1) }

// QueueSnapshot is the read-only view exposed by the queue status endpoint.
type QueueSnapshot struct {
	Enabled            bool    `json:"enabled"`
	CurrentSize        int     `json:"currentSize"`
	Capacity           int     `json:"capacity"`
	WorkerCount        int     `json:"workerCount"`
	TotalEnqueued      int64   `json:"totalEnqueued"`
	TotalProcessed     int64   `json:"totalProcessed"`
	TotalOverflow      int64   `json:"totalOverflow"`
	TotalDiscarded     int64   `json:"totalDiscarded"`
	UtilizationPercent float64 `json:"utilizationPercent"`
}

// Snapshot captures the counters plus the live queue state. queue may be nil
// when the background path is disabled.
func (m *QueueMetrics) Snapshot(enabled bool, queue *Queue, workers int) QueueSnapshot {
	s := QueueSnapshot{
		Enabled:        enabled,
		WorkerCount:    workers,
		TotalEnqueued:  m.enqueued.Load(),
		TotalProcessed: m.processed.Load(),
		TotalOverflow:  m.overflow.Load(),
		TotalDiscarded: m.discarded.Load(),
	}
	if queue != nil {
		s.CurrentSize = queue.Len()
		s.Capacity = queue.Cap()
		if s.Capacity > 0 {
			s.UtilizationPercent = float64(s.CurrentSize) / float64(s.Capacity) * 100
		}
	}
	return s
}
