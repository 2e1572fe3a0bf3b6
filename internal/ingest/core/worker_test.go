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

package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubStore is a minimal TelemetryStore for pipeline tests: it counts saves
// and can fail the next n of them with ErrUnavailable.
type stubStore struct {
	mu        sync.Mutex
	nextID    int64
	saved     []Sample
	failNext  int
	saveDelay time.Duration
}

func (s *stubStore) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func (s *stubStore) SavedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func (s *stubStore) Save(_ context.Context, sample Sample) (int64, error) {
	if s.saveDelay > 0 {
		time.Sleep(s.saveDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return 0, ErrUnavailable
	}
	s.nextID++
	s.saved = append(s.saved, sample)
	return s.nextID, nil
}

func (s *stubStore) LatestForDevice(context.Context, string) (StoredSample, error) {
	return StoredSample{}, ErrNotFound
}

func (s *stubStore) PriorBefore(context.Context, string, time.Time) (StoredSample, error) {
	return StoredSample{}, ErrNotFound
}

func (s *stubStore) ListForDevice(context.Context, string, int, int) ([]StoredSample, error) {
	return nil, nil
}

// waitFor polls the condition up to the deadline. Pipeline assertions are
// eventually-consistent by design: workers run on their own goroutines.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within timeout")
}

func TestWorkerPool_ProcessesQueue(t *testing.T) {
	q := NewQueue(100)
	store := &stubStore{}
	proc := &countingProcessor{name: "p"}
	metrics := &QueueMetrics{}
	pool := NewWorkerPool(q, store, NewFanout(nil, proc), metrics, WorkerPoolConfig{Workers: 4}, nil)
	pool.Start()
	defer pool.Stop(ShutdownImmediate)

	for i := 0; i < 20; i++ {
		if !q.Offer(testEnvelope(fmt.Sprintf("req-%d", i))) {
			t.Fatalf("offer %d refused", i)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return store.SavedCount() == 20 })
	// Persist happens-before fan-out: every processor call follows a save.
	waitFor(t, 2*time.Second, func() bool { return proc.calls.Load() == 20 })
	waitFor(t, 2*time.Second, func() bool {
		return metrics.Snapshot(true, q, 4).TotalProcessed == 20
	})
}

func TestWorkerPool_RetriesTransientFailures(t *testing.T) {
	q := NewQueue(10)
	store := &stubStore{}
	store.FailNext(2) // two transient failures, third attempt lands
	metrics := &QueueMetrics{}
	pool := NewWorkerPool(q, store, NewFanout(nil), metrics, WorkerPoolConfig{
		Workers:            1,
		MaxPersistAttempts: 3,
		RetryBaseDelay:     time.Millisecond,
	}, nil)
	pool.Start()
	defer pool.Stop(ShutdownImmediate)

	q.Offer(testEnvelope("req-0"))
	waitFor(t, 2*time.Second, func() bool { return store.SavedCount() == 1 })
	if d := metrics.Snapshot(true, q, 1).TotalDiscarded; d != 0 {
		t.Fatalf("discarded = %d after a recoverable failure", d)
	}
}

func TestWorkerPool_DiscardsAfterRetryBudget(t *testing.T) {
	q := NewQueue(10)
	store := &stubStore{}
	store.FailNext(3) // exhausts all attempts
	metrics := &QueueMetrics{}
	pool := NewWorkerPool(q, store, NewFanout(nil), metrics, WorkerPoolConfig{
		Workers:            1,
		MaxPersistAttempts: 3,
		RetryBaseDelay:     time.Millisecond,
	}, nil)
	pool.Start()
	defer pool.Stop(ShutdownImmediate)

	q.Offer(testEnvelope("req-0"))
	q.Offer(testEnvelope("req-1"))

	// First sample is discarded; second persists normally.
	waitFor(t, 2*time.Second, func() bool { return store.SavedCount() == 1 })
	waitFor(t, 2*time.Second, func() bool {
		return metrics.Snapshot(true, q, 1).TotalDiscarded == 1
	})
}

func TestWorkerPool_GracefulDrainsBacklog(t *testing.T) {
	q := NewQueue(100)
	store := &stubStore{}
	metrics := &QueueMetrics{}
	pool := NewWorkerPool(q, store, NewFanout(nil), metrics, WorkerPoolConfig{
		Workers:         2,
		GracefulTimeout: 2 * time.Second,
	}, nil)

	// Enqueue before starting so the backlog exists at stop time.
	for i := 0; i < 30; i++ {
		q.Offer(testEnvelope(fmt.Sprintf("req-%d", i)))
	}
	pool.Start()
	pool.Stop(ShutdownGraceful)

	if got := store.SavedCount(); got != 30 {
		t.Fatalf("graceful stop persisted %d of 30 queued samples", got)
	}
	if q.Len() != 0 {
		t.Fatalf("queue still holds %d envelopes after graceful drain", q.Len())
	}
}

func TestWorkerPool_ImmediateStopIsPrompt(t *testing.T) {
	q := NewQueue(1000)
	store := &stubStore{saveDelay: 5 * time.Millisecond}
	pool := NewWorkerPool(q, store, NewFanout(nil), &QueueMetrics{}, WorkerPoolConfig{
		Workers:          2,
		ImmediateTimeout: 100 * time.Millisecond,
	}, nil)
	for i := 0; i < 500; i++ {
		q.Offer(testEnvelope(fmt.Sprintf("req-%d", i)))
	}
	pool.Start()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	pool.Stop(ShutdownImmediate)
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("immediate stop took %v, want well under the backlog's processing time", elapsed)
	}
	if store.SavedCount() >= 500 {
		t.Fatal("immediate stop processed the whole backlog; it should abandon queued work")
	}
}

func TestWorkerPool_StopIsIdempotent(t *testing.T) {
	q := NewQueue(10)
	pool := NewWorkerPool(q, &stubStore{}, NewFanout(nil), &QueueMetrics{}, WorkerPoolConfig{Workers: 1}, nil)
	pool.Start()
	pool.Stop(ShutdownGraceful)
	pool.Stop(ShutdownGraceful) // second call must be a no-op, not a panic
	pool.Stop(ShutdownImmediate)
}
