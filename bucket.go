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

// Package fleetmon provides the token-bucket primitive underlying the
// fleetmon admission control layers. A Bucket holds up to `capacity` tokens
// and refills continuously at a fixed rate; callers consume tokens to admit
// work and may refund them when an outer admission succeeds but an inner one
// denies (compensation).
//
// The invariant 0 <= tokens <= capacity holds at every observed instant.
package fleetmon

import (
	"math"
	"sync"
	"time"
)

// Options tune a Bucket beyond its capacity and refill window.
type Options struct {
	// Now overrides the time source. Intended for tests; nil means time.Now.
	Now func() time.Time
}

// Bucket is a continuously refilling token bucket. It is safe for concurrent
// use; all state transitions happen under a single per-bucket mutex, which
// keeps the hot path to a handful of float operations and no allocation.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// New creates a full bucket that holds `capacity` tokens and regains
// `capacity` tokens per `window`. A window of one second with capacity 500
// yields 500 admissions/second sustained; a window of one minute with
// capacity 100 yields 100 admissions/minute.
func New(capacity int64, window time.Duration) *Bucket {
	return NewWithOptions(capacity, window, Options{})
}

// NewWithOptions is New with explicit Options.
func NewWithOptions(capacity int64, window time.Duration, opts Options) *Bucket {
	if capacity < 0 {
		capacity = 0
	}
	if window <= 0 {
		window = time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Bucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(capacity) / window.Seconds(),
		lastRefill: now(),
		now:        now,
	}
}

// refillLocked advances the bucket to the current instant. Callers hold mu.
func (b *Bucket) refillLocked() {
	t := b.now()
	elapsed := t.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = t
}

// TryConsume atomically checks for and consumes n tokens. It returns false,
// consuming nothing, when fewer than n tokens are available. n <= 0 is
// rejected.
func (b *Bucket) TryConsume(n int64) bool {
	if n <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// Refund returns n previously consumed tokens to the bucket, clamped so the
// bucket never exceeds capacity. It reports whether any tokens were credited.
// Refunding more than was consumed is not an error; the clamp absorbs it.
func (b *Bucket) Refund(n int64) bool {
	if n <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= b.capacity {
		return false
	}
	b.tokens = math.Min(b.capacity, b.tokens+float64(n))
	return true
}

// Available returns the number of whole tokens currently available.
func (b *Bucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return int64(b.tokens)
}

// Capacity returns the configured capacity.
func (b *Bucket) Capacity() int64 { return int64(b.capacity) }

// RetryAfter estimates how long a caller must wait before n tokens will be
// available, assuming no competing consumption. Returns zero when the tokens
// are available now.
func (b *Bucket) RetryAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	deficit := float64(n) - b.tokens
	if deficit <= 0 {
		return 0
	}
	if b.refillRate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}

// State returns the capacity and the whole tokens available. It exists for
// observability and tests; prefer TryConsume for admission decisions since
// check-then-consume through State would race.
func (b *Bucket) State() (capacity, available int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return int64(b.capacity), int64(b.tokens)
}
