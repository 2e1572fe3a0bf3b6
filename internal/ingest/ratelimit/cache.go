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

// Package ratelimit implements token-bucket admission control for the
// ingest path: one global bucket, per-address sustained+burst buckets, and
// per-device buckets, with compensation so an inner denial returns the
// tokens consumed by outer scopes.
package ratelimit

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// keyedBuckets is the cached admission state for one key. burst is nil for
// scopes without a secondary burst bucket.
//
// lastAccessed is updated on every hot-path access and drives both idle
// eviction and the over-capacity sweep. Evicting an idle entry is
// semantically equivalent to a full bucket: the next request for the key
// starts fresh.
type keyedBuckets struct {
	primary      *bucketPair
	lastAccessed int64 // UnixNano, atomic
}

// bucketPair groups the sustained bucket with an optional burst bucket.
type bucketPair struct {
	sustained tokenBucket
	burst     tokenBucket // nil when the scope has no burst limit
}

// tokenBucket is the minimal surface the cache needs from a bucket. The
// root fleetmon.Bucket satisfies it.
type tokenBucket interface {
	TryConsume(n int64) bool
	Refund(n int64) bool
	Available() int64
	RetryAfter(n int64) time.Duration
}

// bucketCache is a bounded key → buckets map. Entries are created lazily on
// first reference and removed by idle eviction; when the size cap is
// exceeded a sweep drops the least recently accessed entries.
type bucketCache struct {
	entries sync.Map
	size    atomic.Int64
	maxSize int64
	idleTTL time.Duration
	build   func() *bucketPair
	now     func() time.Time
}

func newBucketCache(maxSize int64, idleTTL time.Duration, now func() time.Time, build func() *bucketPair) *bucketCache {
	if maxSize <= 0 {
		maxSize = 100000
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &bucketCache{maxSize: maxSize, idleTTL: idleTTL, build: build, now: now}
}

// getOrCreate returns the buckets for a key, creating them on first use.
// The common hit path takes a plain Load and allocates nothing; only a miss
// allocates, and a lost creation race discards the extra allocation.
func (c *bucketCache) getOrCreate(key string) *bucketPair {
	nowNano := c.now().UnixNano()
	if actual, ok := c.entries.Load(key); ok {
		kb := actual.(*keyedBuckets)
		atomic.StoreInt64(&kb.lastAccessed, nowNano)
		return kb.primary
	}
	kb := &keyedBuckets{primary: c.build(), lastAccessed: nowNano}
	if actual, loaded := c.entries.LoadOrStore(key, kb); loaded {
		existing := actual.(*keyedBuckets)
		atomic.StoreInt64(&existing.lastAccessed, nowNano)
		return existing.primary
	}
	if c.size.Add(1) > c.maxSize {
		c.sweep()
	}
	return kb.primary
}

// len returns the approximate number of cached keys.
func (c *bucketCache) len() int64 { return c.size.Load() }

// evictIdle removes entries not accessed within the idle TTL and returns
// how many were removed.
func (c *bucketCache) evictIdle() int {
	cutoff := c.now().Add(-c.idleTTL).UnixNano()
	removed := 0
	c.entries.Range(func(key, value interface{}) bool {
		kb := value.(*keyedBuckets)
		if atomic.LoadInt64(&kb.lastAccessed) < cutoff {
			if _, ok := c.entries.LoadAndDelete(key); ok {
				c.size.Add(-1)
				removed++
			}
		}
		return true
	})
	return removed
}

// sweep enforces the size cap: first an idle pass, then, if still above the
// cap, the least recently accessed surplus is dropped. This runs rarely (a
// cache at its cap with all entries active means the limits themselves are
// misconfigured), so the full collection walk is acceptable here.
func (c *bucketCache) sweep() {
	if c.evictIdle() > 0 && c.size.Load() <= c.maxSize {
		return
	}
	over := c.size.Load() - c.maxSize
	if over <= 0 {
		return
	}
	type aged struct {
		key  interface{}
		last int64
	}
	var all []aged
	c.entries.Range(func(key, value interface{}) bool {
		all = append(all, aged{key: key, last: atomic.LoadInt64(&value.(*keyedBuckets).lastAccessed)})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].last < all[j].last })
	for i := 0; int64(i) < over && i < len(all); i++ {
		if _, ok := c.entries.LoadAndDelete(all[i].key); ok {
			c.size.Add(-1)
		}
	}
}
