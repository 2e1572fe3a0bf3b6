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

package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"fleetmon"
	"fleetmon/internal/ingest/telemetry/promwatch"
)

// Scope identifies which limit denied an admission.
type Scope string

const (
	ScopeGlobal  Scope = "GLOBAL"
	ScopeAddress Scope = "ADDRESS"
	ScopeDevice  Scope = "DEVICE"
)

// Decision is the outcome of one admission attempt. When Allowed is false,
// Scope names the denying limit and RetryAfter hints when to retry. Either
// one token was deducted at every scope (allowed) or none were (denied);
// compensation inside Admit keeps per-scope counts equal to admissions, not
// attempts.
type Decision struct {
	Allowed    bool
	Scope      Scope
	RetryAfter time.Duration
	Remaining  int64
}

// Config carries the admission limits. Zero values take the stated defaults.
type Config struct {
	Enabled               bool
	GlobalPerSecond       int64         // default 500
	AddressPerMinute      int64         // default 200
	AddressBurstPerMinute int64         // default 20
	DevicePerMinute       int64         // default 100
	CacheMaxSize          int64         // default 100000 keys per scope cache
	CacheIdleTTL          time.Duration // default 10m
	EvictionInterval      time.Duration // default 1m
	// Now overrides the time source for tests; nil means time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.GlobalPerSecond <= 0 {
		c.GlobalPerSecond = 500
	}
	if c.AddressPerMinute <= 0 {
		c.AddressPerMinute = 200
	}
	if c.AddressBurstPerMinute <= 0 {
		c.AddressBurstPerMinute = 20
	}
	if c.DevicePerMinute <= 0 {
		c.DevicePerMinute = 100
	}
	if c.CacheMaxSize <= 0 {
		c.CacheMaxSize = 100000
	}
	if c.CacheIdleTTL <= 0 {
		c.CacheIdleTTL = 10 * time.Minute
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Limiter gates ingest admissions across three scopes, consulted in order:
// global, address, device. The first denial wins, and any tokens consumed
// by earlier scopes are refunded so a denied request leaves no trace in any
// bucket.
//
// Per-key state lives behind a per-bucket mutex; there is no global lock,
// and nothing is held across I/O. An unexpected internal failure fails
// open: ingest availability beats strict limiting.
type Limiter struct {
	cfg       Config
	global    *fleetmon.Bucket
	addresses *bucketCache
	devices   *bucketCache
	logger    log.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewLimiter builds a limiter from the config. Call Start to run the cache
// eviction loop; a limiter works without it but then never evicts idle keys.
func NewLimiter(cfg Config, logger log.Logger) *Limiter {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts := fleetmon.Options{Now: cfg.Now}
	l := &Limiter{
		cfg:      cfg,
		global:   fleetmon.NewWithOptions(cfg.GlobalPerSecond, time.Second, opts),
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	l.addresses = newBucketCache(cfg.CacheMaxSize, cfg.CacheIdleTTL, cfg.Now, func() *bucketPair {
		return &bucketPair{
			sustained: fleetmon.NewWithOptions(cfg.AddressPerMinute, time.Minute, opts),
			burst:     fleetmon.NewWithOptions(cfg.AddressBurstPerMinute, time.Minute, opts),
		}
	})
	l.devices = newBucketCache(cfg.CacheMaxSize, cfg.CacheIdleTTL, cfg.Now, func() *bucketPair {
		return &bucketPair{
			sustained: fleetmon.NewWithOptions(cfg.DevicePerMinute, time.Minute, opts),
		}
	})
	return l
}

// Admit decides whether one sample from (deviceID, address) may enter. The
// disabled mode admits everything.
func (l *Limiter) Admit(deviceID, address string) (d Decision) {
	if !l.cfg.Enabled {
		return Decision{Allowed: true, Remaining: l.cfg.DevicePerMinute}
	}
	// Fail open: a panic anywhere below (corrupt cache state, bad key) must
	// not turn the limiter into an outage amplifier.
	defer func() {
		if r := recover(); r != nil {
			level.Error(l.logger).Log("msg", "rate limiter internal failure, admitting", "panic", r)
			d = Decision{Allowed: true}
		}
	}()

	if !l.global.TryConsume(1) {
		promwatch.RecordRateLimitDenied(string(ScopeGlobal))
		return Decision{Scope: ScopeGlobal, RetryAfter: l.global.RetryAfter(1)}
	}

	addr := l.addresses.getOrCreate(address)
	if !addr.sustained.TryConsume(1) {
		l.global.Refund(1)
		promwatch.RecordRateLimitDenied(string(ScopeAddress))
		return Decision{Scope: ScopeAddress, RetryAfter: addr.sustained.RetryAfter(1)}
	}
	// The address scope requires tokens in both the sustained and the burst
	// bucket; denial by either refunds everything consumed so far.
	if !addr.burst.TryConsume(1) {
		addr.sustained.Refund(1)
		l.global.Refund(1)
		promwatch.RecordRateLimitDenied(string(ScopeAddress))
		return Decision{Scope: ScopeAddress, RetryAfter: addr.burst.RetryAfter(1)}
	}

	dev := l.devices.getOrCreate(deviceID)
	if !dev.sustained.TryConsume(1) {
		addr.burst.Refund(1)
		addr.sustained.Refund(1)
		l.global.Refund(1)
		promwatch.RecordRateLimitDenied(string(ScopeDevice))
		return Decision{Scope: ScopeDevice, RetryAfter: dev.sustained.RetryAfter(1)}
	}

	return Decision{Allowed: true, Remaining: dev.sustained.Available()}
}

// GlobalAvailable exposes the global bucket level for status endpoints and
// tests (observable compensation: consumed == admissions).
func (l *Limiter) GlobalAvailable() int64 { return l.global.Available() }

// CachedKeys reports the approximate number of cached address and device
// keys.
func (l *Limiter) CachedKeys() (addresses, devices int64) {
	return l.addresses.len(), l.devices.len()
}

// Start launches the background eviction loop over both caches.
func (l *Limiter) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.evictionLoop()
	}()
}

// Stop halts the eviction loop. Safe to call more than once.
func (l *Limiter) Stop() {
	if !atomic.CompareAndSwapUint32(&l.stopped, 0, 1) {
		return
	}
	close(l.stopChan)
	l.wg.Wait()
}

func (l *Limiter) evictionLoop() {
	ticker := time.NewTicker(l.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			evicted := l.addresses.evictIdle() + l.devices.evictIdle()
			if evicted > 0 {
				level.Debug(l.logger).Log("msg", "evicted idle rate-limit buckets", "count", evicted)
			}
		case <-l.stopChan:
			return
		}
	}
}
