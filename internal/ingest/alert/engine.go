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

package alert

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"fleetmon/internal/ingest/core"
	"fleetmon/internal/ingest/telemetry/promwatch"
)

// ErrCreateFailed reports that an alert could not be persisted after all
// retry attempts. Callers (processors) log it and move on; a failed alert
// must never kill the telemetry pipeline.
var ErrCreateFailed = errors.New("alert create failed")

// EngineConfig tunes the engine's retry policy. Zero values take defaults.
type EngineConfig struct {
	MaxAttempts    int           // default 3
	RetryBaseDelay time.Duration // default 50ms, doubled per attempt with jitter
}

func (c *EngineConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 50 * time.Millisecond
	}
}

// Engine creates alerts with at-most-once semantics per fingerprint.
//
// A single mutex serialises the lookup-then-insert pair, avoiding
// constraint-violation churn under same-process contention; the store's
// unique fingerprint constraint remains the backstop across engine
// instances. Creating an alert whose fingerprint already exists returns the
// existing record unchanged.
type Engine struct {
	mu        sync.Mutex
	store     Store
	publisher Publisher // optional; best-effort
	cfg       EngineConfig
	logger    log.Logger
}

// NewEngine builds an engine over the alert store. publisher may be nil.
func NewEngine(store Store, publisher Publisher, cfg EngineConfig, logger log.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{store: store, publisher: publisher, cfg: cfg, logger: logger}
}

// CreateAlert persists the requested alert unless its fingerprint already
// exists, in which case the winner is returned. Transient store failures
// are retried with randomized doubling backoff; a persistent failure
// returns an error wrapping ErrCreateFailed.
func (e *Engine) CreateAlert(ctx context.Context, req Request) (Alert, error) {
	if req.DeviceID == "" || req.Type == "" {
		return Alert{}, fmt.Errorf("%w: deviceId and alertType are required", ErrCreateFailed)
	}
	fp := Fingerprint(req.DeviceID, req.Type, req.Latitude, req.Longitude)

	e.mu.Lock()
	created, a, err := e.createLocked(ctx, req, fp)
	e.mu.Unlock()
	if err != nil {
		promwatch.RecordAlertCreateFailure()
		return Alert{}, err
	}
	if !created {
		promwatch.RecordAlertDeduplicated()
		return a, nil
	}
	promwatch.RecordAlertCreated(string(a.Type), string(a.Severity))
	e.publish(ctx, a)
	return a, nil
}

// createLocked runs the lookup-then-insert pair. Callers hold mu. The bool
// return reports whether a new record was inserted.
func (e *Engine) createLocked(ctx context.Context, req Request, fp string) (bool, Alert, error) {
	if existing, err := e.store.FindByFingerprint(ctx, fp); err == nil {
		return false, existing, nil
	} else if !errors.Is(err, core.ErrNotFound) && !errors.Is(err, core.ErrUnavailable) {
		return false, Alert{}, fmt.Errorf("%w: fingerprint lookup: %v", ErrCreateFailed, err)
	}

	a := Alert{
		DeviceID:      req.DeviceID,
		Type:          req.Type,
		Severity:      DeriveSeverity(req.Type, req.Message),
		Message:       req.Message,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
		ProcessorName: req.ProcessorName,
		Fingerprint:   fp,
		Metadata:      req.Metadata,
	}

	delay := e.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		stored, err := e.store.Insert(ctx, a)
		if err == nil {
			return true, stored, nil
		}
		if errors.Is(err, ErrDuplicateFingerprint) {
			// Lost a race with another engine instance or a retried insert;
			// the constraint decided the winner, return it.
			winner, lookupErr := e.store.FindByFingerprint(ctx, fp)
			if lookupErr != nil {
				return false, Alert{}, fmt.Errorf("%w: winner lookup after conflict: %v", ErrCreateFailed, lookupErr)
			}
			return false, winner, nil
		}
		lastErr = err
		if !errors.Is(err, core.ErrUnavailable) {
			break
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		sleep := delay + time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return false, Alert{}, fmt.Errorf("%w: %v", ErrCreateFailed, ctx.Err())
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return false, Alert{}, fmt.Errorf("%w: %v", ErrCreateFailed, lastErr)
}

// publish forwards a newly created alert to the configured publisher.
// Failures are logged and swallowed; publication is advisory.
func (e *Engine) publish(ctx context.Context, a Alert) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, a); err != nil {
		level.Warn(e.logger).Log(
			"msg", "alert publish failed",
			"device", a.DeviceID,
			"fingerprint", a.Fingerprint,
			"err", err,
		)
	}
}
