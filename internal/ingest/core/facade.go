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
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"fleetmon/internal/ingest/ratelimit"
	"fleetmon/internal/ingest/telemetry/promwatch"
)

// FallbackPolicy decides what Submit does when the queue is full.
type FallbackPolicy string

const (
	// FallbackSync processes the sample inline through the same persist +
	// dispatch path the workers use. Slower for the caller, still accepted.
	FallbackSync FallbackPolicy = "sync"
	// FallbackReject refuses the sample with QUEUE_FULL_REJECT.
	FallbackReject FallbackPolicy = "reject"
	// FallbackDrop counts the overflow and reports the sample accepted
	// while discarding it.
	FallbackDrop FallbackPolicy = "drop"
)

// FacadeConfig configures the ingest entry point.
type FacadeConfig struct {
	// QueueEnabled selects the background path; false forces every accepted
	// sample through the inline persist + dispatch path.
	QueueEnabled bool
	// Fallback applies when the queue is full. Default sync.
	Fallback FallbackPolicy
}

// Facade is the single entry point the HTTP layer calls for ingest. Submit
// runs on the caller's request goroutine and blocks only on the rate
// limiter and a non-blocking queue offer (plus store I/O on the inline
// path).
type Facade struct {
	limiter *ratelimit.Limiter
	queue   *Queue
	store   TelemetryStore
	fanout  *Fanout
	metrics *QueueMetrics
	cfg     FacadeConfig
	logger  log.Logger
}

// NewFacade wires the facade. queue may be nil only when cfg.QueueEnabled
// is false.
func NewFacade(limiter *ratelimit.Limiter, queue *Queue, store TelemetryStore, fanout *Fanout, metrics *QueueMetrics, cfg FacadeConfig, logger log.Logger) *Facade {
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackSync
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Facade{
		limiter: limiter,
		queue:   queue,
		store:   store,
		fanout:  fanout,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
}

// Metrics exposes the queue counters for the status endpoint.
func (f *Facade) Metrics() *QueueMetrics { return f.metrics }

// Snapshot returns the queue status view.
func (f *Facade) Snapshot(workers int) QueueSnapshot {
	return f.metrics.Snapshot(f.cfg.QueueEnabled, f.queue, workers)
}

// Submit validates, rate-limits, and enqueues (or inlines) one sample.
//
// Admission order is global → address → device; the limiter refunds outer
// tokens when an inner scope denies, so a rejected call consumes nothing
// anywhere. A queue overflow follows the configured fallback policy.
func (f *Facade) Submit(ctx context.Context, sample Sample, clientAddress string) Outcome {
	if err := sample.Validate(); err != nil {
		promwatch.RecordRejected(string(RejectMalformed))
		level.Debug(f.logger).Log("msg", "malformed sample rejected", "err", err)
		return Outcome{Status: OutcomeRejected, Reason: RejectMalformed}
	}

	decision := f.limiter.Admit(sample.DeviceID, clientAddress)
	if !decision.Allowed {
		reason := rejectReasonForScope(decision.Scope)
		promwatch.RecordRejected(string(reason))
		return Outcome{Status: OutcomeRejected, Reason: reason, RetryAfter: decision.RetryAfter}
	}

	if !f.cfg.QueueEnabled || f.queue == nil {
		return f.submitInline(ctx, sample)
	}

	env := Envelope{Sample: sample, RequestID: uuid.NewString(), QueuedAt: time.Now()}
	if f.queue.Offer(env) {
		f.metrics.RecordEnqueued()
		promwatch.RecordAccepted("queued")
		promwatch.SetQueueDepth(f.queue.Len())
		return Outcome{Status: OutcomeQueued, RequestID: env.RequestID, QueueDepth: f.queue.Len()}
	}

	f.metrics.RecordOverflow()
	switch f.cfg.Fallback {
	case FallbackReject:
		promwatch.RecordRejected(string(RejectQueueFull))
		return Outcome{Status: OutcomeRejected, Reason: RejectQueueFull}
	case FallbackDrop:
		promwatch.RecordAccepted("dropped")
		level.Warn(f.logger).Log("msg", "queue full, sample dropped", "device", sample.DeviceID)
		return Outcome{Status: OutcomeDropped, RequestID: env.RequestID}
	default: // FallbackSync
		return f.submitInline(ctx, sample)
	}
}

// submitInline persists and dispatches on the caller's goroutine. The
// worker retry policy does not apply here: a transient store failure maps
// straight to STORE_UNAVAILABLE so the caller's latency stays bounded and
// the retry decision is theirs.
func (f *Facade) submitInline(ctx context.Context, sample Sample) Outcome {
	id, err := f.store.Save(ctx, sample)
	if err != nil {
		promwatch.RecordRejected(string(RejectStoreUnavailable))
		if !errors.Is(err, ErrUnavailable) {
			level.Error(f.logger).Log("msg", "inline persist failed", "device", sample.DeviceID, "err", err)
		}
		return Outcome{Status: OutcomeRejected, Reason: RejectStoreUnavailable}
	}
	promwatch.RecordPersisted()
	f.fanout.DispatchWait(ctx, sample, id)
	f.metrics.RecordProcessed()
	promwatch.RecordAccepted("sync")
	return Outcome{Status: OutcomeSyncPersisted, PersistedID: id}
}

func rejectReasonForScope(scope ratelimit.Scope) RejectReason {
	switch scope {
	case ratelimit.ScopeAddress:
		return RejectRateLimitedAddress
	case ratelimit.ScopeDevice:
		return RejectRateLimitedDevice
	default:
		return RejectRateLimitedGlobal
	}
}
