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

// Package core provides the ingest pipeline for fleetmon: the typed sample
// and envelope records, the bounded ingest queue, the worker pool that drains
// it, the processor fan-out, and the ingest facade tying them together behind
// a single Submit operation.
package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	// ErrNotFound reports that a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable reports a transient store failure. Operations failing
	// with it are safe to retry.
	ErrUnavailable = errors.New("store unavailable")
)

// Sample is one telemetry reading from one device at one instant. Samples
// flow by value through the pipeline and are never mutated after creation.
type Sample struct {
	DeviceID  string    `json:"deviceId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate performs the structural checks required before a sample may be
// enqueued: non-empty device id, finite coordinates, non-zero timestamp.
// Range checks (e.g. latitude beyond 90) are deliberately not performed
// here; out-of-range coordinates are valid input for the anomaly processor.
func (s Sample) Validate() error {
	if s.DeviceID == "" {
		return errors.New("deviceId is required")
	}
	if math.IsNaN(s.Latitude) || math.IsInf(s.Latitude, 0) {
		return fmt.Errorf("latitude must be finite, got %v", s.Latitude)
	}
	if math.IsNaN(s.Longitude) || math.IsInf(s.Longitude, 0) {
		return fmt.Errorf("longitude must be finite, got %v", s.Longitude)
	}
	if s.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// Envelope wraps a sample with the ingest-side metadata assigned by the
// facade at enqueue time.
type Envelope struct {
	Sample    Sample
	RequestID string
	QueuedAt  time.Time
}

// StoredSample is a persisted sample plus its store-assigned identity.
type StoredSample struct {
	ID int64 `json:"id"`
	Sample
	ReceivedAt time.Time `json:"receivedAt"`
}

// TelemetryStore is the persistence contract the pipeline depends on.
// Implementations live in internal/ingest/store; the pipeline only assumes
// these four operations and the ErrNotFound/ErrUnavailable sentinels.
type TelemetryStore interface {
	// Save persists one sample and returns its store-assigned id. Duplicate
	// samples produce distinct ids.
	Save(ctx context.Context, s Sample) (int64, error)
	// LatestForDevice returns the sample with the greatest timestamp for the
	// device, or ErrNotFound.
	LatestForDevice(ctx context.Context, deviceID string) (StoredSample, error)
	// PriorBefore returns the most recent sample for the device whose
	// timestamp is strictly before ts, or ErrNotFound. Timestamp order, not
	// arrival order, decides recency.
	PriorBefore(ctx context.Context, deviceID string, ts time.Time) (StoredSample, error)
	// ListForDevice returns up to limit samples for the device ordered by
	// descending timestamp, skipping offset records.
	ListForDevice(ctx context.Context, deviceID string, limit, offset int) ([]StoredSample, error)
}

// RejectReason enumerates why the facade refused a sample.
type RejectReason string

const (
	RejectMalformed          RejectReason = "MALFORMED"
	RejectRateLimitedGlobal  RejectReason = "RATE_LIMITED_GLOBAL"
	RejectRateLimitedAddress RejectReason = "RATE_LIMITED_ADDRESS"
	RejectRateLimitedDevice  RejectReason = "RATE_LIMITED_DEVICE"
	RejectQueueFull          RejectReason = "QUEUE_FULL_REJECT"
	RejectStoreUnavailable   RejectReason = "STORE_UNAVAILABLE"
)

// OutcomeStatus is the coarse result of a Submit call.
type OutcomeStatus int

const (
	// OutcomeQueued: the envelope was accepted onto the background queue.
	OutcomeQueued OutcomeStatus = iota
	// OutcomeSyncPersisted: the sample was persisted inline (queue disabled,
	// or full under the sync fallback) and the fan-out was dispatched inline.
	OutcomeSyncPersisted
	// OutcomeDropped: the queue was full under the drop fallback. The call
	// is reported as accepted but the sample was discarded.
	OutcomeDropped
	// OutcomeRejected: the sample was refused; Reason says why.
	OutcomeRejected
)

// Outcome is the typed result of Facade.Submit. Rejections are values here,
// not errors: every reason a caller can act on is part of the signature.
type Outcome struct {
	Status      OutcomeStatus
	RequestID   string
	QueueDepth  int
	PersistedID int64
	Reason      RejectReason
	// RetryAfter hints when a rate-limited caller may retry. Zero unless
	// Reason is one of the RATE_LIMITED_* values.
	RetryAfter time.Duration
}

// Accepted reports whether the sample was taken (queued, persisted inline,
// or absorbed by the drop fallback).
func (o Outcome) Accepted() bool { return o.Status != OutcomeRejected }
