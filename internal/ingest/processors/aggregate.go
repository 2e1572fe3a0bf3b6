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

package processors

import (
	"context"
	"sync"
	"time"

	"fleetmon/internal/ingest/core"
)

// DeviceStats is the per-device roll-up maintained by the aggregator.
type DeviceStats struct {
	SampleCount     int64     `json:"sampleCount"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
	TotalDistanceKm float64   `json:"totalDistanceKm"`
}

// deviceAccum holds the mutable accumulator for one device. Each device has
// its own lock so hot devices do not contend with each other.
type deviceAccum struct {
	mu      sync.Mutex
	stats   DeviceStats
	lastLat float64
	lastLon float64
	hasLast bool
}

// Aggregator maintains in-memory per-device roll-ups: sample counts,
// first/last seen timestamps, and cumulative distance. It emits no alerts.
//
// Distance accumulates in processing order; under heavy reordering the
// figure is approximate, which is acceptable for a derived statistic.
type Aggregator struct {
	devices sync.Map // deviceID -> *deviceAccum
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator { return &Aggregator{} }

func (a *Aggregator) Name() string { return "aggregation" }

func (a *Aggregator) Process(_ context.Context, sample core.Sample, _ int64) error {
	actual, _ := a.devices.LoadOrStore(sample.DeviceID, &deviceAccum{})
	acc := actual.(*deviceAccum)

	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.stats.SampleCount++
	if acc.stats.FirstSeen.IsZero() || sample.Timestamp.Before(acc.stats.FirstSeen) {
		acc.stats.FirstSeen = sample.Timestamp
	}
	if sample.Timestamp.After(acc.stats.LastSeen) {
		acc.stats.LastSeen = sample.Timestamp
	}
	if acc.hasLast {
		acc.stats.TotalDistanceKm += haversineKm(acc.lastLat, acc.lastLon, sample.Latitude, sample.Longitude)
	}
	acc.lastLat, acc.lastLon, acc.hasLast = sample.Latitude, sample.Longitude, true
	return nil
}

// Snapshot returns a copy of the roll-up for one device.
func (a *Aggregator) Snapshot(deviceID string) (DeviceStats, bool) {
	actual, ok := a.devices.Load(deviceID)
	if !ok {
		return DeviceStats{}, false
	}
	acc := actual.(*deviceAccum)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.stats, true
}
