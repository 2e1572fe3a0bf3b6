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

// Package store provides the persistence adapters for telemetry samples and
// alerts: an in-memory implementation for single-instance deployments and
// tests, a Redis adapter, and a Postgres adapter. All three satisfy
// core.TelemetryStore and alert.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/core"
)

// MemoryTelemetry is the in-memory telemetry store. It holds every sample
// for the process lifetime; the production backends exist for anything
// longer-lived.
type MemoryTelemetry struct {
	mu        sync.RWMutex
	nextID    int64
	byDevice  map[string][]core.StoredSample
	failSaves int // when > 0, Save fails with ErrUnavailable; tests inject outages
}

// NewMemoryTelemetry creates an empty in-memory telemetry store.
func NewMemoryTelemetry() *MemoryTelemetry {
	return &MemoryTelemetry{byDevice: make(map[string][]core.StoredSample)}
}

// FailNextSaves makes the next n Save calls fail with core.ErrUnavailable.
func (m *MemoryTelemetry) FailNextSaves(n int) {
	m.mu.Lock()
	m.failSaves = n
	m.mu.Unlock()
}

func (m *MemoryTelemetry) Save(_ context.Context, s core.Sample) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves > 0 {
		m.failSaves--
		return 0, core.ErrUnavailable
	}
	m.nextID++
	stored := core.StoredSample{ID: m.nextID, Sample: s, ReceivedAt: time.Now()}
	// Keep per-device slices ordered by timestamp so the recency queries
	// are a scan from the tail.
	list := m.byDevice[s.DeviceID]
	idx := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(s.Timestamp) })
	list = append(list, core.StoredSample{})
	copy(list[idx+1:], list[idx:])
	list[idx] = stored
	m.byDevice[s.DeviceID] = list
	return stored.ID, nil
}

func (m *MemoryTelemetry) LatestForDevice(_ context.Context, deviceID string) (core.StoredSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byDevice[deviceID]
	if len(list) == 0 {
		return core.StoredSample{}, core.ErrNotFound
	}
	return list[len(list)-1], nil
}

func (m *MemoryTelemetry) PriorBefore(_ context.Context, deviceID string, ts time.Time) (core.StoredSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byDevice[deviceID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Timestamp.Before(ts) {
			return list[i], nil
		}
	}
	return core.StoredSample{}, core.ErrNotFound
}

func (m *MemoryTelemetry) ListForDevice(_ context.Context, deviceID string, limit, offset int) ([]core.StoredSample, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byDevice[deviceID]
	out := make([]core.StoredSample, 0, limit)
	for i := len(list) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

// CountForDevice reports how many samples are stored for a device.
func (m *MemoryTelemetry) CountForDevice(deviceID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byDevice[deviceID])
}

// MemoryAlerts is the in-memory alert store. Fingerprint uniqueness is
// enforced by the map key, mirroring the unique constraint the production
// backends carry.
type MemoryAlerts struct {
	mu            sync.RWMutex
	nextID        int64
	byFingerprint map[string]alert.Alert
	ordered       []string // fingerprints in insert order
	failInserts   int
}

// NewMemoryAlerts creates an empty in-memory alert store.
func NewMemoryAlerts() *MemoryAlerts {
	return &MemoryAlerts{byFingerprint: make(map[string]alert.Alert)}
}

// FailNextInserts makes the next n Insert calls fail with
// core.ErrUnavailable.
func (m *MemoryAlerts) FailNextInserts(n int) {
	m.mu.Lock()
	m.failInserts = n
	m.mu.Unlock()
}

func (m *MemoryAlerts) Insert(_ context.Context, a alert.Alert) (alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInserts > 0 {
		m.failInserts--
		return alert.Alert{}, core.ErrUnavailable
	}
	if _, exists := m.byFingerprint[a.Fingerprint]; exists {
		return alert.Alert{}, alert.ErrDuplicateFingerprint
	}
	m.nextID++
	a.ID = m.nextID
	a.CreatedAt = time.Now()
	m.byFingerprint[a.Fingerprint] = a
	m.ordered = append(m.ordered, a.Fingerprint)
	return a, nil
}

func (m *MemoryAlerts) FindByFingerprint(_ context.Context, fingerprint string) (alert.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byFingerprint[fingerprint]
	if !ok {
		return alert.Alert{}, core.ErrNotFound
	}
	return a, nil
}

func (m *MemoryAlerts) List(_ context.Context, q alert.Query) ([]alert.Alert, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := 0
	out := make([]alert.Alert, 0, limit)
	for i := len(m.ordered) - 1; i >= 0 && len(out) < limit; i-- {
		a, ok := m.byFingerprint[m.ordered[i]]
		if !ok {
			continue // purged
		}
		if !matchesQuery(a, q) {
			continue
		}
		if matched < offset {
			matched++
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func matchesQuery(a alert.Alert, q alert.Query) bool {
	if q.DeviceID != "" && a.DeviceID != q.DeviceID {
		return false
	}
	if q.Type != "" && a.Type != q.Type {
		return false
	}
	if q.Severity != "" && a.Severity != q.Severity {
		return false
	}
	if !q.CreatedAfter.IsZero() && !a.CreatedAt.After(q.CreatedAfter) {
		return false
	}
	if !q.CreatedBefore.IsZero() && !a.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	return true
}

func (m *MemoryAlerts) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for fp, a := range m.byFingerprint {
		if a.CreatedAt.Before(cutoff) {
			delete(m.byFingerprint, fp)
			purged++
		}
	}
	return purged, nil
}

// Count reports the number of stored alerts.
func (m *MemoryAlerts) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byFingerprint)
}
