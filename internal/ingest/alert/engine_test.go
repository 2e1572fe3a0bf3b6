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

package alert_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/store"
)

func f64(v float64) *float64 { return &v }

func speedRequest() alert.Request {
	return alert.Request{
		DeviceID:      "truck-1",
		Type:          alert.TypeSpeed,
		Message:       "Excessive speed detected: 180.0 km/h",
		Latitude:      f64(40.7),
		Longitude:     f64(-74.0),
		ProcessorName: "speed-statistics",
	}
}

func TestEngine_CreateAlert(t *testing.T) {
	alerts := store.NewMemoryAlerts()
	engine := alert.NewEngine(alerts, nil, alert.EngineConfig{}, nil)

	created, err := engine.CreateAlert(context.Background(), speedRequest())
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	require.Equal(t, alert.SeverityHigh, created.Severity, "severity must derive from the message")
	require.Equal(t, alert.Fingerprint("truck-1", alert.TypeSpeed, f64(40.7), f64(-74.0)), created.Fingerprint)
	require.Equal(t, 1, alerts.Count())
}

func TestEngine_DeduplicatesByFingerprint(t *testing.T) {
	alerts := store.NewMemoryAlerts()
	engine := alert.NewEngine(alerts, nil, alert.EngineConfig{}, nil)

	first, err := engine.CreateAlert(context.Background(), speedRequest())
	require.NoError(t, err)

	// Same situation, different wording: must return the first winner.
	req := speedRequest()
	req.Message = "Excessive speed detected: 181.3 km/h"
	second, err := engine.CreateAlert(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Message, second.Message, "dedup must return the stored record, not the new request")
	require.Equal(t, 1, alerts.Count())
}

func TestEngine_ConcurrentCreationSingleRecord(t *testing.T) {
	alerts := store.NewMemoryAlerts()
	engine := alert.NewEngine(alerts, nil, alert.EngineConfig{}, nil)

	const goroutines = 16
	ids := make([]int64, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			a, err := engine.CreateAlert(context.Background(), speedRequest())
			if err == nil {
				ids[g] = a.ID
			}
		}(g)
	}
	wg.Wait()

	require.Equal(t, 1, alerts.Count(), "concurrent identical requests must collapse to one alert")
	for g := 1; g < goroutines; g++ {
		require.Equal(t, ids[0], ids[g], "every caller must observe the same winner id")
	}
}

func TestEngine_RetriesTransientInsertFailure(t *testing.T) {
	alerts := store.NewMemoryAlerts()
	alerts.FailNextInserts(2)
	engine := alert.NewEngine(alerts, nil, alert.EngineConfig{
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
	}, nil)

	created, err := engine.CreateAlert(context.Background(), speedRequest())
	require.NoError(t, err, "two transient failures within a three-attempt budget must recover")
	require.NotZero(t, created.ID)
}

func TestEngine_FailsAfterRetryBudget(t *testing.T) {
	alerts := store.NewMemoryAlerts()
	alerts.FailNextInserts(3)
	engine := alert.NewEngine(alerts, nil, alert.EngineConfig{
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
	}, nil)

	_, err := engine.CreateAlert(context.Background(), speedRequest())
	require.ErrorIs(t, err, alert.ErrCreateFailed)
	require.Equal(t, 0, alerts.Count())
}

func TestEngine_RejectsIncompleteRequest(t *testing.T) {
	engine := alert.NewEngine(store.NewMemoryAlerts(), nil, alert.EngineConfig{}, nil)

	_, err := engine.CreateAlert(context.Background(), alert.Request{Type: alert.TypeSpeed})
	require.ErrorIs(t, err, alert.ErrCreateFailed)

	_, err = engine.CreateAlert(context.Background(), alert.Request{DeviceID: "truck-1"})
	require.ErrorIs(t, err, alert.ErrCreateFailed)
}

// capturingPublisher records what the engine publishes.
type capturingPublisher struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (p *capturingPublisher) Publish(_ context.Context, a alert.Alert) error {
	p.mu.Lock()
	p.alerts = append(p.alerts, a)
	p.mu.Unlock()
	return nil
}

func TestEngine_PublishesOnlyNewAlerts(t *testing.T) {
	pub := &capturingPublisher{}
	engine := alert.NewEngine(store.NewMemoryAlerts(), pub, alert.EngineConfig{}, nil)

	_, err := engine.CreateAlert(context.Background(), speedRequest())
	require.NoError(t, err)
	_, err = engine.CreateAlert(context.Background(), speedRequest()) // dedup hit
	require.NoError(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.alerts, 1, "a deduplicated creation must not republish")
}
