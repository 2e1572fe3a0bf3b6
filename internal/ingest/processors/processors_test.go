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

package processors_test

import (
	"context"
	"testing"
	"time"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/core"
	"fleetmon/internal/ingest/processors"
	"fleetmon/internal/ingest/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// harness bundles an engine with its backing alert store so tests can
// observe what the processors created.
type harness struct {
	engine *alert.Engine
	alerts *store.MemoryAlerts
}

func newHarness() harness {
	alerts := store.NewMemoryAlerts()
	return harness{
		engine: alert.NewEngine(alerts, nil, alert.EngineConfig{}, nil),
		alerts: alerts,
	}
}

func (h harness) single(t *testing.T) alert.Alert {
	t.Helper()
	list, err := h.alerts.List(context.Background(), alert.Query{})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(list))
	}
	return list[0]
}

func (h harness) assertNone(t *testing.T) {
	t.Helper()
	if n := h.alerts.Count(); n != 0 {
		t.Fatalf("expected no alerts, got %d", n)
	}
}

func sampleAt(lat, lon float64, ts time.Time) core.Sample {
	return core.Sample{DeviceID: "truck-1", Latitude: lat, Longitude: lon, Timestamp: ts}
}

func TestAnomaly_Boundaries(t *testing.T) {
	cases := []struct {
		name         string
		lat, lon     float64
		wantSeverity alert.Severity // empty = no alert
	}{
		{"LatitudeExactly90IsValid", 90.0, 0, ""},
		{"LatitudeJustOver90IsInvalid", 90.000001, 0, alert.SeverityHigh},
		{"NegativeLatitudeBeyondRange", -90.5, 0, alert.SeverityHigh},
		{"LongitudeExactly180IsValid", 45, 180.0, ""},
		{"LongitudeJustOver180IsInvalid", 45, 180.000001, alert.SeverityHigh},
		{"Latitude80IsNotExtreme", 80.0, 0, ""},
		{"LatitudeJustOver80IsExtreme", 80.000001, 0, alert.SeverityLow},
		{"NegativeExtremeLatitude", -85, 0, alert.SeverityLow},
		{"OrdinaryPosition", 40.7, -74.0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			p := processors.NewAnomaly(h.engine, 80, nil)
			if err := p.Process(context.Background(), sampleAt(tc.lat, tc.lon, t0), 1); err != nil {
				t.Fatalf("Process: %v", err)
			}
			if tc.wantSeverity == "" {
				h.assertNone(t)
				return
			}
			a := h.single(t)
			if a.Type != alert.TypeAnomaly {
				t.Fatalf("alert type = %s", a.Type)
			}
			if a.Severity != tc.wantSeverity {
				t.Fatalf("severity = %s, want %s", a.Severity, tc.wantSeverity)
			}
		})
	}

	t.Run("InvalidWinsOverExtreme", func(t *testing.T) {
		// A latitude that is both extreme and out of range reports invalid.
		h := newHarness()
		p := processors.NewAnomaly(h.engine, 80, nil)
		if err := p.Process(context.Background(), sampleAt(95, -74, t0), 1); err != nil {
			t.Fatalf("Process: %v", err)
		}
		if a := h.single(t); a.Severity != alert.SeverityHigh {
			t.Fatalf("severity = %s, want HIGH for invalid coordinates", a.Severity)
		}
	})
}

func TestGeofence(t *testing.T) {
	regions := []processors.Region{
		{Name: "harbor", MinLat: 40.0, MaxLat: 41.0, MinLon: -75.0, MaxLon: -74.0},
		{Name: "airfield", MinLat: 50.0, MaxLat: 51.0, MinLon: 10.0, MaxLon: 11.0, Forbidden: true},
	}

	t.Run("InsideRestrictedRegion", func(t *testing.T) {
		h := newHarness()
		p := processors.NewGeofence(h.engine, regions, nil)
		if err := p.Process(context.Background(), sampleAt(40.5, -74.5, t0), 1); err != nil {
			t.Fatalf("Process: %v", err)
		}
		a := h.single(t)
		if a.Type != alert.TypeGeofence || a.Severity != alert.SeverityMedium {
			t.Fatalf("alert = %s/%s, want GEOFENCE/MEDIUM", a.Type, a.Severity)
		}
	})

	t.Run("InsideForbiddenRegionIsCritical", func(t *testing.T) {
		h := newHarness()
		p := processors.NewGeofence(h.engine, regions, nil)
		if err := p.Process(context.Background(), sampleAt(50.5, 10.5, t0), 1); err != nil {
			t.Fatalf("Process: %v", err)
		}
		if a := h.single(t); a.Severity != alert.SeverityCritical {
			t.Fatalf("severity = %s, want CRITICAL for forbidden region", a.Severity)
		}
	})

	t.Run("BoundaryIsInclusive", func(t *testing.T) {
		h := newHarness()
		p := processors.NewGeofence(h.engine, regions, nil)
		if err := p.Process(context.Background(), sampleAt(40.0, -75.0, t0), 1); err != nil {
			t.Fatalf("Process: %v", err)
		}
		if h.alerts.Count() != 1 {
			t.Fatal("a point on the region edge must alert")
		}
	})

	t.Run("OutsideEveryRegion", func(t *testing.T) {
		h := newHarness()
		p := processors.NewGeofence(h.engine, regions, nil)
		if err := p.Process(context.Background(), sampleAt(0, 0, t0), 1); err != nil {
			t.Fatalf("Process: %v", err)
		}
		h.assertNone(t)
	})

	t.Run("NoRegionsConfigured", func(t *testing.T) {
		h := newHarness()
		p := processors.NewGeofence(h.engine, nil, nil)
		if err := p.Process(context.Background(), sampleAt(40.5, -74.5, t0), 1); err != nil {
			t.Fatalf("Process: %v", err)
		}
		h.assertNone(t)
	})
}

// speedSetup persists a prior sample and returns the processor under test.
func speedSetup(t *testing.T, h harness, prior core.Sample) (*processors.Speed, *store.MemoryTelemetry) {
	t.Helper()
	telemetry := store.NewMemoryTelemetry()
	if _, err := telemetry.Save(context.Background(), prior); err != nil {
		t.Fatalf("save prior: %v", err)
	}
	return processors.NewSpeed(h.engine, telemetry, 150, 30*time.Second, nil), telemetry
}

func TestSpeed(t *testing.T) {
	t.Run("ExcessiveSpeedAlerts", func(t *testing.T) {
		// ~1.5 km in 30s is ~180 km/h, over the 150 threshold.
		h := newHarness()
		p, _ := speedSetup(t, h, sampleAt(0, 0, t0))
		if err := p.Process(context.Background(), sampleAt(0.0135, 0, t0.Add(30*time.Second)), 2); err != nil {
			t.Fatalf("Process: %v", err)
		}
		a := h.single(t)
		if a.Type != alert.TypeSpeed || a.Severity != alert.SeverityHigh {
			t.Fatalf("alert = %s/%s, want SPEED/HIGH", a.Type, a.Severity)
		}
	})

	t.Run("BelowThresholdIsQuiet", func(t *testing.T) {
		// ~1.1 km in 30s is ~133 km/h.
		h := newHarness()
		p, _ := speedSetup(t, h, sampleAt(0, 0, t0))
		if err := p.Process(context.Background(), sampleAt(0.01, 0, t0.Add(30*time.Second)), 2); err != nil {
			t.Fatalf("Process: %v", err)
		}
		h.assertNone(t)
	})

	t.Run("DenominatorFloorAbsorbsRapidReports", func(t *testing.T) {
		// The same ~1.1 km moved in 1 s would read as ~4000 km/h without the
		// floor; the 30s minimum interval keeps it at ~133 km/h.
		h := newHarness()
		p, _ := speedSetup(t, h, sampleAt(0, 0, t0))
		if err := p.Process(context.Background(), sampleAt(0.01, 0, t0.Add(time.Second)), 2); err != nil {
			t.Fatalf("Process: %v", err)
		}
		h.assertNone(t)
	})

	t.Run("FirstSampleHasNoPrior", func(t *testing.T) {
		h := newHarness()
		telemetry := store.NewMemoryTelemetry()
		p := processors.NewSpeed(h.engine, telemetry, 150, 30*time.Second, nil)
		if err := p.Process(context.Background(), sampleAt(40.7, -74.0, t0), 1); err != nil {
			t.Fatalf("Process on first sample: %v", err)
		}
		h.assertNone(t)
	})

	t.Run("PriorSelectedByTimestampNotArrival", func(t *testing.T) {
		// A later-timestamped sample arriving first must not become the prior
		// for an earlier one.
		h := newHarness()
		p, telemetry := speedSetup(t, h, sampleAt(0, 0, t0))
		if _, err := telemetry.Save(context.Background(), sampleAt(5, 5, t0.Add(10*time.Minute))); err != nil {
			t.Fatalf("save out-of-order sample: %v", err)
		}
		// Processing the t0+1m sample: its prior by timestamp is (0,0), a few
		// hundred meters away, not the far (5,5) point.
		if err := p.Process(context.Background(), sampleAt(0.001, 0, t0.Add(time.Minute)), 3); err != nil {
			t.Fatalf("Process: %v", err)
		}
		h.assertNone(t)
	})
}

func TestAggregator(t *testing.T) {
	agg := processors.NewAggregator()
	ctx := context.Background()

	samples := []core.Sample{
		sampleAt(40.0, -74.0, t0),
		sampleAt(40.1, -74.0, t0.Add(time.Minute)),
		sampleAt(40.2, -74.0, t0.Add(2*time.Minute)),
	}
	for i, s := range samples {
		if err := agg.Process(ctx, s, int64(i+1)); err != nil {
			t.Fatalf("Process %d: %v", i, err)
		}
	}

	stats, ok := agg.Snapshot("truck-1")
	if !ok {
		t.Fatal("no stats for processed device")
	}
	if stats.SampleCount != 3 {
		t.Fatalf("sample count = %d, want 3", stats.SampleCount)
	}
	if !stats.FirstSeen.Equal(t0) || !stats.LastSeen.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("first/last seen = %v/%v", stats.FirstSeen, stats.LastSeen)
	}
	// Two hops of 0.1 degrees latitude, a bit over 22 km total.
	if stats.TotalDistanceKm < 20 || stats.TotalDistanceKm > 25 {
		t.Fatalf("total distance = %v km, want ~22", stats.TotalDistanceKm)
	}

	if _, ok := agg.Snapshot("unknown-device"); ok {
		t.Fatal("snapshot for unknown device should report absence")
	}
}
