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
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-kit/log"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/core"
)

// maxReportedSpeedKmh caps the speed figure carried in alerts. Anything
// faster is a data artifact, not a vehicle.
const maxReportedSpeedKmh = 500.0

// Speed alerts when the movement implied between a sample and the device's
// immediately prior sample is implausibly fast.
//
// The prior sample is selected by timestamp, not arrival order, so delivery
// reordering does not corrupt the inference. The elapsed interval is
// clamped to a minimum realistic reporting interval before dividing; two
// samples milliseconds apart otherwise amplify GPS jitter into absurd
// speeds.
type Speed struct {
	engine       *alert.Engine
	telemetry    core.TelemetryStore
	thresholdKmh float64
	minInterval  time.Duration
	logger       log.Logger
}

// NewSpeed builds the processor. thresholdKmh defaults to 150, minInterval
// to 30s.
func NewSpeed(engine *alert.Engine, telemetry core.TelemetryStore, thresholdKmh float64, minInterval time.Duration, logger log.Logger) *Speed {
	if thresholdKmh <= 0 {
		thresholdKmh = 150
	}
	if minInterval <= 0 {
		minInterval = 30 * time.Second
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Speed{
		engine:       engine,
		telemetry:    telemetry,
		thresholdKmh: thresholdKmh,
		minInterval:  minInterval,
		logger:       logger,
	}
}

func (s *Speed) Name() string { return "speed-statistics" }

func (s *Speed) Process(ctx context.Context, sample core.Sample, _ int64) error {
	prior, err := s.telemetry.PriorBefore(ctx, sample.DeviceID, sample.Timestamp)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil // first sample for the device
		}
		return fmt.Errorf("prior sample lookup: %w", err)
	}

	distanceKm := haversineKm(prior.Latitude, prior.Longitude, sample.Latitude, sample.Longitude)
	elapsed := sample.Timestamp.Sub(prior.Timestamp)
	if elapsed < s.minInterval {
		elapsed = s.minInterval
	}
	speedKmh := distanceKm / elapsed.Hours()
	if speedKmh > maxReportedSpeedKmh {
		speedKmh = maxReportedSpeedKmh
	}
	if speedKmh <= s.thresholdKmh {
		return nil
	}

	emitAlert(ctx, s.engine, s.logger, s.Name(), alert.Request{
		DeviceID:      sample.DeviceID,
		Type:          alert.TypeSpeed,
		Message:       fmt.Sprintf("Excessive speed detected: %.1f km/h", speedKmh),
		Latitude:      &sample.Latitude,
		Longitude:     &sample.Longitude,
		ProcessorName: s.Name(),
		Metadata: fmt.Sprintf(`{"speedKmh":%.2f,"distanceKm":%.3f,"intervalSeconds":%.0f}`,
			speedKmh, distanceKm, elapsed.Seconds()),
	})
	return nil
}

// haversineKm returns the great-circle distance between two points in km.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
