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

// Package processors holds the analytic consumers of persisted telemetry:
// coordinate anomaly, geofence, speed, and aggregation. Each processor is a
// pure function of the sample plus optionally queried historical context,
// and they are mutually independent; the fan-out isolates their failures.
package processors

import (
	"context"
	"fmt"
	"math"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/core"
)

// Anomaly flags samples whose coordinates are impossible or extreme.
// Latitude exactly 90 and longitude exactly 180 are valid; only values
// strictly beyond the range trigger the invalid-coordinates alert.
type Anomaly struct {
	engine          *alert.Engine
	extremeLatitude float64
	logger          log.Logger
}

// NewAnomaly builds the processor. extremeLatitude defaults to 80 when
// non-positive.
func NewAnomaly(engine *alert.Engine, extremeLatitude float64, logger log.Logger) *Anomaly {
	if extremeLatitude <= 0 {
		extremeLatitude = 80
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Anomaly{engine: engine, extremeLatitude: extremeLatitude, logger: logger}
}

func (a *Anomaly) Name() string { return "coordinate-anomaly" }

func (a *Anomaly) Process(ctx context.Context, sample core.Sample, _ int64) error {
	var message string
	switch {
	case math.Abs(sample.Latitude) > 90 || math.Abs(sample.Longitude) > 180:
		message = fmt.Sprintf("Invalid coordinates detected: lat=%v, lon=%v", sample.Latitude, sample.Longitude)
	case math.Abs(sample.Latitude) > a.extremeLatitude:
		message = fmt.Sprintf("Extreme location detected: lat=%v", sample.Latitude)
	default:
		return nil
	}
	emitAlert(ctx, a.engine, a.logger, a.Name(), alert.Request{
		DeviceID:      sample.DeviceID,
		Type:          alert.TypeAnomaly,
		Message:       message,
		Latitude:      &sample.Latitude,
		Longitude:     &sample.Longitude,
		ProcessorName: a.Name(),
	})
	return nil
}

// emitAlert forwards a request to the engine. A failed alert is logged by
// the originating processor and never propagates upward; a failed alert
// must not kill the telemetry pipeline.
func emitAlert(ctx context.Context, engine *alert.Engine, logger log.Logger, processor string, req alert.Request) {
	if _, err := engine.CreateAlert(ctx, req); err != nil {
		level.Error(logger).Log(
			"msg", "alert create failed",
			"processor", processor,
			"device", req.DeviceID,
			"type", req.Type,
			"err", err,
		)
	}
}
