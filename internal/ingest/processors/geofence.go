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
	"fmt"

	"github.com/go-kit/log"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/core"
)

// Region is one rectangular restricted area. Bounds are inclusive. A
// Forbidden region upgrades the alert wording, and with it the derived
// severity, to CRITICAL.
type Region struct {
	Name      string  `yaml:"name" json:"name"`
	MinLat    float64 `yaml:"minLat" json:"minLat"`
	MaxLat    float64 `yaml:"maxLat" json:"maxLat"`
	MinLon    float64 `yaml:"minLon" json:"minLon"`
	MaxLon    float64 `yaml:"maxLon" json:"maxLon"`
	Forbidden bool    `yaml:"forbidden,omitempty" json:"forbidden,omitempty"`
}

// Contains reports whether the point lies within the region.
func (r Region) Contains(lat, lon float64) bool {
	return lat >= r.MinLat && lat <= r.MaxLat && lon >= r.MinLon && lon <= r.MaxLon
}

// Geofence alerts when a sample lies inside any configured restricted
// region. The region list is pure configuration; with no regions the
// processor does nothing.
type Geofence struct {
	engine  *alert.Engine
	regions []Region
	logger  log.Logger
}

// NewGeofence builds the processor over the configured regions.
func NewGeofence(engine *alert.Engine, regions []Region, logger log.Logger) *Geofence {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Geofence{engine: engine, regions: regions, logger: logger}
}

func (g *Geofence) Name() string { return "geofence" }

func (g *Geofence) Process(ctx context.Context, sample core.Sample, _ int64) error {
	for _, region := range g.regions {
		if !region.Contains(sample.Latitude, sample.Longitude) {
			continue
		}
		message := fmt.Sprintf("Device entered restricted area %q", region.Name)
		if region.Forbidden {
			message = fmt.Sprintf("Device entered forbidden restricted area %q", region.Name)
		}
		emitAlert(ctx, g.engine, g.logger, g.Name(), alert.Request{
			DeviceID:      sample.DeviceID,
			Type:          alert.TypeGeofence,
			Message:       message,
			Latitude:      &sample.Latitude,
			Longitude:     &sample.Longitude,
			ProcessorName: g.Name(),
			Metadata:      fmt.Sprintf(`{"region":%q}`, region.Name),
		})
		// One alert per sample position: overlapping regions share the
		// fingerprint (device, type, coordinates) anyway, so the first
		// match decides the message.
		return nil
	}
	return nil
}
