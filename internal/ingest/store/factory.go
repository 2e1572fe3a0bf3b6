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

package store

import (
	"database/sql"
	"errors"
	"fmt"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/core"
)

// Backends groups the two stores a pipeline needs. The memory backend
// returns two independent stores; redis and postgres back both from one
// connection.
type Backends struct {
	Telemetry core.TelemetryStore
	Alerts    alert.Store
}

// Options carries backend-specific connection settings.
type Options struct {
	// RedisAddr is the host:port for the redis backend.
	RedisAddr string
	// DB is the open database handle for the postgres backend. The caller
	// owns opening and closing it.
	DB *sql.DB
}

// Build constructs the stores named by a string selector:
//   - "memory" (default): in-process maps, per-instance state
//   - "redis": shared state across instances via a Redis server
//   - "postgres": durable SQL storage over a caller-supplied *sql.DB
func Build(backend string, opts Options) (Backends, error) {
	switch backend {
	case "", "memory":
		return Backends{Telemetry: NewMemoryTelemetry(), Alerts: NewMemoryAlerts()}, nil
	case "redis":
		if opts.RedisAddr == "" {
			return Backends{}, errors.New("redis backend requires an address")
		}
		r := NewRedisStoreAddr(opts.RedisAddr)
		return Backends{Telemetry: r, Alerts: r}, nil
	case "postgres":
		if opts.DB == nil {
			return Backends{}, errors.New("postgres backend requires an open *sql.DB; wire a driver and create the schema first")
		}
		p := NewPostgresStore(opts.DB)
		return Backends{Telemetry: p, Alerts: p}, nil
	default:
		return Backends{}, fmt.Errorf("unknown storage backend: %s", backend)
	}
}
