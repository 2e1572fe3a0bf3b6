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

// Package config loads the service configuration from an optional YAML file.
// Every key has a default; an empty file or no file at all yields a fully
// working single-instance setup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fleetmon/internal/ingest/processors"
)

type Queue struct {
	Enabled  *bool  `yaml:"enabled"`
	Capacity int    `yaml:"capacity"`
	Workers  int    `yaml:"workers"`
	Fallback string `yaml:"fallback"`
}

type RateLimitGlobal struct {
	PerSecond int64 `yaml:"perSecond"`
}

type RateLimitAddress struct {
	PerMinute      int64 `yaml:"perMinute"`
	BurstPerMinute int64 `yaml:"burstPerMinute"`
}

type RateLimitDevice struct {
	PerMinute int64 `yaml:"perMinute"`
}

type RateLimitCache struct {
	MaxSize int `yaml:"maxSize"`
}

type RateLimit struct {
	Enabled *bool            `yaml:"enabled"`
	Global  RateLimitGlobal  `yaml:"global"`
	Address RateLimitAddress `yaml:"address"`
	Device  RateLimitDevice  `yaml:"device"`
	Cache   RateLimitCache   `yaml:"cache"`
}

type AlertRetention struct {
	Months int `yaml:"months"`
}

type Alerts struct {
	Retention AlertRetention `yaml:"retention"`
	// SinkFile, when set, appends every created alert to this JSONL file in
	// addition to the log publisher.
	SinkFile string `yaml:"sinkFile"`
}

type SpeedProcessor struct {
	ThresholdKmh       float64 `yaml:"thresholdKmh"`
	MinIntervalSeconds int     `yaml:"minIntervalSeconds"`
}

type AnomalyProcessor struct {
	ExtremeLatitude float64 `yaml:"extremeLatitude"`
}

type GeofenceProcessor struct {
	Regions []processors.Region `yaml:"regions"`
}

type Processors struct {
	Speed    SpeedProcessor    `yaml:"speed"`
	Anomaly  AnomalyProcessor  `yaml:"anomaly"`
	Geofence GeofenceProcessor `yaml:"geofence"`
}

type Storage struct {
	// Backend selects the store: memory (default), redis, postgres.
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redisAddr"`
	// PostgresDSN is passed to the SQL driver the binary links in.
	PostgresDSN string `yaml:"postgresDSN"`
}

type Server struct {
	ListenAddr string `yaml:"listenAddr"`
	// MetricsAddr, when set, serves /metrics on a separate listener; empty
	// means metrics ride on the main listener.
	MetricsAddr string `yaml:"metricsAddr"`
	// APIKey, when set, is required in the X-API-Key header of every request.
	APIKey string `yaml:"apiKey"`
}

type Config struct {
	Server     Server     `yaml:"server"`
	Storage    Storage    `yaml:"storage"`
	Queue      Queue      `yaml:"queue"`
	RateLimit  RateLimit  `yaml:"ratelimit"`
	Alerts     Alerts     `yaml:"alerts"`
	Processors Processors `yaml:"processors"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	t := true
	return Config{
		Server:  Server{ListenAddr: ":8080"},
		Storage: Storage{Backend: "memory"},
		Queue:   Queue{Enabled: &t, Capacity: 10000, Workers: 8, Fallback: "sync"},
		RateLimit: RateLimit{
			Enabled: &t,
			Global:  RateLimitGlobal{PerSecond: 500},
			Address: RateLimitAddress{PerMinute: 200, BurstPerMinute: 20},
			Device:  RateLimitDevice{PerMinute: 100},
			Cache:   RateLimitCache{MaxSize: 100000},
		},
		Alerts: Alerts{Retention: AlertRetention{Months: 3}},
		Processors: Processors{
			Speed:   SpeedProcessor{ThresholdKmh: 150, MinIntervalSeconds: 30},
			Anomaly: AnomalyProcessor{ExtremeLatitude: 80},
		},
	}
}

// Load reads path over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a sparse file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = d.Server.ListenAddr
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Queue.Enabled == nil {
		c.Queue.Enabled = d.Queue.Enabled
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = d.Queue.Capacity
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = d.Queue.Workers
	}
	if c.Queue.Fallback == "" {
		c.Queue.Fallback = d.Queue.Fallback
	}
	if c.RateLimit.Enabled == nil {
		c.RateLimit.Enabled = d.RateLimit.Enabled
	}
	if c.RateLimit.Global.PerSecond <= 0 {
		c.RateLimit.Global.PerSecond = d.RateLimit.Global.PerSecond
	}
	if c.RateLimit.Address.PerMinute <= 0 {
		c.RateLimit.Address.PerMinute = d.RateLimit.Address.PerMinute
	}
	if c.RateLimit.Address.BurstPerMinute <= 0 {
		c.RateLimit.Address.BurstPerMinute = d.RateLimit.Address.BurstPerMinute
	}
	if c.RateLimit.Device.PerMinute <= 0 {
		c.RateLimit.Device.PerMinute = d.RateLimit.Device.PerMinute
	}
	if c.RateLimit.Cache.MaxSize <= 0 {
		c.RateLimit.Cache.MaxSize = d.RateLimit.Cache.MaxSize
	}
	if c.Alerts.Retention.Months <= 0 {
		c.Alerts.Retention.Months = d.Alerts.Retention.Months
	}
	if c.Processors.Speed.ThresholdKmh <= 0 {
		c.Processors.Speed.ThresholdKmh = d.Processors.Speed.ThresholdKmh
	}
	if c.Processors.Speed.MinIntervalSeconds <= 0 {
		c.Processors.Speed.MinIntervalSeconds = d.Processors.Speed.MinIntervalSeconds
	}
	if c.Processors.Anomaly.ExtremeLatitude <= 0 {
		c.Processors.Anomaly.ExtremeLatitude = d.Processors.Anomaly.ExtremeLatitude
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c Config) Validate() error {
	switch c.Queue.Fallback {
	case "sync", "reject", "drop":
	default:
		return fmt.Errorf("queue.fallback must be one of sync, reject, drop; got %q", c.Queue.Fallback)
	}
	switch c.Storage.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("storage.backend redis requires storage.redisAddr")
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.backend postgres requires storage.postgresDSN")
	}
	for _, r := range c.Processors.Geofence.Regions {
		if r.Name == "" {
			return fmt.Errorf("geofence region without a name")
		}
		if r.MinLat > r.MaxLat || r.MinLon > r.MaxLon {
			return fmt.Errorf("geofence region %q has inverted bounds", r.Name)
		}
	}
	return nil
}
