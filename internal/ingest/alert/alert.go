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

// Package alert holds the alert model and the deduplicating alert engine.
// Alert identity is the fingerprint: a deterministic hash over the device,
// alert type, and coordinates. Two situations hashing to the same
// fingerprint are the same alert, however their message text varies.
package alert

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrDuplicateFingerprint is returned by Store.Insert when an alert with
// the same fingerprint already exists. It is the cross-instance correctness
// backstop behind the engine's local dedup lock.
var ErrDuplicateFingerprint = errors.New("duplicate alert fingerprint")

// Type classifies the source condition of an alert.
type Type string

const (
	TypeAnomaly  Type = "ANOMALY"
	TypeGeofence Type = "GEOFENCE"
	TypeSpeed    Type = "SPEED"
	TypeSystem   Type = "SYSTEM"
)

// Severity grades an alert. Derivation from (type, message) is a pure
// function; see DeriveSeverity.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one persisted analytic finding. Alerts are created once, never
// updated, and deleted only by the retention job.
type Alert struct {
	ID            int64     `json:"id"`
	DeviceID      string    `json:"deviceId"`
	Type          Type      `json:"alertType"`
	Severity      Severity  `json:"severity"`
	Message       string    `json:"message"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
	ProcessorName string    `json:"processorName"`
	Fingerprint   string    `json:"fingerprint"`
	Metadata      string    `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Request is the engine-facing creation shape. Coordinates are optional;
// absent coordinates fingerprint as "null".
type Request struct {
	DeviceID      string
	Type          Type
	Message       string
	Latitude      *float64
	Longitude     *float64
	ProcessorName string
	Metadata      string
}

// Query filters alert listings.
type Query struct {
	DeviceID      string
	Type          Type
	Severity      Severity
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// Store is the persistence contract for alerts. Implementations must
// enforce fingerprint uniqueness at insert.
type Store interface {
	// Insert persists the alert, assigning ID and CreatedAt. It returns
	// ErrDuplicateFingerprint when the fingerprint already exists.
	Insert(ctx context.Context, a Alert) (Alert, error)
	// FindByFingerprint returns the alert with the given fingerprint, or
	// core.ErrNotFound.
	FindByFingerprint(ctx context.Context, fingerprint string) (Alert, error)
	// List returns alerts matching the query, newest first.
	List(ctx context.Context, q Query) ([]Alert, error)
	// PurgeOlderThan deletes alerts created before cutoff and returns the
	// number removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Fingerprint derives the deduplication identity:
// hex(md5(deviceId ":" type ":" lat ":" lon)), with "null" standing in for
// an absent coordinate. The message is deliberately excluded so alerts from
// the same sensor situation with varying text collapse to one record.
func Fingerprint(deviceID string, t Type, lat, lon *float64) string {
	var b strings.Builder
	b.WriteString(deviceID)
	b.WriteByte(':')
	b.WriteString(string(t))
	b.WriteByte(':')
	b.WriteString(coordString(lat))
	b.WriteByte(':')
	b.WriteString(coordString(lon))
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// coordString renders a coordinate canonically: shortest decimal form that
// round-trips, always carrying a decimal point ("95" renders as "95.0") so
// producers on any platform derive identical fingerprints.
func coordString(v *float64) string {
	if v == nil {
		return "null"
	}
	s := strconv.FormatFloat(*v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// DeriveSeverity grades an alert purely from its type and message wording.
// Keyword matching is case-sensitive except for SPEED.
func DeriveSeverity(t Type, message string) Severity {
	switch t {
	case TypeAnomaly:
		switch {
		case strings.Contains(message, "Invalid coordinates"):
			return SeverityHigh
		case strings.Contains(message, "Extreme location"):
			return SeverityLow
		case strings.Contains(message, "suspicious"):
			return SeverityMedium
		default:
			return SeverityLow
		}
	case TypeGeofence:
		if strings.Contains(message, "forbidden") {
			return SeverityCritical
		}
		return SeverityMedium
	case TypeSpeed:
		lower := strings.ToLower(message)
		if strings.Contains(lower, "excessive") || strings.Contains(lower, "dangerous") {
			return SeverityHigh
		}
		return SeverityMedium
	case TypeSystem:
		if strings.Contains(message, "error") || strings.Contains(message, "failure") {
			return SeverityHigh
		}
		return SeverityLow
	default:
		return SeverityLow
	}
}
