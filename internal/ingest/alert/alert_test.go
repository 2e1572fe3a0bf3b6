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

package alert

import (
	"crypto/md5"
	"encoding/hex"
	"testing"
)

func f64(v float64) *float64 { return &v }

// md5hex is the reference rendering of the fingerprint wire format.
func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestFingerprint(t *testing.T) {
	cases := []struct {
		name     string
		deviceID string
		typ      Type
		lat, lon *float64
		preimage string
	}{
		{"IntegralCoordsCarryDecimalPoint", "d4", TypeAnomaly, f64(95), f64(-74), "d4:ANOMALY:95.0:-74.0"},
		{"FractionalCoords", "truck-1", TypeGeofence, f64(40.7128), f64(-74.006), "truck-1:GEOFENCE:40.7128:-74.006"},
		{"AbsentCoordsAreNull", "truck-1", TypeSystem, nil, nil, "truck-1:SYSTEM:null:null"},
		{"MixedPresence", "truck-1", TypeSpeed, f64(0), nil, "truck-1:SPEED:0.0:null"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Fingerprint(tc.deviceID, tc.typ, tc.lat, tc.lon)
			if want := md5hex(tc.preimage); got != want {
				t.Fatalf("Fingerprint = %s, want md5(%q) = %s", got, tc.preimage, want)
			}
		})
	}

	t.Run("Deterministic", func(t *testing.T) {
		a := Fingerprint("d", TypeAnomaly, f64(1.5), f64(2.5))
		b := Fingerprint("d", TypeAnomaly, f64(1.5), f64(2.5))
		if a != b {
			t.Fatal("identical inputs produced different fingerprints")
		}
	})

	t.Run("MessageIndependent", func(t *testing.T) {
		// The fingerprint has no message component, so the same situation
		// described differently still collapses.
		if Fingerprint("d", TypeSpeed, f64(1), f64(2)) != Fingerprint("d", TypeSpeed, f64(1), f64(2)) {
			t.Fatal("fingerprint should only depend on device, type, coordinates")
		}
	})

	t.Run("CoordinateSensitive", func(t *testing.T) {
		if Fingerprint("d", TypeSpeed, f64(1), f64(2)) == Fingerprint("d", TypeSpeed, f64(1), f64(3)) {
			t.Fatal("different coordinates must produce different fingerprints")
		}
	})
}

func TestDeriveSeverity(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		message string
		want    Severity
	}{
		{"AnomalyInvalidCoordinates", TypeAnomaly, "Invalid coordinates detected: lat=95, lon=-74", SeverityHigh},
		{"AnomalyExtremeLocation", TypeAnomaly, "Extreme location detected: lat=85.2", SeverityLow},
		{"AnomalySuspicious", TypeAnomaly, "suspicious movement pattern", SeverityMedium},
		{"AnomalyDefault", TypeAnomaly, "something else entirely", SeverityLow},
		{"GeofenceForbidden", TypeGeofence, `Device entered forbidden restricted area "base"`, SeverityCritical},
		{"GeofenceRestricted", TypeGeofence, `Device entered restricted area "port"`, SeverityMedium},
		{"SpeedExcessive", TypeSpeed, "Excessive speed detected: 180.0 km/h", SeverityHigh},
		{"SpeedCaseInsensitive", TypeSpeed, "DANGEROUS velocity observed", SeverityHigh},
		{"SpeedDefault", TypeSpeed, "speed advisory", SeverityMedium},
		{"SystemError", TypeSystem, "persistence error in worker", SeverityHigh},
		{"SystemFailure", TypeSystem, "heartbeat failure", SeverityHigh},
		{"SystemDefault", TypeSystem, "informational note", SeverityLow},
		{"UnknownType", Type("OTHER"), "whatever", SeverityLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveSeverity(tc.typ, tc.message); got != tc.want {
				t.Fatalf("DeriveSeverity(%s, %q) = %s, want %s", tc.typ, tc.message, got, tc.want)
			}
		})
	}

	t.Run("PureFunction", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if DeriveSeverity(TypeGeofence, "forbidden zone") != SeverityCritical {
				t.Fatal("severity derivation is not stable")
			}
		}
	})
}
