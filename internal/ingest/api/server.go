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

// Package api implements the public-facing HTTP server for the ingest
// pipeline. It translates HTTP requests into facade submissions and store
// queries, and maps outcomes back onto status codes and headers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetmon/internal/ingest/alert"
	"fleetmon/internal/ingest/core"
	"fleetmon/internal/ingest/processors"
)

// Authorizer decides whether a request may proceed. The default allows
// everything; NewAPIKeyAuthorizer gates on the X-API-Key header.
type Authorizer func(r *http.Request) bool

// NewAPIKeyAuthorizer returns an Authorizer requiring the given key in the
// X-API-Key header. An empty key allows everything.
func NewAPIKeyAuthorizer(key string) Authorizer {
	if key == "" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool { return r.Header.Get("X-API-Key") == key }
}

// Server handles the HTTP surface: ingest submission, queue status, device
// telemetry and stats reads, and alert listing.
type Server struct {
	facade     *core.Facade
	telemetry  core.TelemetryStore
	alerts     alert.Store
	aggregator *processors.Aggregator
	workers    int
	authorize  Authorizer
	logger     log.Logger
}

// NewServer wires the HTTP layer. aggregator may be nil; the stats endpoint
// then reports 404 for every device.
func NewServer(facade *core.Facade, telemetry core.TelemetryStore, alerts alert.Store, aggregator *processors.Aggregator, workers int, authorize Authorizer, logger log.Logger) *Server {
	if authorize == nil {
		authorize = func(*http.Request) bool { return true }
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		facade:     facade,
		telemetry:  telemetry,
		alerts:     alerts,
		aggregator: aggregator,
		workers:    workers,
		authorize:  authorize,
		logger:     logger,
	}
}

// RegisterRoutes sets up the HTTP routes for the server on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /telemetry", s.guard(s.handleSubmit))
	mux.HandleFunc("GET /queue/status", s.guard(s.handleQueueStatus))
	mux.HandleFunc("GET /devices/{id}/telemetry", s.guard(s.handleDeviceTelemetry))
	mux.HandleFunc("GET /devices/{id}/telemetry/latest", s.guard(s.handleDeviceLatest))
	mux.HandleFunc("GET /devices/{id}/stats", s.guard(s.handleDeviceStats))
	mux.HandleFunc("GET /alerts", s.guard(s.handleAlerts))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing API key"})
			return
		}
		next(w, r)
	}
}

// submitRequest is the ingest payload. Timestamp is an RFC 3339 instant.
type submitRequest struct {
	DeviceID  string    `json:"deviceId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  fmt.Sprintf("invalid request body: %v", err),
			"reason": string(core.RejectMalformed),
		})
		return
	}

	sample := core.Sample{
		DeviceID:  strings.TrimSpace(req.DeviceID),
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Timestamp: req.Timestamp,
	}
	outcome := s.facade.Submit(r.Context(), sample, clientAddress(r))

	switch outcome.Status {
	case core.OutcomeQueued:
		w.Header().Set("X-Request-ID", outcome.RequestID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":     "queued",
			"requestId":  outcome.RequestID,
			"queueDepth": outcome.QueueDepth,
		})
	case core.OutcomeSyncPersisted:
		writeJSON(w, http.StatusCreated, map[string]any{
			"status": "persisted",
			"id":     outcome.PersistedID,
		})
	case core.OutcomeDropped:
		// Accepted by policy even though the payload was shed.
		w.Header().Set("X-Request-ID", outcome.RequestID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":    "accepted",
			"requestId": outcome.RequestID,
		})
	default:
		s.writeRejection(w, outcome)
	}
}

func (s *Server) writeRejection(w http.ResponseWriter, outcome core.Outcome) {
	switch outcome.Reason {
	case core.RejectMalformed:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "malformed sample",
			"reason": string(outcome.Reason),
		})
	case core.RejectRateLimitedGlobal, core.RejectRateLimitedAddress, core.RejectRateLimitedDevice:
		scope := strings.TrimPrefix(string(outcome.Reason), "RATE_LIMITED_")
		retryAfter := outcome.RetryAfter
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		w.Header().Set("X-RateLimit-Scope", scope)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int64(retryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":        "rate limit exceeded",
			"limitType":    scope,
			"retryAfterMs": retryAfter.Milliseconds(),
		})
	default: // QUEUE_FULL_REJECT, STORE_UNAVAILABLE
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  "service unavailable",
			"reason": string(outcome.Reason),
		})
	}
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.Snapshot(s.workers))
}

func (s *Server) handleDeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)
	samples, err := s.telemetry.ListForDevice(r.Context(), deviceID, limit, offset)
	if err != nil {
		s.writeStoreError(w, "list telemetry", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": deviceID, "samples": samples})
}

func (s *Server) handleDeviceLatest(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	stored, err := s.telemetry.LatestForDevice(r.Context(), deviceID)
	if errors.Is(err, core.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no telemetry for device"})
		return
	}
	if err != nil {
		s.writeStoreError(w, "latest telemetry", err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if s.aggregator == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "aggregation disabled"})
		return
	}
	stats, ok := s.aggregator.Snapshot(deviceID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no stats for device"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": deviceID, "stats": stats})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := alert.Query{
		DeviceID: r.URL.Query().Get("deviceId"),
		Type:     alert.Type(r.URL.Query().Get("type")),
		Severity: alert.Severity(r.URL.Query().Get("severity")),
		Limit:    intQuery(r, "limit", 50),
		Offset:   intQuery(r, "offset", 0),
	}
	if v := r.URL.Query().Get("createdAfter"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "createdAfter must be RFC 3339"})
			return
		}
		q.CreatedAfter = t
	}
	if v := r.URL.Query().Get("createdBefore"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "createdBefore must be RFC 3339"})
			return
		}
		q.CreatedBefore = t
	}
	alerts, err := s.alerts.List(r.Context(), q)
	if err != nil {
		s.writeStoreError(w, "list alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	level.Error(s.logger).Log("msg", "store query failed", "op", op, "err", err)
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
}

// HTTPServer builds the configured *http.Server for addr. The caller starts
// it and drives shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// clientAddress identifies the caller for per-address rate limiting: the
// first X-Forwarded-For hop when present, else the connection's host.
func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
