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

// Package promwatch centralizes the Prometheus instrumentation for the
// ingest pipeline. Metrics are global with bounded label cardinality (fixed
// enumerations only — no device ids or addresses as labels). Registration is
// eager; if no endpoint is exposed the registration is harmless.
package promwatch

import (
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmon_ingest_accepted_total",
		Help: "Accepted ingest submissions by path (queued, sync, dropped)",
	}, []string{"path"})
	ingestRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmon_ingest_rejected_total",
		Help: "Rejected ingest submissions by reason",
	}, []string{"reason"})
	ratelimitDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmon_ratelimit_denied_total",
		Help: "Admissions denied by the rate limiter, by scope (global, address, device)",
	}, []string{"scope"})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetmon_queue_depth",
		Help: "Current depth of the ingest queue",
	})
	samplesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetmon_samples_persisted_total",
		Help: "Telemetry samples successfully persisted",
	})
	samplesDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetmon_samples_discarded_total",
		Help: "Samples dropped after exhausting persist retries",
	})
	persistRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetmon_persist_retries_total",
		Help: "Retried telemetry persist attempts after transient store failures",
	})
	processDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetmon_process_duration_seconds",
		Help:    "Time from dequeue to persist+dispatch completion per sample",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	alertsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmon_alerts_created_total",
		Help: "Alerts persisted, by type and severity",
	}, []string{"type", "severity"})
	alertsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetmon_alerts_deduplicated_total",
		Help: "Alert creations collapsed onto an existing fingerprint",
	})
	alertCreateFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetmon_alert_create_failures_total",
		Help: "Alert creations that failed after all retry attempts",
	})
	alertsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetmon_alerts_purged_total",
		Help: "Alerts deleted by the retention job",
	})
	processorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmon_processor_failures_total",
		Help: "Analytic processor invocations that returned an error or panicked",
	}, []string{"processor"})
)

func init() {
	prometheus.MustRegister(
		ingestAccepted, ingestRejected, ratelimitDenied, queueDepth,
		samplesPersisted, samplesDiscarded, persistRetries, processDuration,
		alertsCreated, alertsDeduplicated, alertCreateFailures, alertsPurged,
		processorFailures,
	)
}

// RecordAccepted counts an accepted submission; path is one of "queued",
// "sync", "dropped".
func RecordAccepted(path string) { ingestAccepted.WithLabelValues(path).Inc() }

// RecordRejected counts a refused submission by reject reason.
func RecordRejected(reason string) { ingestRejected.WithLabelValues(reason).Inc() }

// RecordRateLimitDenied counts a denial in the given scope.
func RecordRateLimitDenied(scope string) { ratelimitDenied.WithLabelValues(scope).Inc() }

// SetQueueDepth publishes the current queue depth gauge.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// RecordPersisted counts one persisted sample.
func RecordPersisted() { samplesPersisted.Inc() }

// RecordDiscarded counts one sample abandoned after persist retries.
func RecordDiscarded() { samplesDiscarded.Inc() }

// RecordPersistRetry counts one retried persist attempt.
func RecordPersistRetry() { persistRetries.Inc() }

// ObserveProcessDuration records the dequeue-to-done latency of one sample.
func ObserveProcessDuration(d time.Duration) { processDuration.Observe(d.Seconds()) }

// RecordAlertCreated counts a newly persisted alert.
func RecordAlertCreated(alertType, severity string) {
	alertsCreated.WithLabelValues(alertType, severity).Inc()
}

// RecordAlertDeduplicated counts a creation that returned an existing record.
func RecordAlertDeduplicated() { alertsDeduplicated.Inc() }

// RecordAlertCreateFailure counts a creation that failed permanently.
func RecordAlertCreateFailure() { alertCreateFailures.Inc() }

// RecordAlertsPurged counts alerts removed by the retention job.
func RecordAlertsPurged(n int64) {
	if n > 0 {
		alertsPurged.Add(float64(n))
	}
}

// RecordProcessorFailure counts one guarded processor fault.
func RecordProcessorFailure(processor string) {
	processorFailures.WithLabelValues(processor).Inc()
}

// Serve exposes /metrics on its own listener when addr is non-empty. If the
// main API mux already serves metrics, leave addr empty and register
// promhttp there instead. Returns nil when addr is empty.
func Serve(addr string, logger log.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		level.Info(logger).Log("msg", "metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "metrics listener failed", "err", err)
		}
	}()
	return srv
}
