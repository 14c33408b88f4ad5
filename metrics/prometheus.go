// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes Prometheus collectors for remote API traffic and
// sync run outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	remoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magflow_remote_requests_total",
			Help: "Total remote marketplace API requests.",
		},
		[]string{"account", "class", "outcome"},
	)
	remoteRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magflow_remote_request_duration_seconds",
			Help:    "Histogram of remote request durations, per rate-limit class.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 90},
		},
		[]string{"account", "class", "outcome"},
	)
	syncRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magflow_sync_records_total",
			Help: "Records processed by sync runs, by result.",
		},
		[]string{"account", "entity", "result"},
	)
	runsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "magflow_sync_runs_in_flight",
			Help: "Number of sync runs currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(remoteRequestsTotal)
	prometheus.MustRegister(remoteRequestDuration)
	prometheus.MustRegister(syncRecordsTotal)
	prometheus.MustRegister(runsInFlight)
}

// RecordRemoteRequest records one remote API request.
func RecordRemoteRequest(account, class, outcome string, duration time.Duration) {
	remoteRequestsTotal.WithLabelValues(account, class, outcome).Inc()
	remoteRequestDuration.WithLabelValues(account, class, outcome).Observe(duration.Seconds())
}

// RecordSyncRecords adds processed-record counts for a run.
func RecordSyncRecords(account, entity, result string, n int) {
	if n <= 0 {
		return
	}
	syncRecordsTotal.WithLabelValues(account, entity, result).Add(float64(n))
}

// RunStarted and RunFinished track the in-flight gauge.
func RunStarted()  { runsInFlight.Inc() }
func RunFinished() { runsInFlight.Dec() }

// Handler returns the HTTP handler exporting all registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}
