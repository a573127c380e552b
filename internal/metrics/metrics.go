// Copyright 2025 Tom Barlow
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

// Package metrics holds the Prometheus instrumentation shared across the
// orchestrator and telephony dispatch. Grounded on the
// teacher's per-package promauto counter/gauge vars (e.g.
// internal/controller/filewatcher/metrics.go); unlike that package this one
// is shared rather than package-private, since campaign lifecycle counters
// are incremented from orchestrator, batch processing from telephony, and
// both are served by the single /metrics handler that Handler returns.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CampaignsActive reports the number of campaigns currently in the
	// running or syncing state.
	CampaignsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campaignforge_campaigns_active",
		Help: "Number of campaigns currently running or syncing.",
	})

	// BatchesScheduled counts batch jobs the orchestrator has enqueued.
	BatchesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignforge_batches_scheduled_total",
		Help: "Total batch jobs enqueued by the orchestrator, by campaign.",
	}, []string{"campaign_id"})

	// CallsInitiated counts outbound call attempts by provider and outcome.
	CallsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignforge_calls_initiated_total",
		Help: "Total outbound call attempts, by provider and outcome (ok/error).",
	}, []string{"provider", "outcome"})

	// CallDuration observes the wall-clock duration of a provider's
	// InitiateCall REST round trip.
	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaignforge_call_initiate_duration_seconds",
		Help:    "Outbound call-initiation REST round trip latency, by provider.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	// CircuitBreakerState reports 1 when a campaign's circuit breaker is
	// open, 0 when closed.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campaignforge_circuit_breaker_open",
		Help: "1 if the campaign's circuit breaker is open, 0 otherwise.",
	}, []string{"campaign_id"})

	// TransfersTotal counts transfer attempts by terminal outcome.
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignforge_transfers_total",
		Help: "Total call transfer attempts, by terminal outcome.",
	}, []string{"outcome"})

	// StasisWorkersActive reports the number of stasis workers currently
	// registered in the Event Bus heartbeat registry.
	StasisWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campaignforge_stasis_workers_active",
		Help: "Number of stasis workers with a live heartbeat.",
	})

	// APIRequestDuration observes campaign management API request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaignforge_api_request_duration_seconds",
		Help:    "Campaign management API request latency, by route and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status_class"})
)

// Handler returns the /metrics HTTP handler for the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}
