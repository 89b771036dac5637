// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/OniSong/Error.EXE/internal/router"
)

// Namespace prefixes every exported metric.
const Namespace = "errorexe"

// Availability signal label values.
const (
	SignalOnline        = "online"
	SignalHasLocalModel = "has_local_model"
	SignalHasAPIKey     = "has_api_key"
)

// =============================================================================
// RECORDER
// =============================================================================

// Recorder turns routing decisions and availability samples into Prometheus
// metrics and an in-memory Stats snapshot. It implements router.Observer.
type Recorder struct {
	routes       *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	streak       prometheus.Gauge
	availability *prometheus.GaugeVec
	probeErrors  prometheus.Counter

	stats *Stats
}

var _ router.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder and registers its collectors with reg. A nil
// reg gets a fresh private registry.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Recorder{
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "routes_total",
			Help:      "Queries delivered, by the tier that answered.",
		}, []string{"tier"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backend_failures_total",
			Help:      "Failed tier attempts, by tier and error kind.",
		}, []string{"tier", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "route_duration_seconds",
			Help:      "Time from submission to delivery, by answering tier.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tier"}),
		streak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "failure_streak",
			Help:      "Consecutive routing failures since the last backend success.",
		}),
		availability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "availability",
			Help:      "Last observed availability signals (1 = present).",
		}, []string{"signal"}),
		probeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "probe_errors_total",
			Help:      "Availability snapshots that failed.",
		}),
		stats: NewStats(),
	}

	for _, c := range []prometheus.Collector{
		r.routes, r.failures, r.duration, r.streak, r.availability, r.probeErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register telemetry collector: %w", err)
		}
	}
	return r, nil
}

// ObserveRoute records one routing decision.
func (r *Recorder) ObserveRoute(d router.Decision) {
	tier := d.Tier.String()

	r.routes.WithLabelValues(tier).Inc()
	for _, a := range d.Attempts {
		r.failures.WithLabelValues(a.Tier.String(), a.Kind.String()).Inc()
	}
	if d.ProbeErr != nil {
		r.probeErrors.Inc()
	}
	r.duration.WithLabelValues(tier).Observe(d.Duration.Seconds())
	r.streak.Set(float64(d.FailureCount))

	if d.ProbeErr == nil && !d.Cancelled {
		r.setAvailability(d.Snapshot)
	}
	r.stats.record(d)
}

// ObserveAvailability records a snapshot taken outside of routing, such as
// by the heartbeat job.
func (r *Recorder) ObserveAvailability(a router.Availability) {
	r.setAvailability(a)
	r.stats.setAvailability(a)
}

// ObserveProbeError counts a failed snapshot taken outside of routing.
func (r *Recorder) ObserveProbeError(err error) {
	r.probeErrors.Inc()
	r.stats.setProbeError(err)
}

// Stats returns the in-memory statistics fed by this recorder.
func (r *Recorder) Stats() *Stats {
	return r.stats
}

func (r *Recorder) setAvailability(a router.Availability) {
	r.availability.WithLabelValues(SignalOnline).Set(boolGauge(a.Online))
	r.availability.WithLabelValues(SignalHasLocalModel).Set(boolGauge(a.HasLocalModel))
	r.availability.WithLabelValues(SignalHasAPIKey).Set(boolGauge(a.HasAPIKey))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
