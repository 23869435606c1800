// SPDX-License-Identifier:Apache-2.0

// Package metrics exposes the agent state to Prometheus and serves the
// health and status endpoints.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ovn_evpn_agent"

// Recorder holds the event driven metrics: counters and durations the
// reconcile engine updates as it works.
type Recorder struct {
	fullSyncs        prometheus.Counter
	fullSyncErrors   prometheus.Counter
	fullSyncDuration prometheus.Histogram
	lastFullSync     prometheus.Gauge
	frrSyncs         prometheus.Counter
	frrSyncErrors    prometheus.Counter
	events           *prometheus.CounterVec
}

// NewRecorder creates the recorder metrics and registers them.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		fullSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "full_sync_total",
			Help:      "Number of full reconciliations run.",
		}),
		fullSyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "full_sync_errors_total",
			Help:      "Number of full reconciliations that left at least one resource failed.",
		}),
		fullSyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "full_sync_duration_seconds",
			Help:      "Duration of the full reconciliations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		lastFullSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "full_sync_last_timestamp_seconds",
			Help:      "Unix time of the last completed full reconciliation.",
		}),
		frrSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frr_sync_total",
			Help:      "Number of routing daemon reconciliations run.",
		}),
		frrSyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frr_sync_errors_total",
			Help:      "Number of routing daemon reconciliations that failed.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Association events handled, by kind and result.",
		}, []string{"kind", "result"}),
	}
	reg.MustRegister(
		r.fullSyncs,
		r.fullSyncErrors,
		r.fullSyncDuration,
		r.lastFullSync,
		r.frrSyncs,
		r.frrSyncErrors,
		r.events,
	)
	return r
}

// ObserveFullSync records a completed full reconciliation.
func (r *Recorder) ObserveFullSync(duration time.Duration, failed bool, at time.Time) {
	r.fullSyncs.Inc()
	if failed {
		r.fullSyncErrors.Inc()
	}
	r.fullSyncDuration.Observe(duration.Seconds())
	r.lastFullSync.Set(float64(at.Unix()))
}

// ObserveFRRSync records a routing daemon reconciliation.
func (r *Recorder) ObserveFRRSync(err error) {
	r.frrSyncs.Inc()
	if err != nil {
		r.frrSyncErrors.Inc()
	}
}

// ObserveEvent records the outcome of an association event.
func (r *Recorder) ObserveEvent(kind string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	r.events.WithLabelValues(kind, result).Inc()
}
