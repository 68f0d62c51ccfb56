package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/getsentry/callprof/internal/profiler"
)

const namespace = "callprof"

type telemetry struct {
	registry *prometheus.Registry

	profilesStored *prometheus.CounterVec
	exports        *prometheus.CounterVec
	merges         *prometheus.CounterVec
	anomalies      *prometheus.CounterVec
	contexts       prometheus.Histogram
}

func newTelemetry() *telemetry {
	t := &telemetry{
		registry: prometheus.NewRegistry(),
		profilesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profiles_stored_total",
			Help:      "Profiles recorded from an event stream and stored, by measure mode",
		}, []string{"measure_mode"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Profiles rendered, by format",
		}, []string{"format"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Profile merges, by outcome",
		}, []string{"outcome"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_anomalies_total",
			Help:      "Anomalies the recorder absorbed while replaying events, by kind",
		}, []string{"kind"}),
		contexts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "profile_contexts",
			Help:      "Execution contexts per stored profile",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
	t.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		t.profilesStored,
		t.exports,
		t.merges,
		t.anomalies,
		t.contexts,
	)
	return t
}

func (t *telemetry) handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *telemetry) observeDiagnostics(d profiler.Diagnostics) {
	for kind, v := range map[string]uint64{
		"clamped_time":            d.ClampedTimes,
		"mismatched_exit":         d.MismatchedExits,
		"empty_exit":              d.EmptyExits,
		"event_after_stop":        d.EventsAfterStop,
		"ignored_event":           d.IgnoredEvents,
		"unattributed_allocation": d.UnattributedAllocations,
		"inserted_parent":         d.InsertedParents,
	} {
		if v > 0 {
			t.anomalies.WithLabelValues(kind).Add(float64(v))
		}
	}
}
