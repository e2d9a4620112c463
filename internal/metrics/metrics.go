// Package metrics holds the Prometheus collectors of the kiosk.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registration outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeReplay  = "replay"
	OutcomeReject  = "rejected"
	OutcomeFailed  = "failed"
)

// Metrics is the set of collectors updated by the registrar and the writer.
type Metrics struct {
	Registrations *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	Debounced     prometheus.Counter
	QueueDepth    prometheus.Gauge
	Online        prometheus.Gauge
	Duration      prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which keeps tests independent of the global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome and reason.",
		}, []string{"outcome", "reason"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "retries_total",
			Help:      "Transient failures retried, by layer.",
		}, []string{"layer"}),
		Debounced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "debounced_total",
			Help:      "Enqueue calls dropped as near-duplicates.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kiosk",
			Name:      "queue_depth",
			Help:      "Registration requests waiting in the queue.",
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kiosk",
			Name:      "store_online",
			Help:      "1 when the store answered the last probe.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kiosk",
			Name:      "registration_seconds",
			Help:      "Time from dequeue to terminal outcome.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Registrations, m.Retries, m.Debounced, m.QueueDepth, m.Online, m.Duration)
	}
	return m
}
