package notifier

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	passes     *prometheus.CounterVec
	events     *prometheus.CounterVec
	batches    *prometheus.CounterVec
	duration   prometheus.Histogram
	queueDepth prometheus.Gauge
}

// NewMetrics registers the notifier collectors with reg. A nil reg keeps the
// collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livesync", Subsystem: "notifier", Name: "subscription_passes_total",
			Help: "Subscription passes by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livesync", Subsystem: "notifier", Name: "events_total",
			Help: "Events delivered to clients by kind.",
		}, []string{"kind"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livesync", Subsystem: "notifier", Name: "batches_total",
			Help: "Change batches by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "livesync", Subsystem: "notifier", Name: "subscription_pass_seconds",
			Help:    "Duration of one subscription pass including delivery.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livesync", Subsystem: "notifier", Name: "dispatch_queue_depth",
			Help: "Change batches waiting in dispatch queues.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.passes, m.events, m.batches, m.duration, m.queueDepth)
	}
	return m
}
