package persist

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	enqueued   *prometheus.CounterVec
	applied    *prometheus.CounterVec
	failed     *prometheus.CounterVec
	drains     prometheus.Counter
	drainTime  prometheus.Histogram
	queueDepth prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "persist",
			Name:      "enqueued_total",
			Help:      "Mutation actions accepted by the persistence engine.",
		}, []string{"kind"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "persist",
			Name:      "applied_total",
			Help:      "Mutation actions written to the store.",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "persist",
			Name:      "failed_total",
			Help:      "Mutation actions whose write failed or was dropped.",
		}, []string{"kind"}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "persist",
			Name:      "drains_total",
			Help:      "Batched flushes of the action queue.",
		}),
		drainTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatcore",
			Subsystem: "persist",
			Name:      "drain_seconds",
			Help:      "Time spent applying one drained batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "persist",
			Name:      "queue_depth",
			Help:      "Actions waiting for the next flush.",
		}),
	}
	reg.MustRegister(m.enqueued, m.applied, m.failed, m.drains, m.drainTime, m.queueDepth)
	return m
}
