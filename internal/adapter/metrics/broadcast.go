package metrics

import "github.com/prometheus/client_golang/prometheus"

// BroadcastMetrics tracks the outbound broadcast queue.
type BroadcastMetrics struct {
	Enqueued   prometheus.Counter
	Dropped    *prometheus.CounterVec
	QueueDepth prometheus.Gauge
}

func NewBroadcastMetrics(reg prometheus.Registerer) *BroadcastMetrics {
	m := &BroadcastMetrics{
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "enqueued_total",
			Help:      "Total number of readings accepted by the broadcast queue.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Readings that were never delivered, by reason.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "queue_depth",
			Help:      "Current number of readings waiting in the broadcast queue.",
		}),
	}

	reg.MustRegister(m.Enqueued, m.Dropped, m.QueueDepth)
	return m
}
