package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics tracks per-message outcomes of the ingestion pipeline.
type PipelineMetrics struct {
	Outcomes           *prometheus.CounterVec
	Classifications    *prometheus.CounterVec
	Anomalies          prometheus.Counter
	ProcessingDuration prometheus.Histogram
	FreshnessLag       prometheus.Histogram
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Total number of readings processed, by terminal state.",
		}, []string{"outcome"}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "classifications_total",
			Help:      "Total number of classifications, by source (model or fallback).",
		}, []string{"source"}),
		Anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "anomalies_total",
			Help:      "Total number of readings classified as anomalous.",
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "processing_duration_seconds",
			Help:      "Time from Received to a terminal state.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}),
		FreshnessLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "freshness_lag_seconds",
			Help:      "Difference between processedAt and the reading timestamp.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}

	reg.MustRegister(m.Outcomes, m.Classifications, m.Anomalies, m.ProcessingDuration, m.FreshnessLag)
	return m
}
