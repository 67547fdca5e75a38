package metrics

import "github.com/prometheus/client_golang/prometheus"

// ClassifierMetrics tracks calls to the external scoring service.
type ClassifierMetrics struct {
	Results         *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	CircuitState    prometheus.Gauge
	ServiceUp       prometheus.Gauge
}

func NewClassifierMetrics(reg prometheus.Registerer) *ClassifierMetrics {
	m := &ClassifierMetrics{
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "results_total",
			Help:      "Classification calls by result (success or the fallback reason).",
		}, []string{"result"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "attempts_total",
			Help:      "HTTP attempts against the scoring endpoint, by status class.",
		}, []string{"status"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "request_duration_seconds",
			Help:      "Duration of a single scoring attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		ServiceUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "up",
			Help:      "Result of the last periodic health probe (1=healthy).",
		}),
	}

	reg.MustRegister(m.Results, m.Attempts, m.RequestDuration, m.CircuitState, m.ServiceUp)
	return m
}
