package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConsumerMetrics tracks the inbound stream consumer.
type ConsumerMetrics struct {
	MessagesFetched prometheus.Counter
	DecodeFailures  prometheus.Counter
	DeadLettered    *prometheus.CounterVec
	FetchErrors     prometheus.Counter
	CommitErrors    prometheus.Counter
	InFlight        prometheus.Gauge
}

func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	m := &ConsumerMetrics{
		MessagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_fetched_total",
			Help:      "Total number of messages fetched from the stream.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "decode_failures_total",
			Help:      "Total number of messages that could not be decoded.",
		}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "dead_lettered_total",
			Help:      "Malformed messages by disposition (quarantined, dropped, quarantine_failed).",
		}, []string{"disposition"}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "fetch_errors_total",
			Help:      "Total number of failed fetches.",
		}),
		CommitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "commit_errors_total",
			Help:      "Total number of failed offset commits.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "in_flight_messages",
			Help:      "Messages fetched but not yet committed.",
		}),
	}

	reg.MustRegister(m.MessagesFetched, m.DecodeFailures, m.DeadLettered, m.FetchErrors, m.CommitErrors, m.InFlight)
	return m
}
