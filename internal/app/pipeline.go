package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/wssAchilles/urbanpulse/internal/adapter/metrics"
	"github.com/wssAchilles/urbanpulse/internal/domain"
)

// Outcome is the terminal state of one reading.
type Outcome string

const (
	// OutcomeComplete means the reading was persisted. Whether the
	// broadcast went out does not change it.
	OutcomeComplete Outcome = "complete"
	// OutcomeDropped means persistence failed and the reading is gone.
	OutcomeDropped Outcome = "dropped"
)

// Broadcaster hands a persisted reading to live subscribers without
// blocking. It reports false when the reading was not accepted.
type Broadcaster interface {
	Enqueue(ctx context.Context, reading domain.EnrichedReading) bool
}

// Result describes how one reading went through the pipeline.
type Result struct {
	Outcome     Outcome
	Reading     domain.EnrichedReading
	Source      domain.ClassificationSource
	Broadcasted bool
}

// Pipeline sequences classification, persistence and broadcast for each
// reading. It holds no per-message state and is safe for concurrent use.
type Pipeline struct {
	classifier  domain.Classifier
	readings    domain.ReadingRepository
	broadcaster Broadcaster
	clock       clockwork.Clock
	metrics     *metrics.PipelineMetrics
}

func NewPipeline(classifier domain.Classifier, readings domain.ReadingRepository, broadcaster Broadcaster, clock clockwork.Clock, m *metrics.PipelineMetrics) *Pipeline {
	return &Pipeline{
		classifier:  classifier,
		readings:    readings,
		broadcaster: broadcaster,
		clock:       clock,
		metrics:     m,
	}
}

// Process classifies, persists and broadcasts one reading. The classifier
// never fails, and a cancelled ctx only cuts the wait for it short; a persistence error drops the reading and is returned, and
// nothing is broadcast for it. A rejected broadcast still completes.
func (p *Pipeline) Process(ctx context.Context, reading domain.SensorReading) (Result, error) {
	start := p.clock.Now()
	defer func() {
		p.metrics.ProcessingDuration.Observe(p.clock.Since(start).Seconds())
	}()

	classification := p.classify(ctx, reading)
	p.metrics.Classifications.WithLabelValues(string(classification.Source)).Inc()

	enriched := domain.Enrich(reading, classification, p.clock.Now())
	result := Result{Outcome: OutcomeDropped, Reading: enriched, Source: classification.Source}

	saved, err := p.readings.Save(ctx, enriched)
	if err != nil {
		p.metrics.Outcomes.WithLabelValues(string(OutcomeDropped)).Inc()
		slog.ErrorContext(ctx, "Failed to persist reading, dropping",
			"device_id", reading.DeviceID,
			"timestamp", reading.Timestamp,
			"error", err)
		return result, fmt.Errorf("persist reading from %s: %w", reading.DeviceID, err)
	}
	result.Reading = saved
	result.Outcome = OutcomeComplete

	p.metrics.FreshnessLag.Observe(saved.ProcessedAt.Sub(saved.Timestamp).Seconds())
	if saved.IsAnomaly {
		p.metrics.Anomalies.Inc()
		slog.WarnContext(ctx, "Anomaly detected",
			"device_id", saved.DeviceID,
			"reading_id", saved.ID,
			"pm25", saved.PM25,
			"anomaly_score", saved.AnomalyScore,
			"confidence", saved.Confidence)
	}

	result.Broadcasted = p.broadcaster.Enqueue(ctx, saved)
	if !result.Broadcasted {
		slog.WarnContext(ctx, "Reading persisted but not broadcast", "reading_id", saved.ID, "device_id", saved.DeviceID)
	}

	p.metrics.Outcomes.WithLabelValues(string(OutcomeComplete)).Inc()
	slog.DebugContext(ctx, "Reading processed",
		"reading_id", saved.ID,
		"device_id", saved.DeviceID,
		"source", classification.Source,
		"broadcast", result.Broadcasted)
	return result, nil
}

// classify waits for the asynchronous classification unless ctx ends first,
// in which case the reading carries the fallback.
func (p *Pipeline) classify(ctx context.Context, reading domain.SensorReading) domain.Classification {
	select {
	case c, ok := <-p.classifier.ClassifyAsync(ctx, reading):
		if ok {
			return c
		}
	case <-ctx.Done():
		slog.WarnContext(ctx, "Classification abandoned, using fallback", "device_id", reading.DeviceID, "error", ctx.Err())
	}
	return domain.FallbackClassification(reading.PM25)
}

// Handle adapts Process to the stream consumer. Errors are already logged.
func (p *Pipeline) Handle(ctx context.Context, reading domain.SensorReading) {
	_, _ = p.Process(ctx, reading)
}
