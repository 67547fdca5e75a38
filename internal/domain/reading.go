package domain

import (
	"context"
	"time"
)

// SensorReading is one raw measurement as decoded from the inbound stream.
type SensorReading struct {
	DeviceID  string
	Latitude  float64
	Longitude float64
	PM25      float64
	Timestamp time.Time
}

// EnrichedReading is a SensorReading annotated with its classification.
// ID is zero until the record has been persisted.
type EnrichedReading struct {
	ID int64
	SensorReading
	IsAnomaly    bool
	AnomalyScore float64
	Confidence   float64
	ProcessedAt  time.Time
}

// Persisted reports whether the store has assigned an identity.
func (r EnrichedReading) Persisted() bool { return r.ID != 0 }

// Enrich combines a reading with its classification. ProcessedAt never
// precedes the reading timestamp, even when the device clock runs ahead.
func Enrich(reading SensorReading, c Classification, now time.Time) EnrichedReading {
	processedAt := now.UTC()
	if processedAt.Before(reading.Timestamp) {
		processedAt = reading.Timestamp.UTC()
	}
	return EnrichedReading{
		SensorReading: reading,
		IsAnomaly:     c.IsAnomaly,
		AnomalyScore:  c.AnomalyScore,
		Confidence:    c.Confidence,
		ProcessedAt:   processedAt,
	}
}

// ReadingQuery filters ListRecent.
type ReadingQuery struct {
	DeviceID      string
	AnomaliesOnly bool
	Limit         int
}

// ReadingRepository abstracts durable storage of enriched readings.
type ReadingRepository interface {
	Save(ctx context.Context, reading EnrichedReading) (EnrichedReading, error)
	ListRecent(ctx context.Context, q ReadingQuery) ([]EnrichedReading, error)
}

// ReadingPublisher pushes a persisted reading to live subscribers.
type ReadingPublisher interface {
	Publish(ctx context.Context, reading EnrichedReading) error
}
