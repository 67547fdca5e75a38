package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFallbackClassification(t *testing.T) {
	c := FallbackClassification(42.5)

	assert.False(t, c.IsAnomaly)
	assert.Equal(t, 0.0, c.AnomalyScore)
	assert.Equal(t, 0.0, c.Confidence)
	assert.Equal(t, 42.5, c.PM25Value)
	assert.True(t, c.IsFallback())
}

func TestEnrich_CopiesClassification(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reading := SensorReading{DeviceID: "sensor-tokyo-01", Latitude: 35.6895, Longitude: 139.6917, PM25: 88.1, Timestamp: ts}
	c := Classification{IsAnomaly: true, AnomalyScore: 0.93, Confidence: 0.87, PM25Value: 88.1, Source: SourceModel}

	enriched := Enrich(reading, c, ts.Add(2*time.Second))

	assert.Equal(t, reading, enriched.SensorReading)
	assert.True(t, enriched.IsAnomaly)
	assert.Equal(t, 0.93, enriched.AnomalyScore)
	assert.Equal(t, 0.87, enriched.Confidence)
	assert.Equal(t, ts.Add(2*time.Second), enriched.ProcessedAt)
	assert.False(t, enriched.Persisted())
}

func TestEnrich_ProcessedAtNeverBeforeTimestamp(t *testing.T) {
	future := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	now := future.Add(-30 * time.Second)
	reading := SensorReading{DeviceID: "skewed", Timestamp: future}

	enriched := Enrich(reading, FallbackClassification(0), now)

	assert.False(t, enriched.ProcessedAt.Before(reading.Timestamp))
	assert.Equal(t, future, enriched.ProcessedAt)
}
