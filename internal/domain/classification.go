package domain

import "context"

// ClassificationSource tells where a Classification came from.
// It is used for logs and metrics only and is never persisted or broadcast.
type ClassificationSource string

const (
	SourceModel    ClassificationSource = "model"
	SourceFallback ClassificationSource = "fallback"
)

type Classification struct {
	IsAnomaly    bool
	AnomalyScore float64
	Confidence   float64
	PM25Value    float64
	Source       ClassificationSource
}

// FallbackClassification is the neutral result used whenever the scoring
// service cannot provide one.
func FallbackClassification(pm25 float64) Classification {
	return Classification{
		IsAnomaly:    false,
		AnomalyScore: 0.0,
		Confidence:   0.0,
		PM25Value:    pm25,
		Source:       SourceFallback,
	}
}

// IsFallback reports whether the classification was substituted locally.
func (c Classification) IsFallback() bool { return c.Source == SourceFallback }

// Classifier annotates a reading. Implementations never fail: any error
// resolves to FallbackClassification.
type Classifier interface {
	Classify(ctx context.Context, reading SensorReading) Classification
	ClassifyAsync(ctx context.Context, reading SensorReading) <-chan Classification
	Healthy(ctx context.Context) bool
}
