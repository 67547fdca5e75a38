package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wssAchilles/urbanpulse/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type ReadingRepo struct {
	pool *pgxpool.Pool
}

var _ domain.ReadingRepository = (*ReadingRepo)(nil)

func NewReadingRepo(pool *pgxpool.Pool) *ReadingRepo {
	return &ReadingRepo{pool: pool}
}

const insertReadingSQL = `
INSERT INTO sensor_readings (
    device_id, latitude, longitude, pm25, recorded_at,
    is_anomaly, anomaly_score, confidence, processed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`

// Save inserts one enriched reading and returns it with its assigned ID.
// Failures are returned as-is; the caller decides what to do with them.
func (r *ReadingRepo) Save(ctx context.Context, reading domain.EnrichedReading) (domain.EnrichedReading, error) {
	var id int64
	err := r.pool.QueryRow(ctx, insertReadingSQL,
		reading.DeviceID,
		reading.Latitude,
		reading.Longitude,
		reading.PM25,
		reading.Timestamp.UTC(),
		reading.IsAnomaly,
		reading.AnomalyScore,
		reading.Confidence,
		reading.ProcessedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return domain.EnrichedReading{}, fmt.Errorf("failed to insert sensor reading: %w", err)
	}

	reading.ID = id
	return reading, nil
}

const listReadingsSQL = `
SELECT id, device_id, latitude, longitude, pm25, recorded_at,
       is_anomaly, anomaly_score, confidence, processed_at
FROM sensor_readings
WHERE ($1 = '' OR device_id = $1)
  AND (NOT $2 OR is_anomaly)
ORDER BY recorded_at DESC, id DESC
LIMIT $3`

// ListRecent returns the newest readings first.
func (r *ReadingRepo) ListRecent(ctx context.Context, q domain.ReadingQuery) ([]domain.EnrichedReading, error) {
	rows, err := r.pool.Query(ctx, listReadingsSQL, q.DeviceID, q.AnomaliesOnly, clampLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list sensor readings: %w", err)
	}

	readings, err := pgx.CollectRows(rows, scanReading)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sensor readings: %w", err)
	}
	return readings, nil
}

func scanReading(row pgx.CollectableRow) (domain.EnrichedReading, error) {
	var (
		r                       domain.EnrichedReading
		recordedAt, processedAt time.Time
	)
	err := row.Scan(
		&r.ID,
		&r.DeviceID,
		&r.Latitude,
		&r.Longitude,
		&r.PM25,
		&recordedAt,
		&r.IsAnomaly,
		&r.AnomalyScore,
		&r.Confidence,
		&processedAt,
	)
	r.Timestamp = recordedAt.UTC()
	r.ProcessedAt = processedAt.UTC()
	return r, err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
