package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/wssAchilles/urbanpulse/internal/domain"
	apperrors "github.com/wssAchilles/urbanpulse/internal/platform/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxDeviceIDLen   = 128
)

type readingResponse struct {
	ID           int64     `json:"id"`
	DeviceID     string    `json:"deviceId"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	PM25         float64   `json:"pm25"`
	Timestamp    time.Time `json:"timestamp"`
	IsAnomaly    bool      `json:"isAnomaly"`
	AnomalyScore float64   `json:"anomalyScore"`
	Confidence   float64   `json:"confidence"`
	ProcessedAt  time.Time `json:"processedAt"`
}

func toReadingResponse(r domain.EnrichedReading) readingResponse {
	return readingResponse{
		ID:           r.ID,
		DeviceID:     r.DeviceID,
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		PM25:         r.PM25,
		Timestamp:    r.Timestamp,
		IsAnomaly:    r.IsAnomaly,
		AnomalyScore: r.AnomalyScore,
		Confidence:   r.Confidence,
		ProcessedAt:  r.ProcessedAt,
	}
}

func (s *Server) registerAPIRoutes() {
	limiter := newRateLimiter(s.config.APIRateLimit, s.config.APIRateBurst)

	api := s.echo.Group("/api", limiter)
	api.GET("/readings", s.handleListReadings)
	api.GET("/quarantine", s.handleListQuarantine)
}

func (s *Server) handleListReadings(c echo.Context) error {
	deviceID := strings.TrimSpace(c.QueryParam("deviceId"))
	if len(deviceID) > maxDeviceIDLen {
		return apperrors.ValidationError("deviceId is too long").WithField("max_length", maxDeviceIDLen)
	}

	anomaliesOnly := false
	if raw := c.QueryParam("anomalies"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return apperrors.ValidationError("anomalies must be a boolean").WithField("anomalies", raw)
		}
		anomaliesOnly = v
	}

	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return err
	}

	readings, err := s.readings.ListRecent(c.Request().Context(), domain.ReadingQuery{
		DeviceID:      deviceID,
		AnomaliesOnly: anomaliesOnly,
		Limit:         limit,
	})
	if err != nil {
		return apperrors.InternalError("failed to list readings", err).WithField("device_id", deviceID)
	}

	out := make([]readingResponse, 0, len(readings))
	for _, r := range readings {
		out = append(out, toReadingResponse(r))
	}
	response := map[string]any{
		"readings": out,
		"count":    len(out),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleListQuarantine(c echo.Context) error {
	if s.quarantine == nil {
		return apperrors.NotFoundError("quarantine is disabled").WithField("policy", s.config.DeadLetterPolicy)
	}

	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return err
	}

	letters, err := s.quarantine.ListQuarantined(c.Request().Context(), limit)
	if err != nil {
		return apperrors.UnavailableError("failed to read quarantine", err)
	}
	if letters == nil {
		letters = []domain.DeadLetter{}
	}

	response := map[string]any{
		"messages": letters,
		"count":    len(letters),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		return 0, apperrors.ValidationError(fmt.Sprintf("limit must be an integer between 1 and %d", maxListLimit)).
			WithField("limit", raw)
	}
	return limit, nil
}
