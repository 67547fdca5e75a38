package kafka

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/wssAchilles/urbanpulse/internal/domain"
)

// wireReading mirrors the inbound JSON. Pointer fields distinguish a missing
// field from a zero value.
type wireReading struct {
	DeviceID  *string  `json:"deviceId"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	PM25      *float64 `json:"pm25"`
	Timestamp *string  `json:"timestamp"`
}

// Timestamps without an offset are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// DecodeReading parses a raw stream message. Unknown fields are ignored;
// every known field is required. All errors wrap domain.ErrMalformedReading.
func DecodeReading(raw []byte) (domain.SensorReading, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var w wireReading
	if err := dec.Decode(&w); err != nil {
		return domain.SensorReading{}, fmt.Errorf("%w: %w", domain.ErrMalformedReading, err)
	}
	if dec.More() {
		return domain.SensorReading{}, malformed("trailing data after JSON object")
	}

	if w.DeviceID == nil || strings.TrimSpace(*w.DeviceID) == "" {
		return domain.SensorReading{}, malformed("deviceId missing or empty")
	}
	lat, err := finite("latitude", w.Latitude)
	if err != nil {
		return domain.SensorReading{}, err
	}
	if lat < -90 || lat > 90 {
		return domain.SensorReading{}, malformed("latitude %v out of range", lat)
	}
	lon, err := finite("longitude", w.Longitude)
	if err != nil {
		return domain.SensorReading{}, err
	}
	if lon < -180 || lon > 180 {
		return domain.SensorReading{}, malformed("longitude %v out of range", lon)
	}
	pm25, err := finite("pm25", w.PM25)
	if err != nil {
		return domain.SensorReading{}, err
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return domain.SensorReading{}, err
	}

	return domain.SensorReading{
		DeviceID:  strings.TrimSpace(*w.DeviceID),
		Latitude:  lat,
		Longitude: lon,
		PM25:      pm25,
		Timestamp: ts,
	}, nil
}

func finite(field string, v *float64) (float64, error) {
	if v == nil {
		return 0, malformed("%s missing", field)
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, malformed("%s is not a finite number", field)
	}
	return *v, nil
}

func parseTimestamp(v *string) (time.Time, error) {
	if v == nil {
		return time.Time{}, malformed("timestamp missing")
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return time.Time{}, malformed("timestamp empty")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, malformed("unsupported timestamp %q", s)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedReading, fmt.Sprintf(format, args...))
}

// EncodeReading renders a reading in the inbound wire format.
func EncodeReading(r domain.SensorReading) ([]byte, error) {
	ts := r.Timestamp.UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(wireReading{
		DeviceID:  &r.DeviceID,
		Latitude:  &r.Latitude,
		Longitude: &r.Longitude,
		PM25:      &r.PM25,
		Timestamp: &ts,
	})
	if err != nil {
		return nil, fmt.Errorf("encode reading: %w", err)
	}
	return data, nil
}
