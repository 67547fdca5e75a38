package simulator

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func tokyo() GeneratorConfig {
	return GeneratorConfig{
		Devices:       3,
		DevicePrefix:  "sensor-tokyo",
		BaseLatitude:  35.6895,
		BaseLongitude: 139.6917,
		MinPM25:       5,
		MaxPM25:       35,
	}
}

func TestGenerator_DeviceIDs(t *testing.T) {
	gen := NewGenerator(tokyo(), seeded())

	assert.Equal(t, []string{"sensor-tokyo-01", "sensor-tokyo-02", "sensor-tokyo-03"}, gen.Devices())
}

func TestGenerator_ReadingsStayInRange(t *testing.T) {
	gen := NewGenerator(tokyo(), seeded())
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.FixedZone("JST", 9*3600))

	for range 200 {
		batch := gen.Next(at)
		require.Len(t, batch, 3)
		for _, r := range batch {
			assert.InDelta(t, 35.6895, r.Latitude, positionJitter+1e-9)
			assert.InDelta(t, 139.6917, r.Longitude, positionJitter+1e-9)
			assert.GreaterOrEqual(t, r.PM25, 5.0)
			assert.LessOrEqual(t, r.PM25, 35.0)
			assert.Equal(t, r.PM25, math.Round(r.PM25*100)/100, "pm25 has at most two decimals")
			assert.Equal(t, time.UTC, r.Timestamp.Location())
			assert.True(t, r.Timestamp.Equal(at))
		}
	}
}

func TestGenerator_Spikes(t *testing.T) {
	cfg := tokyo()
	cfg.SpikeProbability = 1
	gen := NewGenerator(cfg, seeded())

	for _, r := range gen.Next(time.Now()) {
		assert.GreaterOrEqual(t, r.PM25, float64(spikeMin))
		assert.LessOrEqual(t, r.PM25, float64(spikeMax))
	}
}

func TestGenerator_SameSeedSameOutput(t *testing.T) {
	at := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)

	a := NewGenerator(tokyo(), seeded()).Next(at)
	b := NewGenerator(tokyo(), seeded()).Next(at)

	assert.Equal(t, a, b)
}

func TestGenerator_NormalizesConfig(t *testing.T) {
	gen := NewGenerator(GeneratorConfig{DevicePrefix: "probe", MinPM25: 20, MaxPM25: 10}, seeded())

	require.Equal(t, []string{"probe-01"}, gen.Devices())
	r := gen.Next(time.Now())[0]
	assert.GreaterOrEqual(t, r.PM25, 10.0)
	assert.LessOrEqual(t, r.PM25, 20.0)
}

func TestGenerator_ClampsCoordinates(t *testing.T) {
	cfg := tokyo()
	cfg.BaseLatitude = 90
	cfg.BaseLongitude = -180
	gen := NewGenerator(cfg, seeded())

	for range 50 {
		for _, r := range gen.Next(time.Now()) {
			assert.LessOrEqual(t, r.Latitude, 90.0)
			assert.GreaterOrEqual(t, r.Longitude, -180.0)
		}
	}
}
