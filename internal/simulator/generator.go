// Package simulator produces synthetic air-quality readings for local
// development and load testing.
package simulator

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/wssAchilles/urbanpulse/internal/domain"
)

const (
	positionJitter = 0.01
	spikeMin       = 150
	spikeMax       = 300
)

type GeneratorConfig struct {
	Devices          int
	DevicePrefix     string
	BaseLatitude     float64
	BaseLongitude    float64
	MinPM25          float64
	MaxPM25          float64
	SpikeProbability float64
}

// Generator builds readings around a fixed base position. It is not safe
// for concurrent use.
type Generator struct {
	cfg     GeneratorConfig
	rnd     *rand.Rand
	devices []string
}

// NewGenerator uses rnd for every random draw; pass a seeded source for
// reproducible output.
func NewGenerator(cfg GeneratorConfig, rnd *rand.Rand) *Generator {
	if cfg.Devices < 1 {
		cfg.Devices = 1
	}
	if cfg.MaxPM25 < cfg.MinPM25 {
		cfg.MinPM25, cfg.MaxPM25 = cfg.MaxPM25, cfg.MinPM25
	}

	devices := make([]string, cfg.Devices)
	for i := range devices {
		devices[i] = fmt.Sprintf("%s-%02d", cfg.DevicePrefix, i+1)
	}

	return &Generator{cfg: cfg, rnd: rnd, devices: devices}
}

// Devices lists the device IDs in emission order.
func (g *Generator) Devices() []string {
	return g.devices
}

// Next returns one reading per device stamped with at.
func (g *Generator) Next(at time.Time) []domain.SensorReading {
	out := make([]domain.SensorReading, 0, len(g.devices))
	for _, id := range g.devices {
		out = append(out, domain.SensorReading{
			DeviceID:  id,
			Latitude:  clamp(g.cfg.BaseLatitude+g.jitter(), -90, 90),
			Longitude: clamp(g.cfg.BaseLongitude+g.jitter(), -180, 180),
			PM25:      round2(g.pm25()),
			Timestamp: at.UTC(),
		})
	}
	return out
}

func (g *Generator) pm25() float64 {
	if g.cfg.SpikeProbability > 0 && g.rnd.Float64() < g.cfg.SpikeProbability {
		return g.uniform(spikeMin, spikeMax)
	}
	return g.uniform(g.cfg.MinPM25, g.cfg.MaxPM25)
}

func (g *Generator) jitter() float64 {
	return g.uniform(-positionJitter, positionJitter)
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rnd.Float64()*(hi-lo)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
