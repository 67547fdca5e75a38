package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wssAchilles/urbanpulse/internal/platform/correlation"
)

const defaultProbeInterval = 30 * time.Second

// HealthProber reports whether a dependency is healthy.
type HealthProber interface {
	Healthy(ctx context.Context) bool
}

// HealthMonitor periodically probes the scoring service so its availability
// shows up in metrics and logs even when no readings are flowing.
type HealthMonitor struct {
	prober   HealthProber
	interval time.Duration
	clock    clockwork.Clock
	up       prometheus.Gauge

	mu      sync.Mutex
	probed  bool
	healthy bool
}

func NewHealthMonitor(prober HealthProber, interval time.Duration, clock clockwork.Clock, up prometheus.Gauge) *HealthMonitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &HealthMonitor{prober: prober, interval: interval, clock: clock, up: up}
}

// Run probes once immediately, then on every interval. It blocks until ctx
// is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.probe(ctx)
		}
	}
}

// Last returns the most recent probe result. ok is false before the first
// probe has finished.
func (m *HealthMonitor) Last() (healthy, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy, m.probed
}

func (m *HealthMonitor) probe(ctx context.Context) {
	probeCtx := correlation.WithID(ctx, correlation.NewID())
	healthy := m.prober.Healthy(probeCtx)
	if ctx.Err() != nil {
		return
	}

	if healthy {
		m.up.Set(1)
	} else {
		m.up.Set(0)
	}

	m.mu.Lock()
	changed := !m.probed || m.healthy != healthy
	m.probed, m.healthy = true, healthy
	m.mu.Unlock()

	if !changed {
		return
	}
	if healthy {
		slog.InfoContext(probeCtx, "Classifier health changed", "healthy", true)
	} else {
		slog.WarnContext(probeCtx, "Classifier health changed", "healthy", false)
	}
}
