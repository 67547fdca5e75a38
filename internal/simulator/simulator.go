package simulator

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wssAchilles/urbanpulse/internal/domain"
	"github.com/wssAchilles/urbanpulse/internal/platform/correlation"
)

// Sender delivers one reading to the inbound stream.
type Sender interface {
	Send(ctx context.Context, reading domain.SensorReading) error
}

// Simulator emits a batch from its generator on every tick.
type Simulator struct {
	gen      *Generator
	sender   Sender
	interval time.Duration
	clock    clockwork.Clock
}

func New(gen *Generator, sender Sender, interval time.Duration, clock clockwork.Clock) *Simulator {
	return &Simulator{gen: gen, sender: sender, interval: interval, clock: clock}
}

// Run emits immediately and then once per interval until ctx is done.
// Send failures are logged and the tick continues with the next device.
func (s *Simulator) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("Simulator started", "devices", len(s.gen.Devices()), "interval", s.interval)

	s.emit(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Simulator stopped")
			return
		case <-ticker.Chan():
			s.emit(ctx)
		}
	}
}

func (s *Simulator) emit(ctx context.Context) {
	for _, reading := range s.gen.Next(s.clock.Now()) {
		if ctx.Err() != nil {
			return
		}
		msgCtx := correlation.WithID(ctx, correlation.NewID())
		if err := s.sender.Send(msgCtx, reading); err != nil {
			slog.ErrorContext(msgCtx, "Failed to send reading", "device_id", reading.DeviceID, "error", err)
			continue
		}
		slog.DebugContext(msgCtx, "Reading sent", "device_id", reading.DeviceID, "pm25", reading.PM25)
	}
}
