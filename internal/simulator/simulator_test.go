package simulator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wssAchilles/urbanpulse/internal/domain"
	"github.com/wssAchilles/urbanpulse/internal/platform/correlation"
)

type recordingSender struct {
	mu      sync.Mutex
	sent    []domain.SensorReading
	ids     []string
	failFor string
}

func (s *recordingSender) Send(ctx context.Context, r domain.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.DeviceID == s.failFor {
		return errors.New("broker unavailable")
	}
	id, _ := correlation.ID(ctx)
	s.sent = append(s.sent, r)
	s.ids = append(s.ids, id)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func runSimulator(t *testing.T, sim *Simulator) (context.Context, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.Run(ctx)
		close(done)
	}()
	return ctx, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("simulator did not stop")
		}
	}
}

func TestSimulator_EmitsOnStartAndEveryTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &recordingSender{}
	gen := NewGenerator(tokyo(), seeded())
	sim := New(gen, sender, 5*time.Second, clock)

	ctx, stop := runSimulator(t, sim)
	defer stop()

	require.Eventually(t, func() bool { return sender.count() == 3 }, time.Second, time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return sender.count() == 6 }, time.Second, time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.True(t, sender.sent[0].Timestamp.Equal(sender.sent[3].Timestamp.Add(-5*time.Second)))
	seen := map[string]bool{}
	for _, id := range sender.ids {
		assert.NotEmpty(t, id, "every message carries a correlation ID")
		seen[id] = true
	}
	assert.Len(t, seen, len(sender.ids))
}

func TestSimulator_SendFailureDoesNotStopBatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &recordingSender{failFor: "sensor-tokyo-02"}
	sim := New(NewGenerator(tokyo(), seeded()), sender, time.Second, clock)

	_, stop := runSimulator(t, sim)
	defer stop()

	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "sensor-tokyo-01", sender.sent[0].DeviceID)
	assert.Equal(t, "sensor-tokyo-03", sender.sent[1].DeviceID)
}
