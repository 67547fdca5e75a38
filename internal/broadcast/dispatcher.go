package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wssAchilles/urbanpulse/internal/adapter/metrics"
	"github.com/wssAchilles/urbanpulse/internal/domain"
	"github.com/wssAchilles/urbanpulse/internal/platform/correlation"
)

const (
	defaultPublishTimeout = 2 * time.Second
	defaultStopTimeout    = 10 * time.Second
	maxEvictions          = 3
)

// Overflow decides which reading loses when the queue is full.
type Overflow int

const (
	DropNewest Overflow = iota
	DropOldest
)

func (o Overflow) String() string {
	if o == DropOldest {
		return "drop_oldest"
	}
	return "drop_newest"
}

func ParseOverflow(s string) (Overflow, error) {
	switch s {
	case "drop_newest", "":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return DropNewest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Drop reasons, used as the "reason" metric label.
const (
	reasonQueueFull    = "queue_full"
	reasonEvicted      = "evicted"
	reasonPublishError = "publish_error"
	reasonStopped      = "stopped"
)

type Config struct {
	QueueSize      int
	Overflow       Overflow
	PublishTimeout time.Duration
	StopTimeout    time.Duration
}

// item keeps the producer's correlation ID so publish logs can be joined
// with the rest of the message's logs.
type item struct {
	reading       domain.EnrichedReading
	correlationID string
}

type Dispatcher struct {
	publisher domain.ReadingPublisher
	queue     chan item
	overflow  Overflow
	clock     clockwork.Clock
	metrics   *metrics.BroadcastMetrics

	publishTimeout time.Duration
	stopTimeout    time.Duration

	evictMu sync.Mutex

	// stateMu is held shared by Enqueue across its check and push, and
	// exclusively by Stop, so nothing lands in the queue after the drain.
	stateMu  sync.RWMutex
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewDispatcher starts the sender goroutine. Call Stop to drain and exit.
func NewDispatcher(publisher domain.ReadingPublisher, cfg Config, clock clockwork.Clock, m *metrics.BroadcastMetrics) *Dispatcher {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	d := &Dispatcher{
		publisher:      publisher,
		queue:          make(chan item, cfg.QueueSize),
		overflow:       cfg.Overflow,
		clock:          clock,
		metrics:        m,
		publishTimeout: cfg.PublishTimeout,
		stopTimeout:    cfg.StopTimeout,
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue hands a persisted reading to the sender. It never blocks and
// reports whether the reading was accepted.
func (d *Dispatcher) Enqueue(ctx context.Context, reading domain.EnrichedReading) bool {
	id, _ := correlation.ID(ctx)
	it := item{reading: reading, correlationID: id}

	d.stateMu.RLock()
	defer d.stateMu.RUnlock()

	if d.stopped {
		d.drop(it, reasonStopped)
		return false
	}

	if d.tryPush(it) {
		return true
	}

	if d.overflow == DropNewest {
		d.drop(it, reasonQueueFull)
		return false
	}

	d.evictMu.Lock()
	defer d.evictMu.Unlock()

	for range maxEvictions {
		select {
		case oldest := <-d.queue:
			d.drop(oldest, reasonEvicted)
		default:
		}
		if d.tryPush(it) {
			return true
		}
	}

	d.drop(it, reasonQueueFull)
	return false
}

func (d *Dispatcher) tryPush(it item) bool {
	select {
	case d.queue <- it:
		d.metrics.Enqueued.Inc()
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		return false
	}
}

func (d *Dispatcher) drop(it item, reason string) {
	d.metrics.Dropped.WithLabelValues(reason).Inc()
	slog.WarnContext(it.context(), "Broadcast dropped",
		"reading_id", it.reading.ID,
		"device_id", it.reading.DeviceID,
		"reason", reason,
		"overflow", d.overflow.String(),
	)
}

// Len is the number of readings waiting to be published.
func (d *Dispatcher) Len() int {
	return len(d.queue)
}

// Stop rejects new readings, publishes what is already queued and waits
// for the sender to exit, at most StopTimeout.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.stateMu.Lock()
		d.stopped = true
		d.stateMu.Unlock()
		close(d.stopCh)
	})

	timeout := d.clock.NewTimer(d.stopTimeout)
	defer timeout.Stop()

	select {
	case <-d.done:
		slog.Info("Broadcast dispatcher stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Broadcast dispatcher stop timeout exceeded",
			"timeout", d.stopTimeout,
			"pending", len(d.queue),
		)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		select {
		case it := <-d.queue:
			d.send(it)
		case <-d.stopCh:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case it := <-d.queue:
			d.send(it)
		default:
			return
		}
	}
}

func (d *Dispatcher) send(it item) {
	d.metrics.QueueDepth.Set(float64(len(d.queue)))

	ctx, cancel := context.WithTimeout(it.context(), d.publishTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Broadcast publish panic recovered", "panic", r, "reading_id", it.reading.ID)
			d.metrics.Dropped.WithLabelValues(reasonPublishError).Inc()
		}
	}()

	if err := d.publisher.Publish(ctx, it.reading); err != nil {
		d.metrics.Dropped.WithLabelValues(reasonPublishError).Inc()
		slog.WarnContext(ctx, "Broadcast publish failed",
			"reading_id", it.reading.ID,
			"device_id", it.reading.DeviceID,
			"error", err,
		)
	}
}

func (it item) context() context.Context {
	if it.correlationID == "" {
		return context.Background()
	}
	return correlation.WithID(context.Background(), it.correlationID)
}
