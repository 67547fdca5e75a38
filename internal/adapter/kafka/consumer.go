package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"github.com/wssAchilles/urbanpulse/internal/adapter/metrics"
	"github.com/wssAchilles/urbanpulse/internal/domain"
	"github.com/wssAchilles/urbanpulse/internal/platform/correlation"
)

const (
	defaultPollTimeout   = time.Second
	defaultCommitTimeout = 5 * time.Second
	defaultFetchBackoff  = 500 * time.Millisecond
	defaultWorkers       = 8
	defaultQueueSize     = 64
	maxDeadLetterPayload = 64 * 1024
)

// Handler processes one decoded reading. It is called concurrently from
// several workers; the message is committed once it returns.
type Handler func(ctx context.Context, reading domain.SensorReading)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	PollTimeout   time.Duration
	CommitTimeout time.Duration
	FetchBackoff  time.Duration
	Workers       int
	QueueSize     int
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = defaultCommitTimeout
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = defaultFetchBackoff
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// NewReader builds a consumer-group reader. Offsets are committed
// explicitly by the Consumer.
func NewReader(cfg ConsumerConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	}), nil
}

// Consumer reads sensor messages and hands them to a fixed set of workers.
// Delivery is at-least-once: a message is committed only after it and
// every earlier message of its partition has finished.
type Consumer struct {
	reader  MessageReader
	cfg     ConsumerConfig
	handle  Handler
	sink    domain.DeadLetterSink // nil means malformed messages are dropped
	metrics *metrics.ConsumerMetrics
	clock   clockwork.Clock

	tracker *offsetTracker

	gatesMu sync.Mutex
	gates   map[int]*commitGate
}

// commitGate orders commits of one partition. Different partitions commit
// independently.
type commitGate struct {
	mu        sync.Mutex
	committed int64 // -1 until the first successful commit
}

// NewConsumer wires a consumer. sink may be nil, in which case malformed
// messages are only logged before being committed.
func NewConsumer(
	reader MessageReader,
	cfg ConsumerConfig,
	handle Handler,
	sink domain.DeadLetterSink,
	m *metrics.ConsumerMetrics,
	clock clockwork.Clock,
) *Consumer {
	return &Consumer{
		reader:  reader,
		cfg:     cfg.withDefaults(),
		handle:  handle,
		sink:    sink,
		metrics: m,
		clock:   clock,
		tracker: newOffsetTracker(),
		gates:   make(map[int]*commitGate),
	}
}

// Run blocks until ctx is cancelled or the reader is closed. Messages
// already being processed are finished and committed before Run returns;
// queued messages that never started are left for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("Stream consumer started",
		"topic", c.cfg.Topic,
		"group", c.cfg.GroupID,
		"brokers", strings.Join(c.cfg.Brokers, ","),
		"workers", c.cfg.Workers,
		"queue_size", c.cfg.QueueSize)
	defer slog.Info("Stream consumer stopped")

	jobs := make(chan kafka.Message, c.cfg.QueueSize)
	var wg sync.WaitGroup
	for range c.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.work(ctx, jobs)
		}()
	}

	err := c.fetchLoop(ctx, jobs)
	close(jobs)
	wg.Wait()
	return err
}

func (c *Consumer) fetchLoop(ctx context.Context, jobs chan<- kafka.Message) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return nil
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafka.ErrGroupClosed):
				return nil
			}
			c.metrics.FetchErrors.Inc()
			slog.Error("Failed to fetch message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-c.clock.After(c.cfg.FetchBackoff):
			}
			continue
		}

		c.metrics.MessagesFetched.Inc()
		c.metrics.InFlight.Inc()
		c.tracker.Track(msg)

		select {
		case jobs <- msg:
		case <-ctx.Done():
			c.metrics.InFlight.Dec()
			return nil
		}
	}
}

func (c *Consumer) work(ctx context.Context, jobs <-chan kafka.Message) {
	for msg := range jobs {
		if ctx.Err() != nil {
			// Uncommitted; the group redelivers it after restart.
			c.metrics.InFlight.Dec()
			continue
		}
		c.process(ctx, msg)
	}
}

// process runs one message to completion. Work continues even if ctx is
// cancelled midway, so a started message is never committed half-done.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	msgCtx := correlation.WithID(context.WithoutCancel(ctx), messageCorrelationID(msg))

	reading, err := DecodeReading(msg.Value)
	if err != nil {
		c.deadLetter(msgCtx, msg, err)
	} else {
		slog.DebugContext(msgCtx, "Message received",
			"device_id", reading.DeviceID,
			"partition", msg.Partition,
			"offset", msg.Offset)
		c.handle(msgCtx, reading)
	}

	c.finish(msgCtx, msg)
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	c.metrics.DecodeFailures.Inc()

	attrs := []any{
		"error", cause,
		"partition", msg.Partition,
		"offset", msg.Offset,
	}
	if c.sink == nil {
		c.metrics.DeadLettered.WithLabelValues("dropped").Inc()
		slog.WarnContext(ctx, "Dropped malformed message", attrs...)
		return
	}

	payload := msg.Value
	if len(payload) > maxDeadLetterPayload {
		payload = payload[:maxDeadLetterPayload]
	}
	letter := domain.DeadLetter{
		Reason:     cause.Error(),
		Payload:    string(payload),
		Topic:      msg.Topic,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		ReceivedAt: c.clock.Now().UTC(),
	}
	if err := c.sink.Quarantine(ctx, letter); err != nil {
		c.metrics.DeadLettered.WithLabelValues("quarantine_failed").Inc()
		slog.ErrorContext(ctx, "Failed to quarantine malformed message", append(attrs, "quarantine_error", err)...)
		return
	}
	c.metrics.DeadLettered.WithLabelValues("quarantined").Inc()
	slog.WarnContext(ctx, "Quarantined malformed message", attrs...)
}

func (c *Consumer) finish(ctx context.Context, msg kafka.Message) {
	c.metrics.InFlight.Dec()

	commit, ok := c.tracker.Finish(msg)
	if !ok {
		return
	}

	gate := c.gate(commit.Partition)
	gate.mu.Lock()
	defer gate.mu.Unlock()

	// A later offset of this partition may have been committed while this
	// worker waited for the gate.
	if commit.Offset <= gate.committed {
		return
	}

	commitCtx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel()
	if err := c.reader.CommitMessages(commitCtx, commit); err != nil {
		c.metrics.CommitErrors.Inc()
		slog.ErrorContext(ctx, "Failed to commit offset",
			"error", err,
			"partition", commit.Partition,
			"offset", commit.Offset)
		return
	}
	gate.committed = commit.Offset
}

func (c *Consumer) gate(partition int) *commitGate {
	c.gatesMu.Lock()
	defer c.gatesMu.Unlock()

	g, ok := c.gates[partition]
	if !ok {
		g = &commitGate{committed: -1}
		c.gates[partition] = g
	}
	return g
}

// Close shuts down the underlying reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("close reader: %w", err)
	}
	return nil
}

func messageCorrelationID(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if strings.EqualFold(h.Key, correlation.Header) && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return correlation.NewID()
}
