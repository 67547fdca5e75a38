package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wssAchilles/urbanpulse/internal/domain"
	"github.com/wssAchilles/urbanpulse/internal/platform/correlation"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a synchronous writer. Messages are keyed by device so
// readings of one device land on one partition.
func NewWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("topic must not be empty")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}, nil
}

// Producer publishes sensor readings in the inbound wire format.
type Producer struct {
	writer MessageWriter
}

func NewProducer(w MessageWriter) *Producer {
	return &Producer{writer: w}
}

// Send writes one reading. The correlation ID from ctx, if any, travels as
// a message header.
func (p *Producer) Send(ctx context.Context, reading domain.SensorReading) error {
	value, err := EncodeReading(reading)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(reading.DeviceID),
		Value: value,
		Time:  reading.Timestamp,
	}
	if id, ok := correlation.ID(ctx); ok {
		msg.Headers = append(msg.Headers, kafka.Header{Key: correlation.Header, Value: []byte(id)})
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write reading for %s: %w", reading.DeviceID, err)
	}
	return nil
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
