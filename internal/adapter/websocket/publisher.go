package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/wssAchilles/urbanpulse/internal/adapter/metrics"
	"github.com/wssAchilles/urbanpulse/internal/domain"
)

const (
	historySize = 100
	historyTTL  = 5 * time.Minute
)

// ReadingMessage is the JSON pushed to subscribers.
type ReadingMessage struct {
	ID           int64     `json:"id"`
	DeviceID     string    `json:"deviceId"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	PM25         float64   `json:"pm25"`
	Timestamp    time.Time `json:"timestamp"`
	IsAnomaly    bool      `json:"isAnomaly"`
	AnomalyScore float64   `json:"anomalyScore"`
	Confidence   float64   `json:"confidence"`
}

func NewReadingMessage(r domain.EnrichedReading) ReadingMessage {
	return ReadingMessage{
		ID:           r.ID,
		DeviceID:     r.DeviceID,
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		PM25:         r.PM25,
		Timestamp:    r.Timestamp.UTC(),
		IsAnomaly:    r.IsAnomaly,
		AnomalyScore: r.AnomalyScore,
		Confidence:   r.Confidence,
	}
}

// channelPublisher is the part of *centrifuge.Node the publisher needs.
type channelPublisher interface {
	Publish(channel string, data []byte, opts ...centrifuge.PublishOption) (centrifuge.PublishResult, error)
}

type Publisher struct {
	node      channelPublisher
	channel   string
	wsMetrics *metrics.WebSocketMetrics
}

var _ domain.ReadingPublisher = (*Publisher)(nil)

func NewPublisher(node channelPublisher, channel string, wsMetrics *metrics.WebSocketMetrics) *Publisher {
	return &Publisher{node: node, channel: channel, wsMetrics: wsMetrics}
}

func (p *Publisher) Publish(ctx context.Context, reading domain.EnrichedReading) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish to channel %s: %w", p.channel, err)
	}

	data, err := json.Marshal(NewReadingMessage(reading))
	if err != nil {
		return fmt.Errorf("marshal reading message: %w", err)
	}

	if _, err := p.node.Publish(p.channel, data, centrifuge.WithHistory(historySize, historyTTL)); err != nil {
		p.wsMetrics.PublishErrors.Inc()
		return fmt.Errorf("publish to channel %s: %w", p.channel, err)
	}

	p.wsMetrics.MessagesPublished.Inc()
	return nil
}
