package domain

import (
	"context"
	"time"
)

// DeadLetter is an inbound message that could not be decoded.
type DeadLetter struct {
	ID         string    `json:"id,omitempty"`
	Reason     string    `json:"reason"`
	Payload    string    `json:"payload"`
	Topic      string    `json:"topic"`
	Partition  int       `json:"partition"`
	Offset     int64     `json:"offset"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// DeadLetterSink stores rejected messages for inspection.
type DeadLetterSink interface {
	Quarantine(ctx context.Context, letter DeadLetter) error
}

// DeadLetterLister reads back the most recent rejected messages.
type DeadLetterLister interface {
	ListQuarantined(ctx context.Context, limit int) ([]DeadLetter, error)
}
