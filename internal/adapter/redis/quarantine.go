package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/wssAchilles/urbanpulse/internal/domain"
)

const (
	DefaultQuarantineStream = "sensor-data:quarantine"
	maxQuarantinePayload    = 64 * 1024
	maxQuarantineList       = 500
)

// QuarantineStore keeps rejected inbound messages in a capped Redis stream.
type QuarantineStore struct {
	rdb    *goredis.Client
	stream string
	maxLen int64
}

var (
	_ domain.DeadLetterSink   = (*QuarantineStore)(nil)
	_ domain.DeadLetterLister = (*QuarantineStore)(nil)
)

func NewQuarantineStore(rdb *goredis.Client, stream string, maxLen int64) *QuarantineStore {
	if stream == "" {
		stream = DefaultQuarantineStream
	}
	return &QuarantineStore{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *QuarantineStore) Quarantine(ctx context.Context, letter domain.DeadLetter) error {
	payload := letter.Payload
	if len(payload) > maxQuarantinePayload {
		payload = payload[:maxQuarantinePayload]
	}

	args := &goredis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"reason":      letter.Reason,
			"payload":     payload,
			"topic":       letter.Topic,
			"partition":   letter.Partition,
			"offset":      letter.Offset,
			"received_at": letter.ReceivedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to quarantine message: %w", err)
	}
	return nil
}

// ListQuarantined returns the newest entries first.
func (s *QuarantineStore) ListQuarantined(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 || limit > maxQuarantineList {
		limit = maxQuarantineList
	}

	messages, err := s.rdb.XRevRangeN(ctx, s.stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read quarantine stream: %w", err)
	}

	letters := make([]domain.DeadLetter, 0, len(messages))
	for _, msg := range messages {
		letters = append(letters, toDeadLetter(msg))
	}
	return letters, nil
}

func toDeadLetter(msg goredis.XMessage) domain.DeadLetter {
	letter := domain.DeadLetter{
		ID:      msg.ID,
		Reason:  stringValue(msg.Values, "reason"),
		Payload: stringValue(msg.Values, "payload"),
		Topic:   stringValue(msg.Values, "topic"),
	}
	if p, err := strconv.Atoi(stringValue(msg.Values, "partition")); err == nil {
		letter.Partition = p
	}
	if o, err := strconv.ParseInt(stringValue(msg.Values, "offset"), 10, 64); err == nil {
		letter.Offset = o
	}
	if ts, err := time.Parse(time.RFC3339Nano, stringValue(msg.Values, "received_at")); err == nil {
		letter.ReceivedAt = ts
	}
	return letter
}

func stringValue(values map[string]any, key string) string {
	s, _ := values[key].(string)
	return s
}
