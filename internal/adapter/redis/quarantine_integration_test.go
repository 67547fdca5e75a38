package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wssAchilles/urbanpulse/internal/domain"
)

func TestQuarantine_StoresAndLists(t *testing.T) {
	client := setupTestClient(t)
	store := NewQuarantineStore(client, "", 100)
	ctx := context.Background()
	receivedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, payload := range []string{`{"deviceId":`, `not json`} {
		err := store.Quarantine(ctx, domain.DeadLetter{
			Reason:     "invalid JSON",
			Payload:    payload,
			Topic:      "sensor-data-topic",
			Partition:  1,
			Offset:     int64(40 + i),
			ReceivedAt: receivedAt,
		})
		require.NoError(t, err)
	}

	letters, err := store.ListQuarantined(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 2)

	newest := letters[0]
	assert.NotEmpty(t, newest.ID)
	assert.Equal(t, "not json", newest.Payload)
	assert.Equal(t, "invalid JSON", newest.Reason)
	assert.Equal(t, "sensor-data-topic", newest.Topic)
	assert.Equal(t, 1, newest.Partition)
	assert.Equal(t, int64(41), newest.Offset)
	assert.Equal(t, receivedAt, newest.ReceivedAt)
}

func TestQuarantine_TruncatesLargePayload(t *testing.T) {
	client := setupTestClient(t)
	store := NewQuarantineStore(client, "test:quarantine", 0)
	ctx := context.Background()

	err := store.Quarantine(ctx, domain.DeadLetter{Reason: "too big", Payload: strings.Repeat("x", maxQuarantinePayload+10)})
	require.NoError(t, err)

	letters, err := store.ListQuarantined(ctx, 1)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Len(t, letters[0].Payload, maxQuarantinePayload)
}

func TestQuarantine_EmptyStream(t *testing.T) {
	client := setupTestClient(t)
	store := NewQuarantineStore(client, "", 100)

	letters, err := store.ListQuarantined(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, letters)
}
