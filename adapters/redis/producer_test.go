package redis

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewProducer(t *testing.T) {
	tests := []struct {
		name    string
		client  *redis.Client
		stream  string
		wantErr string
	}{
		{
			name:   "valid configuration",
			client: redis.NewClient(&redis.Options{}),
			stream: "bid-stream",
		},
		{
			name:    "nil client",
			client:  nil,
			stream:  "bid-stream",
			wantErr: "redis client cannot be nil",
		},
		{
			name:    "empty stream",
			client:  redis.NewClient(&redis.Options{}),
			stream:  "",
			wantErr: "stream cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			producer, err := NewProducer[TestEvent](tt.client, tt.stream)
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, producer)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, producer)
				producer.Close()
			}

			if tt.client != nil {
				tt.client.Close()
			}
		})
	}
}

func TestProducerLifecycle(t *testing.T) {
	t.Run("publish before start is rejected", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer[TestEvent](client, "bid-stream")
		require.NoError(t, err)

		err = producer.Publish(TestEvent{AuctionID: "a-1", Amount: 100})
		assert.ErrorIs(t, err, ErrProducerClosed)
	})

	t.Run("publish writes to stream", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		event := TestEvent{AuctionID: "a-1", Amount: 25_050_000}
		message, err := DefaultParseToMessage(event)
		require.NoError(t, err)
		mock.ExpectXAdd(&redis.XAddArgs{
			Stream: "bid-stream",
			Values: message,
		}).SetVal("1-0")

		producer, err := NewProducer[TestEvent](client, "bid-stream")
		require.NoError(t, err)
		producer.Start()
		defer producer.Close()

		require.NoError(t, producer.Publish(event))
		// 等待背景goroutine完成XADD
		assert.Eventually(t, func() bool {
			return mock.ExpectationsWereMet() == nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("multiple start and close calls are no-ops", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer[TestEvent](client, "bid-stream")
		require.NoError(t, err)

		producer.Start()
		producer.Start()
		producer.Close()
		producer.Close()
	})
}
