package broker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() Message {
	return Message{
		Type:      EventOnline,
		Workspace: "w1",
		User:      "a@example.com",
		SessionID: "s1",
		ServerID:  "srv-1",
		Time:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestToProducerMessage(t *testing.T) {
	msg, err := toProducerMessage("ws.presence", sampleMessage())
	require.NoError(t, err)

	assert.Equal(t, "ws.presence", msg.Topic)
	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "w1", string(key))

	value, err := msg.Value.Encode()
	require.NoError(t, err)
	var decoded Message
	require.NoError(t, json.Unmarshal(value, &decoded))
	assert.Equal(t, sampleMessage(), decoded)
	assert.Equal(t, []byte(EventOnline), msg.Headers[0].Value)
}

func TestKafkaBroker_PublishRetries(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	b := &KafkaBroker{producer: producer, log: zerolog.Nop()}
	require.NoError(t, b.Publish(context.Background(), "ws.presence", sampleMessage()))
	require.NoError(t, producer.Close())
}

func TestKafkaBroker_PublishAfterClose(t *testing.T) {
	b := &KafkaBroker{closed: true, log: zerolog.Nop()}
	assert.ErrorIs(t, b.Publish(context.Background(), "t", sampleMessage()), ErrClosed)

	_, err := b.Subscribe(context.Background(), "t")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublishWithRetry_GivesUp(t *testing.T) {
	calls := 0
	err := publishWithRetry(context.Background(), zerolog.Nop(), "test", sampleMessage(), func() error {
		calls++
		return errors.New("unreachable")
	})
	assert.Error(t, err)
	assert.Equal(t, publishMaxRetries+1, calls)
}

func TestRedisBroker_RoundTrip(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := NewRedisBroker(client, zerolog.Nop())
	defer b.Close()

	ch, err := b.Subscribe(ctx, "test:presence")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "test:presence", sampleMessage()))

	select {
	case got := <-ch:
		assert.Equal(t, sampleMessage(), got)
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}
