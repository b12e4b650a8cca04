// Command backend tails presence events published by pooler instances. It
// is a debugging aid for multi-instance deployments.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/workspace-pooler/broker"
	"github.com/abdelmounim-dev/workspace-pooler/config"
	"github.com/abdelmounim-dev/workspace-pooler/logging"
	"github.com/abdelmounim-dev/workspace-pooler/services"
)

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func newBroker(ctx context.Context, log zerolog.Logger) (broker.MessageBroker, func(), error) {
	if strings.EqualFold(getEnv("BROKER_TYPE", "redis"), "kafka") {
		brokers := strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ",")
		b, err := broker.NewKafkaBroker(brokers, getEnv("KAFKA_GROUP_ID", "presence-tail"), log)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	}

	client, err := services.NewRedisClient(ctx, config.RedisConfig{
		Address:     getEnv("REDIS_ADDRESS", "localhost:6379"),
		Password:    getEnv("REDIS_PASSWORD", ""),
		PoolSize:    4,
		PoolTimeout: 5,
	})
	if err != nil {
		return nil, nil, err
	}
	b := broker.NewRedisBroker(client, log)
	return b, func() {
		_ = b.Close()
		_ = services.CloseRedisClient(client)
	}, nil
}

func main() {
	log := logging.New(config.LoggingConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "console"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, closeBroker, err := newBroker(ctx, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer closeBroker()

	channel := getEnv("PRESENCE_CHANNEL", "ws:presence")
	events, err := b.Subscribe(ctx, channel)
	if err != nil {
		log.Fatal().Err(err).Str("channel", channel).Msg("subscribe failed")
	}
	log.Info().Str("broker", b.Type()).Str("channel", channel).Msg("tailing presence events")

	counts := map[string]int{}
	for {
		select {
		case <-ctx.Done():
			log.Info().Int("online", counts[broker.EventOnline]).Int("offline", counts[broker.EventOffline]).Msg("stopped")
			return
		case msg, ok := <-events:
			if !ok {
				log.Warn().Msg("presence channel closed")
				return
			}
			counts[msg.Type]++
			log.Info().
				Str("event", msg.Type).
				Str("workspace", msg.Workspace).
				Str("user", msg.User).
				Str("session", msg.SessionID).
				Str("server", msg.ServerID).
				Time("at", msg.Time).
				Msg("presence")
		}
	}
}
