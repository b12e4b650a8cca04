package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/workspace-pooler/accounts"
	"github.com/abdelmounim-dev/workspace-pooler/broker"
	"github.com/abdelmounim-dev/workspace-pooler/config"
	"github.com/abdelmounim-dev/workspace-pooler/fastws"
	"github.com/abdelmounim-dev/workspace-pooler/logging"
	"github.com/abdelmounim-dev/workspace-pooler/manager"
	"github.com/abdelmounim-dev/workspace-pooler/pipeline"
	"github.com/abdelmounim-dev/workspace-pooler/presence"
	"github.com/abdelmounim-dev/workspace-pooler/server"
	"github.com/abdelmounim-dev/workspace-pooler/services"
	"github.com/abdelmounim-dev/workspace-pooler/token"
	"github.com/abdelmounim-dev/workspace-pooler/tracing"
	"github.com/abdelmounim-dev/workspace-pooler/transport"
	"github.com/abdelmounim-dev/workspace-pooler/websocket"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if err := config.Initialize(env, flags); err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to initialize config")
	}
	cfg := config.Get()
	log := logging.New(cfg.Logging)

	serverID := uuid.New().String()
	log.Info().Str("server_id", serverID).Str("version", cfg.Server.Version).Msg("starting workspace pooler")

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	// Presence records always live in Redis; the event bus may be Kafka.
	rc := cfg.Broker.Redis
	redisClient, err := services.NewRedisClient(ctx, rc)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer services.CloseRedisClient(redisClient)

	var messageBroker broker.MessageBroker
	brokerLog := logging.Component(log, "broker")
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		messageBroker = broker.NewRedisBroker(redisClient, brokerLog)
	case "kafka":
		messageBroker, err = broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.GroupID, brokerLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka broker")
		}
	default:
		log.Fatal().Str("type", cfg.Broker.Type).Msg("invalid broker type")
	}
	defer messageBroker.Close()
	log.Info().Str("type", messageBroker.Type()).Msg("message broker ready")

	store := presence.NewRedisStore(redisClient, config.Seconds(cfg.WebSocket.SessionTTL))
	tracker := presence.NewTracker(store, messageBroker, rc.Channels.Presence, serverID, logging.Component(log, "presence"))

	var decoder token.Decoder = token.Unverified{}
	if cfg.Auth.Enabled {
		decoder = token.NewValidator(&cfg.Auth, redisClient, logging.Component(log, "auth"))
		log.Info().Msg("JWT authentication is enabled")
	} else {
		log.Warn().Msg("JWT authentication is disabled; tokens are decoded without verification")
	}

	opts := manager.OptionsFromConfig(cfg)
	opts.Logger = log
	opts.Presence = tracker
	opts.Factory = pipeline.NewMemoryFactory(nil)
	if cfg.Accounts.URL != "" {
		opts.Resolver = accounts.NewClient(cfg.Accounts.URL, config.Seconds(cfg.Accounts.Timeout), logging.Component(log, "accounts"))
	}
	sessions := manager.New(opts)
	go func() {
		if err := sessions.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("health tick stopped")
		}
	}()

	auth := &transport.Authenticator{
		Decoder:    decoder,
		TokenParam: cfg.Auth.TokenQueryParam,
		Anonymous:  !cfg.Auth.Enabled,
	}
	limiter := transport.NewLimiter(cfg.WebSocket.MaxConnections)
	ws := websocket.NewHandler(sessions, auth, limiter, &cfg.WebSocket, log)
	fast := fastws.NewHandler(sessions, auth, limiter, &cfg.WebSocket, log)
	srv := server.New(cfg, sessions, decoder, ws, fast, log)

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown incomplete")
	}
	cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing flush failed")
	}
	log.Info().Msg("workspace pooler stopped")
}
