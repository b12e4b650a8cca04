package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.Server.Version == "" {
		return errors.New("server.version must be set")
	}
	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	// Validate broker configuration
	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		if c.Broker.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
		if c.Broker.Redis.Channels.Presence == "" {
			return errors.New("redis presence channel must be configured for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis' or 'kafka'", c.Broker.Type)
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}

	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.PongTimeout {
		return errors.New("ping interval should be less than pong timeout")
	}

	if c.Manager.TickInterval < 1 {
		return errors.New("manager tick interval must be positive")
	}

	if c.Manager.IdlePingAfter >= c.Manager.HungTimeout {
		return errors.New("idle ping threshold should be less than hung timeout")
	}

	if c.Manager.SoftShutdownTicks < 1 {
		return errors.New("soft shutdown ticks must be at least 1")
	}

	if c.Manager.ChunkBytes < 1024 {
		return errors.New("chunk budget must be at least 1KiB")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s. Must be 'json' or 'console'", c.Logging.Format)
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "WSGATEWAY_PORT")
	v.BindEnv("server.version", "WSGATEWAY_VERSION")

	// Auth
	v.BindEnv("auth.enabled", "WSGATEWAY_AUTH_ENABLED")
	v.BindEnv("auth.jwtSecret", "WSGATEWAY_AUTH_JWT_SECRET")
	v.BindEnv("auth.tokenQueryParam", "WSGATEWAY_AUTH_TOKEN_PARAM")
	v.BindEnv("auth.revocationListKey", "WSGATEWAY_AUTH_REVOCATION_KEY")

	// Broker
	v.BindEnv("broker.type", "WSGATEWAY_BROKER_TYPE")
	v.BindEnv("broker.redis.address", "WSGATEWAY_REDIS_ADDRESS")
	v.BindEnv("broker.redis.password", "WSGATEWAY_REDIS_PASSWORD")
	v.BindEnv("broker.redis.channels.presence", "WSGATEWAY_REDIS_PRESENCE_CHANNEL")
	v.BindEnv("broker.kafka.brokers", "WSGATEWAY_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.groupID", "WSGATEWAY_KAFKA_GROUPID")

	// WebSocket
	v.BindEnv("websocket.maxConnections", "WSGATEWAY_MAX_CONNECTIONS")
	v.BindEnv("websocket.handshakeTimeout", "WSGATEWAY_HANDSHAKE_TIMEOUT")
	v.BindEnv("websocket.pingInterval", "WSGATEWAY_PING_INTERVAL")
	v.BindEnv("websocket.pongTimeout", "WSGATEWAY_PONG_TIMEOUT")
	v.BindEnv("websocket.writeTimeout", "WSGATEWAY_WRITE_TIMEOUT")
	v.BindEnv("websocket.sessionTTL", "WSGATEWAY_SESSION_TTL")

	// Manager
	v.BindEnv("manager.tickInterval", "WSGATEWAY_TICK_INTERVAL")
	v.BindEnv("manager.reconnectGrace", "WSGATEWAY_RECONNECT_GRACE")
	v.BindEnv("manager.chunkBytes", "WSGATEWAY_CHUNK_BYTES")

	// Accounts
	v.BindEnv("accounts.url", "WSGATEWAY_ACCOUNTS_URL")

	// Logging
	v.BindEnv("logging.level", "WSGATEWAY_LOG_LEVEL")
	v.BindEnv("logging.format", "WSGATEWAY_LOG_FORMAT")

	// Tracing
	v.BindEnv("tracing.enabled", "WSGATEWAY_TRACING_ENABLED")
}
