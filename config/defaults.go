package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)
	v.SetDefault("server.version", "0.7.0")

	// Auth
	v.SetDefault("auth.enabled", false) // Default to off for security
	v.SetDefault("auth.jwtSecret", "default-secret")
	v.SetDefault("auth.tokenQueryParam", "token")
	v.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Broker
	v.SetDefault("broker.type", "redis")
	v.SetDefault("broker.redis.address", "localhost:6379")
	v.SetDefault("broker.redis.db", 0)
	v.SetDefault("broker.redis.poolSize", 100)
	v.SetDefault("broker.redis.poolTimeout", 5)
	v.SetDefault("broker.redis.channels.presence", "ws:presence")
	v.SetDefault("broker.kafka.groupID", "workspace-pooler")

	// WebSocket
	v.SetDefault("websocket.maxConnections", 10000)
	v.SetDefault("websocket.messageSizeLimit", 32*1024*1024)
	v.SetDefault("websocket.reconnectBackoff", 200)
	v.SetDefault("websocket.maxRetries", 3)
	v.SetDefault("websocket.handshakeTimeout", 30)
	v.SetDefault("websocket.pingInterval", 25)
	v.SetDefault("websocket.pongTimeout", 60)
	v.SetDefault("websocket.writeTimeout", 10)
	v.SetDefault("websocket.keepAlive", true)
	v.SetDefault("websocket.sessionTTL", 90)

	// Manager
	v.SetDefault("manager.tickInterval", 10000)
	v.SetDefault("manager.hungTimeout", 60)
	v.SetDefault("manager.hungCheckEveryTicks", 3)
	v.SetDefault("manager.idlePingAfter", 20)
	v.SetDefault("manager.slowRequestWarning", 30)
	v.SetDefault("manager.softShutdownTicks", 3)
	v.SetDefault("manager.reconnectGrace", 20)
	v.SetDefault("manager.upgradeCloseTimeout", 120)
	v.SetDefault("manager.chunkBytes", 1024*1024)
	v.SetDefault("manager.trafficWindow", 300)

	// Accounts
	v.SetDefault("accounts.url", "")
	v.SetDefault("accounts.timeout", 10)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracing
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "workspace-pooler")
}
