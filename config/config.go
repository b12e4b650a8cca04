package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Auth      AuthConfig
	Broker    BrokerConfig
	WebSocket WebSocketConfig
	Manager   ManagerConfig
	Accounts  AccountsConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
	Tracing   TracingConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int
	// Version is the model version this process serves. Workspaces reporting
	// another version are refused with upgrade-required.
	Version string
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type BrokerConfig struct {
	Type  string
	Redis RedisConfig
	Kafka KafkaConfig
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	Channels    RedisChannels
	PoolSize    int
	PoolTimeout int
}

type RedisChannels struct {
	Presence string
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int // Seconds
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	WriteTimeout     int // Seconds
	ReconnectBackoff int // Milliseconds
	MaxRetries       int
	KeepAlive        bool
	SessionTTL       int // Seconds
}

type ManagerConfig struct {
	TickInterval        int // Milliseconds
	HungTimeout         int // Seconds
	HungCheckEveryTicks int
	IdlePingAfter       int // Seconds
	SlowRequestWarning  int // Seconds
	SoftShutdownTicks   int
	ReconnectGrace      int // Seconds
	UpgradeCloseTimeout int // Seconds
	ChunkBytes          int
	TrafficWindow       int // Seconds
}

type AccountsConfig struct {
	URL     string
	Timeout int // Seconds
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

// Seconds converts a config integer holding seconds into a duration.
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// Millis converts a config integer holding milliseconds into a duration.
func Millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

var (
	instance *AppConfig
	once     sync.Once
)

// Initialize loads config.<env>.yaml, layering env vars and the given flags
// on top. A missing file is tolerated; defaults and env still apply.
func Initialize(env string, flags *pflag.FlagSet) error {
	var initErr error
	once.Do(func() {
		instance, initErr = load(viper.New(), env, flags)
	})
	return initErr
}

func load(v *viper.Viper, env string, flags *pflag.FlagSet) (*AppConfig, error) {
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvPrefix("WSGATEWAY")

	setDefaults(v)
	bindEnvVars(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, fmt.Errorf("config flag binding error: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func Get() *AppConfig {
	return instance
}

// Flags returns the command line flags understood by the pooler.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("pooler", pflag.ContinueOnError)
	fs.Int("port", 0, "HTTP listen port")
	fs.String("version", "", "model version served by this process")
	fs.String("accounts-url", "", "workspace info service URL")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("broker", "", "message broker type (redis or kafka)")
	return fs
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	bindings := map[string]string{
		"server.port":    "port",
		"server.version": "version",
		"accounts.url":   "accounts-url",
		"logging.level":  "log-level",
		"broker.type":    "broker",
	}
	for key, name := range bindings {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}
