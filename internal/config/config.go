package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig defines listener ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "redis" or "bolt"
	Path  string      `mapstructure:"path"` // bolt database file
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// FeedConfig selects and configures the live reading source
type FeedConfig struct {
	Type string     `mapstructure:"type"` // "mqtt" or "rest"
	MQTT MQTTConfig `mapstructure:"mqtt"`
	REST RESTConfig `mapstructure:"rest"`
}

// MQTTConfig defines the MQTT broker subscription
type MQTTConfig struct {
	Broker         string `mapstructure:"broker"`
	ClientID       string `mapstructure:"client_id"`
	UniqueClientID bool   `mapstructure:"unique_client_id"` // append a random suffix to client_id
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	Topic          string `mapstructure:"topic"`
	QoS            int    `mapstructure:"qos"`
	ConnectTimeout string `mapstructure:"connect_timeout"`
}

// RESTConfig defines the polled JSON endpoint (e.g. a realtime database node)
type RESTConfig struct {
	URL          string `mapstructure:"url"`
	AuthToken    string `mapstructure:"auth_token"`
	PollInterval string `mapstructure:"poll_interval"`
	Timeout      string `mapstructure:"timeout"`
}

// MonitorConfig defines the live window and liveness state machine
type MonitorConfig struct {
	WindowSize    int    `mapstructure:"window_size"`
	CheckInterval string `mapstructure:"check_interval"`
	Timeout       string `mapstructure:"timeout"`
	MissThreshold int    `mapstructure:"miss_threshold"`
	DecayInterval string `mapstructure:"decay_interval"`
}

// SessionsConfig defines session persistence behaviour
type SessionsConfig struct {
	FlushBatchSize int    `mapstructure:"flush_batch_size"`
	FlushInterval  string `mapstructure:"flush_interval"`
	CacheSize      int    `mapstructure:"cache_size"`
	MaxPending     int    `mapstructure:"max_pending"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("YAKAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/yakap/yakap.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "yakap:")

	// Feed defaults
	v.SetDefault("feed.type", "mqtt")
	v.SetDefault("feed.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("feed.mqtt.client_id", "yakap")
	v.SetDefault("feed.mqtt.unique_client_id", true)
	v.SetDefault("feed.mqtt.username", "")
	v.SetDefault("feed.mqtt.password", "")
	v.SetDefault("feed.mqtt.topic", "yakap/ecg/readings")
	v.SetDefault("feed.mqtt.qos", 1)
	v.SetDefault("feed.mqtt.connect_timeout", "10s")
	// Empty defaults register the keys so environment overrides are unmarshalled
	v.SetDefault("feed.rest.url", "")
	v.SetDefault("feed.rest.auth_token", "")
	v.SetDefault("feed.rest.poll_interval", "1s")
	v.SetDefault("feed.rest.timeout", "5s")

	// Monitor defaults
	v.SetDefault("monitor.window_size", 10)
	v.SetDefault("monitor.check_interval", "1s")
	v.SetDefault("monitor.timeout", "3s")
	v.SetDefault("monitor.miss_threshold", 3)
	v.SetDefault("monitor.decay_interval", "60s")

	// Session defaults
	v.SetDefault("sessions.flush_batch_size", 20)
	v.SetDefault("sessions.flush_interval", "5s")
	v.SetDefault("sessions.cache_size", 64)
	v.SetDefault("sessions.max_pending", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "bolt"
		fallthrough
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	switch cfg.Feed.Type {
	case "mqtt":
		if cfg.Feed.MQTT.Broker == "" || cfg.Feed.MQTT.Topic == "" {
			return fmt.Errorf("mqtt feed requires broker and topic")
		}
		if cfg.Feed.MQTT.QoS < 0 || cfg.Feed.MQTT.QoS > 2 {
			return fmt.Errorf("invalid mqtt qos: %d", cfg.Feed.MQTT.QoS)
		}
	case "rest":
		if cfg.Feed.REST.URL == "" {
			return fmt.Errorf("rest feed requires url")
		}
	default:
		return fmt.Errorf("unsupported feed type: %s", cfg.Feed.Type)
	}

	if cfg.Monitor.WindowSize <= 0 {
		return fmt.Errorf("monitor window_size must be positive")
	}
	if cfg.Monitor.MissThreshold < 0 {
		return fmt.Errorf("monitor miss_threshold must not be negative")
	}
	for name, d := range map[string]string{
		"monitor.check_interval":  cfg.Monitor.CheckInterval,
		"monitor.timeout":         cfg.Monitor.Timeout,
		"monitor.decay_interval":  cfg.Monitor.DecayInterval,
		"sessions.flush_interval": cfg.Sessions.FlushInterval,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if cfg.Sessions.FlushBatchSize <= 0 {
		cfg.Sessions.FlushBatchSize = 1
	}
	if cfg.Sessions.MaxPending < cfg.Sessions.FlushBatchSize {
		return fmt.Errorf("sessions.max_pending (%d) must be at least sessions.flush_batch_size (%d)",
			cfg.Sessions.MaxPending, cfg.Sessions.FlushBatchSize)
	}

	return nil
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// UnknownKeys returns the keys in the config file that no setting reads.
// Every setting has a default, so the default key set is the valid key set.
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	defaults := viper.New()
	setDefaults(defaults)
	valid := make(map[string]bool)
	for _, key := range defaults.AllKeys() {
		valid[key] = true
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}
