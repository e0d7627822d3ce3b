package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. EXAMRELAY_HTTP_PORT
const EnvPrefix = "EXAMRELAY"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP         *HTTPConfig         `mapstructure:"http"`
	WebSocket    *WebSocketConfig    `mapstructure:"websocket"`
	Database     *DatabaseConfig     `mapstructure:"database"`
	Auth         *AuthConfig         `mapstructure:"auth"`
	Notification *NotificationConfig `mapstructure:"notification"`
	Kafka        *KafkaConfig        `mapstructure:"kafka"`
	Admin        *AdminConfig        `mapstructure:"admin"`
	Log          *LogConfig          `mapstructure:"log"`
}

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration sized for a class sitting an exam at once
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type DatabaseConfig struct {
	Path           string        `mapstructure:"path"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
	MigrationsPath string        `mapstructure:"migrations_path"`
}

// AuthConfig: an empty JWTSecret disables JWT credentials; opaque tokens always work
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// NotificationConfig is the hot-reloadable part of the configuration
type NotificationConfig struct {
	RequireAuthenticatedSender bool    `mapstructure:"require_authenticated_sender"`
	RatePerSecond              float64 `mapstructure:"rate_per_second"`
	Burst                      int     `mapstructure:"burst"`
	QueueSize                  int     `mapstructure:"queue_size"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// AdminConfig: an empty APIKey leaves the admin API unauthenticated
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Addr is the HTTP listen address
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// FUNCTIONAL DISCOVERY: Defaults run a single relay with no config file at all
// Database on local filesystem, HTTP on standard port, WebSocket with 30s heartbeat
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 64 * 1024,
		},
		Database: &DatabaseConfig{
			Path:           "./data/examrelay.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		Auth: &AuthConfig{
			Issuer:   "examrelay",
			CacheTTL: 5 * time.Minute,
		},
		Notification: &NotificationConfig{
			RequireAuthenticatedSender: false,
			RatePerSecond:              5,
			Burst:                      10,
			QueueSize:                  1000,
		},
		Kafka: &KafkaConfig{
			Enabled: false,
			Topic:   "exam-events",
			GroupID: "examrelay",
		},
		Admin: &AdminConfig{},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Database == nil || c.Auth == nil ||
		c.Notification == nil || c.Kafka == nil || c.Admin == nil || c.Log == nil {
		return errors.New("all configuration sections are required")
	}

	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}

	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return errors.New("database max connections must be positive")
	}

	if c.Auth.CacheTTL <= 0 {
		return errors.New("auth cache ttl must be positive")
	}

	if err := c.Notification.Validate(); err != nil {
		return err
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers required when kafka is enabled")
		}
		if c.Kafka.Topic == "" || c.Kafka.GroupID == "" {
			return errors.New("kafka topic and group id required when kafka is enabled")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}

	return nil
}

// Validate checks the notification section on its own so reloads can be vetted
func (n *NotificationConfig) Validate() error {
	if n.RatePerSecond < 0 {
		return errors.New("notification rate must not be negative")
	}
	if n.RatePerSecond > 0 && n.Burst <= 0 {
		return errors.New("notification burst must be positive when rate limiting is enabled")
	}
	if n.QueueSize <= 0 {
		return errors.New("notification queue size must be positive")
	}
	return nil
}

// Load reads configuration with precedence env > file > defaults. An empty path
// skips the file.
// FUNCTIONAL DISCOVERY: Every key gets a default so AutomaticEnv can see it; viper
// only consults the environment for keys it already knows
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.migrations_path", d.Database.MigrationsPath)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.cache_ttl", d.Auth.CacheTTL)

	v.SetDefault("notification.require_authenticated_sender", d.Notification.RequireAuthenticatedSender)
	v.SetDefault("notification.rate_per_second", d.Notification.RatePerSecond)
	v.SetDefault("notification.burst", d.Notification.Burst)
	v.SetDefault("notification.queue_size", d.Notification.QueueSize)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)

	v.SetDefault("admin.api_key", d.Admin.APIKey)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}
