package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Supported outbox transports.
const (
	TransportMQTT  = "mqtt"
	TransportKafka = "kafka"
)

// Supported retry strategies.
const (
	StrategyFixed       = "fixed"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
)

// Config is the root configuration structure for SmartAccess Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Broker    BrokerConfig    `yaml:"broker"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Retry     RetryConfig     `yaml:"retry"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig identifies this process instance.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	Instance string `yaml:"instance"`
}

// DatabaseConfig selects the relational store.
//
// Driver "sqlite3" uses Path; driver "pgx" uses DSN.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	Path         string `yaml:"path"`
	DSN          string `yaml:"dsn"`
	WALMode      bool   `yaml:"wal_mode"`
	BusyTimeout  int    `yaml:"busy_timeout"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// CleanSession false keeps the broker-side session (and its queued
	// QoS 1 messages) alive across reconnects.
	CleanSession bool `yaml:"clean_session"`
	KeepAlive    int  `yaml:"keep_alive"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// BrokerConfig describes the event topology on top of the MQTT connection.
type BrokerConfig struct {
	// Exchange is the topic root devices publish under.
	Exchange string `yaml:"exchange"`

	// Queue is the shared-subscription group consumers join.
	Queue string `yaml:"queue"`

	// Pattern is the routing pattern bound below Exchange.
	Pattern string `yaml:"pattern"`

	// OutboxPrefix is the topic root for outbox-published domain events.
	OutboxPrefix string `yaml:"outbox_prefix"`

	// RejectedTopic, when set, receives the raw body of dropped messages.
	RejectedTopic string `yaml:"rejected_topic"`
}

// OutboxConfig contains outbox processor settings.
type OutboxConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	Transport string        `yaml:"transport"`
}

// RetryConfig contains retry strategy and scheduler settings.
type RetryConfig struct {
	Strategy   string          `yaml:"strategy"`
	BaseDelay  time.Duration   `yaml:"base_delay"`
	MaxDelay   time.Duration   `yaml:"max_delay"`
	Jitter     bool            `yaml:"jitter"`
	MaxRetries int             `yaml:"max_retries"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
}

// SchedulerConfig contains settings for the loop that re-drives due retries.
type SchedulerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// KafkaConfig contains Kafka producer settings for the outbox transport.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// RedisConfig contains Redis connection settings for the device cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig contains device snapshot cache settings.
type CacheConfig struct {
	DeviceTTL time.Duration `yaml:"device_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// WebSocketConfig contains the real-time broadcast server settings.
type WebSocketConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// AlertsConfig contains alert sink settings.
type AlertsConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SMARTACCESS_SECTION_KEY
// For example: SMARTACCESS_DATABASE_DSN, SMARTACCESS_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "smartaccess-core",
			Instance: "core-1",
		},
		Database: DatabaseConfig{
			Driver:       DriverSQLite,
			Path:         "./data/smartaccess.db",
			WALMode:      true,
			BusyTimeout:  5,
			MaxOpenConns: 10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "smartaccess-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			CleanSession: false,
			KeepAlive:    30,
		},
		Broker: BrokerConfig{
			Exchange:     "smartaccess.events",
			Queue:        "smartaccess-core",
			Pattern:      "#",
			OutboxPrefix: "smartaccess.domain",
		},
		Outbox: OutboxConfig{
			Enabled:   true,
			Interval:  5 * time.Second,
			BatchSize: 50,
			Transport: TransportMQTT,
		},
		Retry: RetryConfig{
			Strategy:   StrategyExponential,
			BaseDelay:  time.Second,
			MaxDelay:   time.Minute,
			Jitter:     true,
			MaxRetries: 5,
			Scheduler: SchedulerConfig{
				Enabled:   true,
				Interval:  10 * time.Second,
				BatchSize: 20,
			},
		},
		Kafka: KafkaConfig{
			Topic:        "smartaccess.domain",
			BatchTimeout: 10 * time.Millisecond,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Cache: CacheConfig{
			DeviceTTL: 60 * time.Second,
			KeyPrefix: "smartaccess:",
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           8090,
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Alerts: AlertsConfig{
			DedupWindow: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SMARTACCESS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("SMARTACCESS_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("SMARTACCESS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SMARTACCESS_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// MQTT
	if v := os.Getenv("SMARTACCESS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SMARTACCESS_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("SMARTACCESS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SMARTACCESS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Kafka
	if v := os.Getenv("SMARTACCESS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}

	// Redis
	if v := os.Getenv("SMARTACCESS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SMARTACCESS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// InfluxDB
	if v := os.Getenv("SMARTACCESS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// All problems are collected and reported together rather than stopping at
// the first one.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite3")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for pgx (set SMARTACCESS_DATABASE_DSN)")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite3 or pgx", c.Database.Driver))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Broker.Exchange == "" {
		errs = append(errs, "broker.exchange is required")
	}
	if c.Broker.Queue == "" {
		errs = append(errs, "broker.queue is required")
	}
	if c.Broker.OutboxPrefix != "" && c.Broker.OutboxPrefix == c.Broker.Exchange {
		errs = append(errs, "broker.outbox_prefix must differ from broker.exchange")
	}

	if err := validation.ValidateStruct(&c.Outbox,
		validation.Field(&c.Outbox.Interval, validation.Min(100*time.Millisecond)),
		validation.Field(&c.Outbox.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Outbox.Transport, validation.In(TransportMQTT, TransportKafka)),
	); err != nil {
		errs = append(errs, "outbox: "+err.Error())
	}
	if c.Outbox.Transport == TransportKafka && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka.brokers is required when outbox.transport is kafka")
	}

	if err := validation.ValidateStruct(&c.Retry,
		validation.Field(&c.Retry.Strategy, validation.In(StrategyFixed, StrategyLinear, StrategyExponential)),
		validation.Field(&c.Retry.BaseDelay, validation.Required),
		validation.Field(&c.Retry.MaxRetries, validation.Required, validation.Min(1)),
	); err != nil {
		errs = append(errs, "retry: "+err.Error())
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, "retry.max_delay must not be below retry.base_delay")
	}

	if c.WebSocket.Enabled && (c.WebSocket.Port < 1 || c.WebSocket.Port > 65535) {
		errs = append(errs, "websocket.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// SubscriptionTopic returns the shared-subscription filter the consumer joins.
func (c *Config) SubscriptionTopic() string {
	pattern := c.Broker.Pattern
	if pattern == "" {
		pattern = "#"
	}
	return fmt.Sprintf("$share/%s/%s/%s", c.Broker.Queue, c.Broker.Exchange, pattern)
}
