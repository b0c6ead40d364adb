// services/sensor/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       *MQTTConfig      `mapstructure:"mqtt"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	Rules      []RuleConfig     `mapstructure:"rules"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ServiceBusConfig holds the Azure Service Bus settings for the measurement
// queue.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
}

// MQTTConfig holds MQTT broker settings for the device-side ingestion
// listener. Optional; the listener only starts when a broker is configured.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	Topic             string        `mapstructure:"topic"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// IngestConfig selects how accepted readings reach storage and alerting.
type IngestConfig struct {
	// Mode is "direct" or "queued".
	Mode string `mapstructure:"mode"`
}

// ConsumerConfig holds settings for the queue consumer process.
type ConsumerConfig struct {
	// MaxDeliveries bounds broker redelivery before a message is parked in
	// the dead-letter log.
	MaxDeliveries  int    `mapstructure:"max_deliveries"`
	DeadLetterPath string `mapstructure:"dead_letter_path"`
}

// RuleConfig is one ordered entry of the alert rule list.
type RuleConfig struct {
	RuleType string                 `mapstructure:"rule_type"`
	Params   map[string]interface{} `mapstructure:"params"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("SENSOR")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")

	viper.SetDefault("service_bus.queue_name", "measurements")
	viper.SetDefault("service_bus.receive_timeout", "30s")

	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.topic", "sensors/+/measurements")
	viper.SetDefault("mqtt.keep_alive", "30s")
	viper.SetDefault("mqtt.connect_timeout", "10s")
	viper.SetDefault("mqtt.max_reconnect_delay", "2m")

	viper.SetDefault("ingest.mode", "direct")

	viper.SetDefault("consumer.max_deliveries", 5)
	viper.SetDefault("consumer.dead_letter_path", "/data/dead_letter/measurements.log")

	viper.SetDefault("rules", []map[string]interface{}{
		{
			"rule_type": "temperature_threshold",
			"params":    map[string]interface{}{"min": 0.0, "max": 30.0},
		},
	})

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults still apply.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
