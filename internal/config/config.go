package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type LogFileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

type LogConfig struct {
	Level  string        `mapstructure:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Caller int           `mapstructure:"caller"`
	File   LogFileConfig `mapstructure:"file"`
}

type TCPConfig struct {
	Addr           string        `mapstructure:"addr" validate:"required"`
	ProxyProtocol  bool          `mapstructure:"proxy_protocol"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	MaxConnections int           `mapstructure:"max_connections" validate:"gte=0"`
	MaxPayload     int           `mapstructure:"max_payload" validate:"gte=0"`
	ReadBufferSize int           `mapstructure:"read_buffer_size" validate:"gt=0"`
}

type TunnelConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

type HTTPConfig struct {
	Addr        string        `mapstructure:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type StoreConfig struct {
	Sinks     []string      `mapstructure:"sinks" validate:"dive,oneof=log postgres redis"`
	QueueSize int           `mapstructure:"queue_size" validate:"gt=0"`
	Workers   int           `mapstructure:"workers" validate:"gt=0"`
	BatchSize int           `mapstructure:"batch_size" validate:"gt=0"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type PostgresConfig struct {
	URL          string `mapstructure:"url"`
	Table        string `mapstructure:"table" validate:"required"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
	MaxLen   int64  `mapstructure:"max_len" validate:"gte=0"`
}

type NATSConfig struct {
	Enable bool   `mapstructure:"enable"`
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type MQTTConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Broker   string        `mapstructure:"broker"`
	ClientID string        `mapstructure:"client_id"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Prefix   string        `mapstructure:"prefix"`
	QoS      byte          `mapstructure:"qos" validate:"lte=2"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type StreamConfig struct {
	MaxSubscription int `mapstructure:"max_subscription" validate:"gt=0"`
	Buffer          int `mapstructure:"buffer" validate:"gt=0"`
}

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	TCP      TCPConfig      `mapstructure:"tcp"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Store    StoreConfig    `mapstructure:"store"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Stream   StreamConfig   `mapstructure:"stream"`
}

// HasSink reports whether name is one of the configured store sinks.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Store.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// Load reads path (yaml, toml or json) when given, then applies AVL_*
// environment overrides, e.g. AVL_TCP_ADDR for tcp.addr.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AVL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.HasSink("postgres") && c.Postgres.URL == "" {
		return errors.New("invalid config: postgres sink needs postgres.url")
	}
	if c.HasSink("redis") && c.Redis.Addr == "" {
		return errors.New("invalid config: redis sink needs redis.addr")
	}
	if c.NATS.Enable && c.NATS.URL == "" {
		return errors.New("invalid config: nats.url is required when nats is enabled")
	}
	if c.MQTT.Enable && c.MQTT.Broker == "" {
		return errors.New("invalid config: mqtt.broker is required when mqtt is enabled")
	}
	if c.Tunnel.Addr != "" && c.Tunnel.Token == "" {
		return errors.New("invalid config: tunnel.token is required with tunnel.addr")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.caller", 0)
	v.SetDefault("log.file.filename", "")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("tcp.addr", ":3001")
	v.SetDefault("tcp.proxy_protocol", false)
	v.SetDefault("tcp.idle_timeout", "5m")
	v.SetDefault("tcp.write_timeout", "10s")
	v.SetDefault("tcp.keep_alive", "15s")
	v.SetDefault("tcp.max_connections", 0)
	v.SetDefault("tcp.max_payload", 64*1024)
	v.SetDefault("tcp.read_buffer_size", 4096)

	v.SetDefault("tunnel.addr", "")
	v.SetDefault("tunnel.token", "")

	v.SetDefault("http.addr", ":3000")
	v.SetDefault("http.read_timeout", "10s")

	v.SetDefault("store.sinks", []string{"log"})
	v.SetDefault("store.queue_size", 4096)
	v.SetDefault("store.workers", 4)
	v.SetDefault("store.batch_size", 1)
	v.SetDefault("store.timeout", "5s")

	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.table", "posiciones")
	v.SetDefault("postgres.ensure_schema", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "avl:")
	v.SetDefault("redis.max_len", 10000)

	v.SetDefault("nats.enable", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.prefix", "avl")

	v.SetDefault("mqtt.enable", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "avlgate")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.prefix", "avl")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.timeout", "5s")

	v.SetDefault("stream.max_subscription", 20)
	v.SetDefault("stream.buffer", 64)
}
