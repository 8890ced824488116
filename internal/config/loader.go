package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Env                    string `mapstructure:"env"`
	Port                   int    `mapstructure:"port"`
	LogLevel               string `mapstructure:"log_level"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

func (a AppConfig) PortString() string { return fmt.Sprintf("%d", a.Port) }

func (a AppConfig) IsDevelopment() bool { return strings.EqualFold(a.Env, "development") }

type StoreConfig struct {
	// Driver selects the document store: "mongo" or "memory".
	Driver string `mapstructure:"driver"`
}

type MongoConfig struct {
	URI                   string `mapstructure:"uri"`
	DB                    string `mapstructure:"db"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	Channel  string `mapstructure:"channel"`
}

type KafkaConfig struct {
	Enabled               bool     `mapstructure:"enabled"`
	Brokers               []string `mapstructure:"brokers"`
	TopicNotifications    string   `mapstructure:"topic_notifications"`
	TopicMessageSent      string   `mapstructure:"topic_message_sent"`
	BreakerFailures       uint32   `mapstructure:"breaker_failures"`
	BreakerTimeoutSeconds int      `mapstructure:"breaker_timeout_seconds"`
}

type JWTConfig struct {
	Algorithm     string `mapstructure:"algorithm"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type WSConfig struct {
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	PongGraceSeconds     int   `mapstructure:"pong_grace_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
	SendBufferSize       int   `mapstructure:"send_buffer_size"`
	ConnectPerMinute     int   `mapstructure:"connect_per_minute"`
}

type RateLimitConfig struct {
	PerMinute           int `mapstructure:"per_minute"`
	PerHour             int `mapstructure:"per_hour"`
	MinuteWindowSeconds int `mapstructure:"minute_window_seconds"`
	HourWindowSeconds   int `mapstructure:"hour_window_seconds"`
}

type DispatchConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Store     StoreConfig     `mapstructure:"store"`
	Mongo     MongoConfig     `mapstructure:"mongodb"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	WS        WSConfig        `mapstructure:"ws"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`

	// derived
	PingInterval    time.Duration `mapstructure:"-"`
	PongWait        time.Duration `mapstructure:"-"`
	WriteDeadline   time.Duration `mapstructure:"-"`
	ShutdownTimeout time.Duration `mapstructure:"-"`
	MinuteWindow    time.Duration `mapstructure:"-"`
	HourWindow      time.Duration `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "production")
	v.SetDefault("app.port", 8085)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.shutdown_timeout_seconds", 10)

	v.SetDefault("store.driver", "mongo")
	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.db", "chat")
	v.SetDefault("mongodb.connect_timeout_seconds", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "ws")
	v.SetDefault("redis.channel", "ws:broadcast")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_notifications", "chat.notifications")
	v.SetDefault("kafka.topic_message_sent", "chat.message.sent")
	v.SetDefault("kafka.breaker_failures", 5)
	v.SetDefault("kafka.breaker_timeout_seconds", 30)

	v.SetDefault("jwt.algorithm", "HS256")
	v.SetDefault("jwt.hs_secret", "")
	v.SetDefault("jwt.public_key_path", "")

	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.pong_grace_seconds", 5)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.send_buffer_size", 256)
	v.SetDefault("ws.connect_per_minute", 30)

	v.SetDefault("ratelimit.per_minute", 60)
	v.SetDefault("ratelimit.per_hour", 1000)
	v.SetDefault("ratelimit.minute_window_seconds", 60)
	v.SetDefault("ratelimit.hour_window_seconds", 3600)

	v.SetDefault("dispatch.workers", 16)
	v.SetDefault("dispatch.queue_size", 256)
}

// Load reads .env, then the YAML file at path (optional when empty), then
// CHAT_* environment overrides such as CHAT_JWT_HS_SECRET.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.derive()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) derive() {
	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.PongWait = c.PingInterval + time.Duration(c.WS.PongGraceSeconds)*time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.ShutdownTimeout = time.Duration(c.App.ShutdownTimeoutSeconds) * time.Second
	c.MinuteWindow = time.Duration(c.RateLimit.MinuteWindowSeconds) * time.Second
	c.HourWindow = time.Duration(c.RateLimit.HourWindowSeconds) * time.Second
}

func (c *Config) Validate() error {
	if c.App.Port <= 0 {
		return errors.New("app.port missing or invalid")
	}
	switch strings.ToLower(c.Store.Driver) {
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.DB == "" {
			return errors.New("mongodb.uri and mongodb.db are required for the mongo store")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store.driver %q (use mongo or memory)", c.Store.Driver)
	}
	switch strings.ToUpper(c.JWT.Algorithm) {
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path required for RS256")
		}
	case "HS256":
		if c.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret required for HS256")
		}
	default:
		return errors.New("invalid jwt.algorithm (use RS256 or HS256)")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers missing")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr missing")
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.PerHour <= 0 {
		return errors.New("ratelimit limits must be positive")
	}
	if c.PingInterval <= 0 {
		return errors.New("ws.ping_interval_seconds must be positive")
	}
	if c.Dispatch.Workers <= 0 {
		return errors.New("dispatch.workers must be positive")
	}
	return nil
}
