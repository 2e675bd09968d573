package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	RelayPath         string        `env:"RELAY_PATH" default:"/relay"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"5s"`
	MaxMessageBytes   int64         `env:"MAX_MESSAGE_BYTES" default:"65536"`
	SendBufferSize    int           `env:"SEND_BUFFER_SIZE" default:"64"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRatePerSecond float64 `env:"CONNECTION_RATE_PER_SECOND" default:"10"`
	ConnectionRateBurst     int     `env:"CONNECTION_RATE_BURST" default:"20"`

	RedisURL     string `env:"REDIS_URL"`
	RedisChannel string `env:"REDIS_CHANNEL" default:"relay:frames"`
}

// IsDevelopment reports whether the relay runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// ClusterEnabled reports whether frames are bridged to other instances through Redis.
func (c *Config) ClusterEnabled() bool {
	return c.RedisURL != ""
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if !strings.HasPrefix(cfg.RelayPath, "/") {
		return fmt.Errorf("RELAY_PATH must start with /, got %q", cfg.RelayPath)
	}
	if cfg.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}

	positive := map[string]float64{
		"MAX_MESSAGE_BYTES":          float64(cfg.MaxMessageBytes),
		"SEND_BUFFER_SIZE":           float64(cfg.SendBufferSize),
		"MAX_WEBSOCKET_CONNECTIONS":  float64(cfg.MaxWebSocketConnections),
		"MAX_CONNECTIONS_PER_IP":     float64(cfg.MaxConnectionsPerIP),
		"CONNECTION_RATE_PER_SECOND": cfg.ConnectionRatePerSecond,
		"CONNECTION_RATE_BURST":      float64(cfg.ConnectionRateBurst),
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.AppURL != "" {
		u, err := url.Parse(cfg.AppURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("APP_URL must be an absolute URL, got %q", cfg.AppURL)
		}
	}

	if cfg.RedisURL != "" {
		u, err := url.Parse(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("REDIS_URL is not a valid URL: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("REDIS_URL must use redis:// or rediss://, got %q", u.Scheme)
		}
		if cfg.RedisChannel == "" {
			return errors.New("REDIS_CHANNEL is required when REDIS_URL is set")
		}
	}

	return nil
}
