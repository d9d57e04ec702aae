// Package config loads the API server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR"    env-default:":8080"`
	DatabaseURL string `env:"DATABASE_URL" env-required:"true"`
	LogLevel    string `env:"LOG_LEVEL"    env-default:"info"`

	JWTSecret       string        `env:"JWT_SECRET"        env-required:"true"`
	RefreshSecret   string        `env:"REFRESH_SECRET"    env-required:"true"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL"  env-default:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" env-default:"168h"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" env-separator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC"   env-default:"user_events"`

	GoogleClientID string `env:"GOOGLE_CLIENT_ID"`
	GoogleJWKSURL  string `env:"GOOGLE_JWKS_URL" env-default:"https://www.googleapis.com/oauth2/v3/certs"`
}

// Load reads envFile when it exists and then the process environment, which
// wins over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			slog.Info("env file not loaded, using process environment", "file", envFile, "error", err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == c.RefreshSecret {
		return errors.New("JWT_SECRET and REFRESH_SECRET must differ")
	}
	if c.AccessTokenTTL <= 0 {
		return errors.New("ACCESS_TOKEN_TTL must be positive")
	}
	if c.RefreshTokenTTL < c.AccessTokenTTL {
		return errors.New("REFRESH_TOKEN_TTL must not be shorter than ACCESS_TOKEN_TTL")
	}
	return nil
}

func (c *Config) GoogleEnabled() bool { return c.GoogleClientID != "" }

func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }
