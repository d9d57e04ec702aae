// Package config holds the client side settings shared by storefront tools.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Client struct {
	APIURL      string        `env:"STOREFRONT_API_URL"     env-default:"http://localhost:8080"`
	Credentials string        `env:"STOREFRONT_CREDENTIALS"`
	RedisURL    string        `env:"STOREFRONT_REDIS_URL"`
	Timeout     time.Duration `env:"STOREFRONT_TIMEOUT"     env-default:"15s"`
	LogLevel    string        `env:"STOREFRONT_LOG_LEVEL"   env-default:"warn"`
}

// LoadClient reads the client settings from the environment. Flags are
// applied on top by the caller.
func LoadClient() (Client, error) {
	var c Client
	if err := cleanenv.ReadEnv(&c); err != nil {
		return Client{}, fmt.Errorf("read client config: %w", err)
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	return c, nil
}
