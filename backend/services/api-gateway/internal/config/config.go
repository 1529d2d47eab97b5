package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	libconfig "evpay/backend/libs/config"
)

// Config defines gateway configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"API_GATEWAY_HTTP_PORT"`
	} `yaml:"http"`
	JWT struct {
		Secret string `yaml:"secret" env:"API_GATEWAY_JWT_SECRET"`
	} `yaml:"jwt"`
	Services struct {
		ChargingURL string `yaml:"chargingUrl" env:"CHARGING_SERVICE_URL"`
	} `yaml:"services"`
	HTTPClient struct {
		Timeout  time.Duration `yaml:"timeout" env:"API_GATEWAY_HTTP_TIMEOUT"`
		MaxTries int           `yaml:"maxTries" env:"API_GATEWAY_HTTP_MAX_TRIES"`
	} `yaml:"httpClient"`
}

// Load configuration via shared helper.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8080"
	cfg.Services.ChargingURL = "http://localhost:8083"
	cfg.HTTPClient.Timeout = 5 * time.Second
	cfg.HTTPClient.MaxTries = 2

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return nil, errors.New("config: jwt secret required")
	}
	if _, err := cfg.ChargingURL(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// HTTPTimeout returns http client timeout.
func (c *Config) HTTPTimeout() time.Duration {
	if c.HTTPClient.Timeout <= 0 {
		return 5 * time.Second
	}
	return c.HTTPClient.Timeout
}

// ChargingURL parses the charging-service base URL.
func (c *Config) ChargingURL() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(c.Services.ChargingURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("config: invalid charging service url %q", c.Services.ChargingURL)
	}
	return u, nil
}
