package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	libconfig "evpay/backend/libs/config"
	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/pricing"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config defines charging service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"CHARGING_HTTP_PORT"`
	} `yaml:"http"`
	Storage struct {
		Driver string `yaml:"driver" env:"STORAGE_DRIVER"`
		// SeedDemo loads a few points and accounts into memory storage.
		SeedDemo bool `yaml:"seedDemo" env:"STORAGE_SEED_DEMO"`
	} `yaml:"storage"`
	Database struct {
		DSN          string `yaml:"dsn" env:"CHARGING_POSTGRES_DSN"`
		MaxOpenConns int    `yaml:"maxOpenConns" env:"CHARGING_POSTGRES_MAX_OPEN_CONNS"`
	} `yaml:"database"`
	// Redis is optional; an empty address disables the live-status cache.
	Redis struct {
		Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
		Password string        `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int           `yaml:"db" env:"REDIS_DB"`
		TTL      time.Duration `yaml:"ttl" env:"REDIS_STATUS_TTL"`
	} `yaml:"redis"`
	Pricing struct {
		Timezone       string   `yaml:"timezone" env:"PRICING_TIMEZONE"`
		PeakWindows    []string `yaml:"peakWindows" env:"PRICING_PEAK_WINDOWS"`
		WeekendWindows []string `yaml:"weekendWindows" env:"PRICING_WEEKEND_WINDOWS"`
		SurchargeRate  string   `yaml:"surchargeRate" env:"PRICING_SURCHARGE_RATE"`
		VIPRate        string   `yaml:"vipRate" env:"PRICING_VIP_RATE"`
		// TierDiscounts holds tier=rate pairs, e.g. "silver=0.05".
		TierDiscounts []string `yaml:"tierDiscounts" env:"PRICING_TIER_DISCOUNTS"`
	} `yaml:"pricing"`
	Sessions struct {
		BatteryKWh      float64       `yaml:"batteryKWh" env:"SESSIONS_BATTERY_KWH"`
		DefaultMaxPause time.Duration `yaml:"defaultMaxPause" env:"SESSIONS_DEFAULT_MAX_PAUSE"`
	} `yaml:"sessions"`
	Monitor struct {
		Interval       time.Duration `yaml:"interval" env:"MONITOR_INTERVAL"`
		Workers        int           `yaml:"workers" env:"MONITOR_WORKERS"`
		MaxTemperature float64       `yaml:"maxTemperature" env:"MONITOR_MAX_TEMPERATURE"`
		LowPowerKW     float64       `yaml:"lowPowerKW" env:"MONITOR_LOW_POWER_KW"`
		LowPowerFor    time.Duration `yaml:"lowPowerFor" env:"MONITOR_LOW_POWER_FOR"`
		MaxDuration    time.Duration `yaml:"maxDuration" env:"MONITOR_MAX_DURATION"`
	} `yaml:"monitor"`
	Payments struct {
		PendingTTL     time.Duration `yaml:"pendingTTL" env:"PAYMENTS_PENDING_TTL"`
		ExpiryInterval time.Duration `yaml:"expiryInterval" env:"PAYMENTS_EXPIRY_INTERVAL"`
		VNPay          struct {
			TmnCode    string `yaml:"tmnCode" env:"VNPAY_TMN_CODE"`
			HashSecret string `yaml:"hashSecret" env:"VNPAY_HASH_SECRET"`
			PayURL     string `yaml:"payURL" env:"VNPAY_PAY_URL"`
			ReturnURL  string `yaml:"returnURL" env:"VNPAY_RETURN_URL"`
		} `yaml:"vnpay"`
		MoMo struct {
			PartnerCode string `yaml:"partnerCode" env:"MOMO_PARTNER_CODE"`
			AccessKey   string `yaml:"accessKey" env:"MOMO_ACCESS_KEY"`
			SecretKey   string `yaml:"secretKey" env:"MOMO_SECRET_KEY"`
			Endpoint    string `yaml:"endpoint" env:"MOMO_ENDPOINT"`
			RedirectURL string `yaml:"redirectURL" env:"MOMO_REDIRECT_URL"`
			IPNURL      string `yaml:"ipnURL" env:"MOMO_IPN_URL"`
			MaxTries    int    `yaml:"maxTries" env:"MOMO_MAX_TRIES"`
		} `yaml:"momo"`
		Stripe struct {
			SecretKey     string `yaml:"secretKey" env:"STRIPE_SECRET_KEY"`
			WebhookSecret string `yaml:"webhookSecret" env:"STRIPE_WEBHOOK_SECRET"`
			SuccessURL    string `yaml:"successURL" env:"STRIPE_SUCCESS_URL"`
			CancelURL     string `yaml:"cancelURL" env:"STRIPE_CANCEL_URL"`
			Currency      string `yaml:"currency" env:"STRIPE_CURRENCY"`
		} `yaml:"stripe"`
		Mock struct {
			Enabled   bool   `yaml:"enabled" env:"MOCK_GATEWAY_ENABLED"`
			Secret    string `yaml:"secret" env:"MOCK_GATEWAY_SECRET"`
			PayURL    string `yaml:"payURL" env:"MOCK_GATEWAY_PAY_URL"`
			ReturnURL string `yaml:"returnURL" env:"MOCK_GATEWAY_RETURN_URL"`
		} `yaml:"mock"`
	} `yaml:"payments"`
	Clients struct {
		NotificationURL string        `yaml:"notificationURL" env:"NOTIFICATION_SERVICE_URL"`
		IncidentURL     string        `yaml:"incidentURL" env:"INCIDENT_SERVICE_URL"`
		Timeout         time.Duration `yaml:"timeout" env:"CLIENTS_TIMEOUT"`
		MaxTries        int           `yaml:"maxTries" env:"CLIENTS_MAX_TRIES"`
	} `yaml:"clients"`
	WS struct {
		WriteTimeout time.Duration `yaml:"writeTimeout" env:"WS_WRITE_TIMEOUT"`
	} `yaml:"ws"`
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8083"
	cfg.Storage.Driver = DriverPostgres
	cfg.Redis.TTL = 5 * time.Minute
	cfg.Pricing.Timezone = "Asia/Ho_Chi_Minh"
	cfg.Pricing.PeakWindows = []string{"07:00-09:00", "17:00-19:00"}
	cfg.Pricing.WeekendWindows = []string{"10:00-14:00"}
	cfg.Pricing.SurchargeRate = "0.20"
	cfg.Pricing.VIPRate = "0.25"
	cfg.Pricing.TierDiscounts = []string{"basic=0", "silver=0.05", "gold=0.10", "platinum=0.15"}
	cfg.Sessions.BatteryKWh = 60
	cfg.Sessions.DefaultMaxPause = 30 * time.Minute
	cfg.Monitor.Interval = time.Minute
	cfg.Monitor.Workers = 8
	cfg.Payments.PendingTTL = 30 * time.Minute
	cfg.Payments.ExpiryInterval = time.Minute
	cfg.Payments.Stripe.Currency = "vnd"
	cfg.Clients.Timeout = 5 * time.Second
	cfg.Clients.MaxTries = 3
	cfg.WS.WriteTimeout = 10 * time.Second

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("config: database dsn required for postgres storage")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := c.PricingRules(); err != nil {
		return err
	}
	if c.Payments.Mock.Enabled && c.Payments.Mock.Secret == "" {
		return errors.New("config: mock gateway secret required when enabled")
	}
	return nil
}

// StorageDriver returns the normalized driver name.
func (c *Config) StorageDriver() string {
	return strings.ToLower(strings.TrimSpace(c.Storage.Driver))
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8083"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// RedisEnabled reports whether the live-status cache is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

// PricingRules builds the pricing table from config.
func (c *Config) PricingRules() (pricing.Rules, error) {
	rules := pricing.DefaultRules()

	loc, err := time.LoadLocation(c.Pricing.Timezone)
	if err != nil {
		return pricing.Rules{}, fmt.Errorf("config: pricing timezone: %w", err)
	}
	rules.Location = loc

	rules.Windows = rules.Windows[:0]
	for _, raw := range c.Pricing.PeakWindows {
		w, err := pricing.ParseWindow(raw, false)
		if err != nil {
			return pricing.Rules{}, fmt.Errorf("config: %w", err)
		}
		rules.Windows = append(rules.Windows, w)
	}
	for _, raw := range c.Pricing.WeekendWindows {
		w, err := pricing.ParseWindow(raw, true)
		if err != nil {
			return pricing.Rules{}, fmt.Errorf("config: %w", err)
		}
		rules.Windows = append(rules.Windows, w)
	}

	if rules.SurchargeRate, err = parseRate("surcharge rate", c.Pricing.SurchargeRate); err != nil {
		return pricing.Rules{}, err
	}
	if rules.VIPRate, err = parseRate("vip rate", c.Pricing.VIPRate); err != nil {
		return pricing.Rules{}, err
	}
	for _, pair := range c.Pricing.TierDiscounts {
		tier, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return pricing.Rules{}, fmt.Errorf("config: tier discount %q: want tier=rate", pair)
		}
		rate, err := parseRate("tier discount "+tier, raw)
		if err != nil {
			return pricing.Rules{}, err
		}
		rules.TierDiscounts[models.Tier(strings.ToLower(strings.TrimSpace(tier)))] = rate
	}
	return rules, nil
}

func parseRate(name, raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s %q: %w", name, raw, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("config: %s %s outside [0, 1]", name, rate.String())
	}
	return rate, nil
}
