package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	Store       Store       `envPrefix:"STORE_"`
	Checkout    Checkout    `envPrefix:"CHECKOUT_"`
	Worker      Worker      `envPrefix:"WORKER_"`
	Gateway     Gateway     `envPrefix:"GATEWAY_"`
	MercadoPago MercadoPago `envPrefix:"MERCADOPAGO_"`
	Stripe      Stripe      `envPrefix:"STRIPE_"`
	Discord     Discord     `envPrefix:"DISCORD_"`

	Regions map[string]string `env:"REGIONS" envDefault:"br:BRL,intl:USD,us:USD,eu:EUR"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host        string   `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port        string   `env:"HTTP_PORT" envDefault:"3000"`
	CORSOrigins []string `env:"HTTP_CORS_ORIGINS" envDefault:"*" envSeparator:","`
}

type Store struct {
	Driver         string `env:"DRIVER" envDefault:"memory"`
	DatabaseURL    string `env:"DATABASE_URL,unset"`
	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"storefront:"`
}

type Checkout struct {
	MaxPaymentAttempts int           `env:"MAX_PAYMENT_ATTEMPTS" envDefault:"3"`
	PixExpiration      time.Duration `env:"PIX_EXPIRATION" envDefault:"30m"`
	CardExpiration     time.Duration `env:"CARD_EXPIRATION" envDefault:"1h"`
	AbandonAfter       time.Duration `env:"ABANDON_AFTER" envDefault:"1h"`
	Retention          time.Duration `env:"RETENTION" envDefault:"24h"`
	SingleActive       bool          `env:"SINGLE_ACTIVE" envDefault:"true"`
	DefaultCurrency    string        `env:"DEFAULT_CURRENCY" envDefault:"BRL"`
}

type Worker struct {
	Interval         time.Duration `env:"INTERVAL" envDefault:"15s"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	AutoCloseChannel bool          `env:"AUTO_CLOSE_CHANNEL" envDefault:"true"`
}

type Gateway struct {
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
	Sandbox bool          `env:"SANDBOX" envDefault:"false"`
}

type MercadoPago struct {
	BaseURL         string `env:"BASE_URL" envDefault:"https://api.mercadopago.com"`
	AccessToken     string `env:"ACCESS_TOKEN,unset"`
	NotificationURL string `env:"NOTIFICATION_URL"`
	WebhookSecret   string `env:"WEBHOOK_SECRET,unset"`
}

type Stripe struct {
	BaseURL       string `env:"BASE_URL" envDefault:"https://api.stripe.com"`
	SecretKey     string `env:"SECRET_KEY,unset"`
	WebhookSecret string `env:"WEBHOOK_SECRET,unset"`
	SuccessURL    string `env:"SUCCESS_URL" envDefault:"https://discord.com/channels/@me"`
	CancelURL     string `env:"CANCEL_URL" envDefault:"https://discord.com/channels/@me"`
}

type Discord struct {
	APIURL          string `env:"API_URL" envDefault:"https://discord.com/api/v10"`
	BotToken        string `env:"BOT_TOKEN,unset"`
	SalesWebhookURL string `env:"SALES_WEBHOOK_URL"`
}

func (h HTTPServer) Addr() string {
	return h.Host + ":" + h.Port
}

// Load reads an optional .env file and parses the environment into Config.
func Load(files ...string) (*Config, error) {
	// a missing .env is fine outside development
	_ = godotenv.Load(files...)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "redis":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("STORE_DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Checkout.MaxPaymentAttempts < 1 {
		return fmt.Errorf("CHECKOUT_MAX_PAYMENT_ATTEMPTS must be at least 1")
	}
	if c.Worker.Interval <= 0 {
		return fmt.Errorf("WORKER_INTERVAL must be positive")
	}
	return nil
}

// CurrencyFor maps a product region to its currency.
func (c *Config) CurrencyFor(region string) string {
	if cur, ok := c.Regions[strings.ToLower(region)]; ok {
		return cur
	}
	return c.Checkout.DefaultCurrency
}

func (c *Config) IsProduction() bool {
	return c.Environment.Name == "production"
}
