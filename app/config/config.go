package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	// this will automatically load your .env file:
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logs     LogConfig      `koanf:"logs"`
	DB       PostgresConfig `koanf:"db"`
	Redis    RedisConfig    `koanf:"redis"`
	Quota    QuotaConfig    `koanf:"quota"`
	Download DownloadConfig `koanf:"download"`
	Auth     AuthConfig     `koanf:"auth"`
	Stripe   StripeConfig   `koanf:"stripe"`
	QueueURL string         `koanf:"queue_url"`
}

type ServerConfig struct {
	Addr    string `koanf:"addr" validate:"required"`
	GinMode string `koanf:"gin_mode" validate:"omitempty,oneof=debug release test"`
	// TrustProxyHeaders keys guests by the first X-Forwarded-For entry. Only
	// enable it behind a proxy that overwrites the header; otherwise a guest
	// picks a fresh quota by sending a new value.
	TrustProxyHeaders bool `koanf:"trust_proxy_headers"`
}

type LogConfig struct {
	Style string `koanf:"style" validate:"omitempty,oneof=json console"`
	Level string `koanf:"level"`
}

type PostgresConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	URL      string `koanf:"url"`
	Port     string `koanf:"port"`
	Name     string `koanf:"name"`
	SSLMode  string `koanf:"sslmode"`
}

// Enabled reports whether a Postgres host was configured.
func (p PostgresConfig) Enabled() bool { return p.URL != "" }

// DSN builds the lib/pq connection string.
func (p PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s", p.Username, p.Password, p.URL, p.Port, p.Name)
	if p.SSLMode != "" {
		dsn += "?sslmode=" + p.SSLMode
	}
	return dsn
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
	Prefix   string `koanf:"prefix"`
}

type QuotaConfig struct {
	RegisteredDailyLimit int  `koanf:"registered_daily_limit" validate:"gt=0"`
	GuestLimit           int  `koanf:"guest_limit" validate:"gt=0"`
	DailyReset           bool `koanf:"daily_reset"`
}

type DownloadConfig struct {
	Workers       int           `koanf:"workers" validate:"gte=1,lte=32"`
	JPEGQuality   int           `koanf:"jpeg_quality" validate:"gte=1,lte=100"`
	FetchTimeout  time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	UserAgent     string        `koanf:"user_agent" validate:"required"`
	Referer       string        `koanf:"referer"`
	MaxImageBytes int64         `koanf:"max_image_bytes" validate:"gt=0"`
	RPS           float64       `koanf:"rps" validate:"gte=0"`
	Burst         int           `koanf:"burst" validate:"gte=0"`
}

type AuthConfig struct {
	Issuer   string `koanf:"issuer"`
	Audience string `koanf:"audience"`
	// JWKSURL overrides the issuer's well-known JWKS document.
	JWKSURL  string `koanf:"jwks_url"`
	Disabled bool   `koanf:"disabled"`
}

type StripeConfig struct {
	SecretKey      string `koanf:"secret_key"`
	WebhookSecret  string `koanf:"webhook_secret"`
	PriceIDPremium string `koanf:"price_id_premium"`
	FrontendURL    string `koanf:"frontend_url"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:    "0.0.0.0:8080",
			GinMode: "release",
		},
		Logs: LogConfig{
			Style: "json",
			Level: "info",
		},
		DB: PostgresConfig{
			Port:    "5432",
			Name:    "manga",
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			Prefix: "manga:guest",
		},
		Quota: QuotaConfig{
			RegisteredDailyLimit: 50,
			GuestLimit:           10,
			DailyReset:           true,
		},
		Download: DownloadConfig{
			Workers:       4,
			JPEGQuality:   75,
			FetchTimeout:  10 * time.Second,
			Timeout:       5 * time.Minute,
			UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			MaxImageBytes: 20 << 20,
			RPS:           1,
			Burst:         5,
		},
	}
}

// envKeys maps the environment variables we honor onto config paths.
var envKeys = map[string]string{
	"HTTP_ADDR":           "server.addr",
	"GIN_MODE":            "server.gin_mode",
	"TRUST_PROXY_HEADERS": "server.trust_proxy_headers",

	"LOG_STYLE": "logs.style",
	"LOG_LEVEL": "logs.level",

	"POSTGRES_USER":    "db.username",
	"POSTGRES_PWD":     "db.password",
	"POSTGRES_URL":     "db.url",
	"POSTGRES_PORT":    "db.port",
	"POSTGRES_DB":      "db.name",
	"POSTGRES_SSLMODE": "db.sslmode",

	"REDIS_ADDR":     "redis.addr",
	"REDIS_PASSWORD": "redis.password",
	"REDIS_DB":       "redis.db",
	"REDIS_PREFIX":   "redis.prefix",

	"QUOTA_REGISTERED_DAILY_LIMIT": "quota.registered_daily_limit",
	"QUOTA_GUEST_LIMIT":            "quota.guest_limit",
	"QUOTA_DAILY_RESET":            "quota.daily_reset",

	"DOWNLOAD_WORKERS":         "download.workers",
	"DOWNLOAD_JPEG_QUALITY":    "download.jpeg_quality",
	"DOWNLOAD_FETCH_TIMEOUT":   "download.fetch_timeout",
	"DOWNLOAD_TIMEOUT":         "download.timeout",
	"DOWNLOAD_USER_AGENT":      "download.user_agent",
	"DOWNLOAD_REFERER":         "download.referer",
	"DOWNLOAD_MAX_IMAGE_BYTES": "download.max_image_bytes",
	"DOWNLOAD_RPS":             "download.rps",
	"DOWNLOAD_BURST":           "download.burst",

	"AUTH0_ISSUER":   "auth.issuer",
	"AUTH0_AUDIENCE": "auth.audience",
	"AUTH0_JWKS_URL": "auth.jwks_url",
	"AUTH_DISABLED":  "auth.disabled",

	"STRIPE_SECRET_KEY":       "stripe.secret_key",
	"STRIPE_WEBHOOK_SECRET":   "stripe.webhook_secret",
	"STRIPE_PRICE_ID_PREMIUM": "stripe.price_id_premium",
	"FRONTEND_URL":            "stripe.frontend_url",

	"QUEUE_URL": "queue_url",
}

// envKey translates an environment variable name; unknown names are dropped.
func envKey(name string) string {
	return envKeys[strings.ToUpper(name)]
}

// LoadConfig layers environment variables over the built-in defaults.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
