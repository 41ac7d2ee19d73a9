package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type PaymentConfig struct {
	SecretKey     string
	BaseURL       string
	WebhookSecret string
	JournalPath   string
}

type TrackingConfig struct {
	APIKey  string
	BaseURL string
}

type EmailConfig struct {
	ResendAPIKey string
	From         string
}

type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Config is everything the service reads from its environment.
type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string

	JWTSecret  string
	CronSecret string

	PlatformFeePercent float64
	BankFeePercent     float64
	Currency           string

	AutoReleaseGrace  time.Duration
	ReconcileInterval time.Duration
	ReconcileWorkers  int
	SettlementTTL     time.Duration
	AdapterTimeout    time.Duration

	Payment    PaymentConfig
	Tracking   TrackingConfig
	Email      EmailConfig
	Cloudinary CloudinaryConfig
	RateLimit  RateLimitConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PLATFORM_FEE_PERCENTAGE", 2.0)
	v.SetDefault("BANK_FEE_PERCENTAGE", 3.0)
	v.SetDefault("CURRENCY", "usd")
	v.SetDefault("AUTO_RELEASE_GRACE", "240h")
	v.SetDefault("RECONCILE_INTERVAL", "1h")
	v.SetDefault("RECONCILE_WORKERS", 4)
	v.SetDefault("SETTLEMENT_TTL", "15m")
	v.SetDefault("ADAPTER_TIMEOUT", "10s")
	v.SetDefault("PAYMENT_API_URL", "https://api.stripe.com")
	v.SetDefault("TRACKINGMORE_API_URL", "https://api.trackingmore.com/v4")
	v.SetDefault("FROM_EMAIL", "notifications@secureescrow.com")
	v.SetDefault("RATE_LIMIT_RPS", 5.0)
	v.SetDefault("RATE_LIMIT_BURST", 20)
}

// Load reads .env (if present), an optional CONFIG_FILE, then the process
// environment. Environment variables win.
func Load() (*Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port:        v.GetString("PORT"),
		DatabaseURL: databaseURL(v),
		LogLevel:    v.GetString("LOG_LEVEL"),

		JWTSecret:  v.GetString("JWT_SECRET"),
		CronSecret: v.GetString("CRON_SECRET"),

		PlatformFeePercent: v.GetFloat64("PLATFORM_FEE_PERCENTAGE"),
		BankFeePercent:     v.GetFloat64("BANK_FEE_PERCENTAGE"),
		Currency:           strings.ToLower(v.GetString("CURRENCY")),

		AutoReleaseGrace:  v.GetDuration("AUTO_RELEASE_GRACE"),
		ReconcileInterval: v.GetDuration("RECONCILE_INTERVAL"),
		ReconcileWorkers:  v.GetInt("RECONCILE_WORKERS"),
		SettlementTTL:     v.GetDuration("SETTLEMENT_TTL"),
		AdapterTimeout:    v.GetDuration("ADAPTER_TIMEOUT"),

		Payment: PaymentConfig{
			SecretKey:     v.GetString("PAYMENT_SECRET_KEY"),
			BaseURL:       v.GetString("PAYMENT_API_URL"),
			WebhookSecret: v.GetString("PAYMENT_WEBHOOK_SECRET"),
			JournalPath:   v.GetString("PAYMENT_JOURNAL_PATH"),
		},
		Tracking: TrackingConfig{
			APIKey:  v.GetString("TRACKINGMORE_API_KEY"),
			BaseURL: v.GetString("TRACKINGMORE_API_URL"),
		},
		Email: EmailConfig{
			ResendAPIKey: v.GetString("RESEND_API_KEY"),
			From:         v.GetString("FROM_EMAIL"),
		},
		Cloudinary: CloudinaryConfig{
			CloudName: v.GetString("CLOUDINARY_CLOUD_NAME"),
			APIKey:    v.GetString("CLOUDINARY_API_KEY"),
			APISecret: v.GetString("CLOUDINARY_API_SECRET"),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("RATE_LIMIT_RPS"),
			Burst: v.GetInt("RATE_LIMIT_BURST"),
		},
	}
}

// databaseURL prefers DATABASE_URL, then falls back to the individual DB_*
// variables.
func databaseURL(v *viper.Viper) string {
	if dsn := v.GetString("DATABASE_URL"); dsn != "" {
		return dsn
	}

	host := v.GetString("DB_HOST")
	user := v.GetString("DB_USER")
	password := v.GetString("DB_PASSWORD")
	dbname := v.GetString("DB_NAME")
	port := v.GetString("DB_PORT")
	if host == "" || user == "" || password == "" || dbname == "" || port == "" {
		return ""
	}

	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		host, user, password, dbname, port,
	)
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database configuration not provided: either set DATABASE_URL or all of DB_HOST, DB_USER, DB_PASSWORD, DB_NAME, and DB_PORT")
	}
	if c.PlatformFeePercent < 0 || c.BankFeePercent < 0 || c.PlatformFeePercent+c.BankFeePercent > 100 {
		return fmt.Errorf("invalid fee percentages: platform=%v bank=%v", c.PlatformFeePercent, c.BankFeePercent)
	}
	if c.AutoReleaseGrace <= 0 {
		return fmt.Errorf("AUTO_RELEASE_GRACE must be positive")
	}
	if c.ReconcileWorkers < 1 {
		c.ReconcileWorkers = 1
	}
	return nil
}

// MaskSecret hides all but the edges of a secret for startup logs.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
