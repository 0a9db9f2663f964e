package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	LogLevel  string
	LogPretty bool

	StripeSecretKey  string
	WebhookSecret    string
	WebhookTolerance time.Duration
	RailTimeout      time.Duration

	Batch BatchConfig

	PaymentFailureThreshold int
	PaymentFailureWindow    time.Duration
	RedeliverOnFailure      bool

	EventDedupBackend string
	RedisURL          string
	EventDedupTTL     time.Duration

	SendGridAPIKey string
	AlertFromEmail string
	AlertToEmail   string
}

type BatchConfig struct {
	Concurrency   int
	MinimumAmount int64
	Currency      string
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

const (
	DedupPostgres = "postgres"
	DedupRedis    = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("WEBHOOK_TOLERANCE", "5m")
	v.SetDefault("RAIL_TIMEOUT", "15s")
	v.SetDefault("BATCH_CONCURRENCY", 5)
	v.SetDefault("BATCH_MINIMUM_AMOUNT", 10000)
	v.SetDefault("BATCH_CURRENCY", "usd")
	v.SetDefault("BATCH_MAX_ATTEMPTS", 3)
	v.SetDefault("BATCH_BASE_DELAY", "500ms")
	v.SetDefault("BATCH_MAX_DELAY", "10s")
	v.SetDefault("PAYMENT_FAILURE_THRESHOLD", 3)
	v.SetDefault("PAYMENT_FAILURE_WINDOW", "168h")
	v.SetDefault("WEBHOOK_REDELIVER_ON_FAILURE", false)
	v.SetDefault("EVENT_DEDUP_BACKEND", DedupPostgres)
	v.SetDefault("EVENT_DEDUP_TTL", "72h")
}

// Load reads the environment, after merging an optional .env file from the
// working directory. DB_SOURCE is the only key without a usable default.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	dbSource := v.GetString("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:         dbSource,
		Port:             v.GetString("SERVER_PORT"),
		Env:              v.GetString("ENVIRONMENT"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogPretty:        v.GetBool("LOG_PRETTY"),
		StripeSecretKey:  v.GetString("STRIPE_SECRET_KEY"),
		WebhookSecret:    v.GetString("WEBHOOK_SECRET"),
		WebhookTolerance: v.GetDuration("WEBHOOK_TOLERANCE"),
		RailTimeout:      v.GetDuration("RAIL_TIMEOUT"),
		Batch: BatchConfig{
			Concurrency:   v.GetInt("BATCH_CONCURRENCY"),
			MinimumAmount: v.GetInt64("BATCH_MINIMUM_AMOUNT"),
			Currency:      strings.ToLower(v.GetString("BATCH_CURRENCY")),
			MaxAttempts:   v.GetInt("BATCH_MAX_ATTEMPTS"),
			BaseDelay:     v.GetDuration("BATCH_BASE_DELAY"),
			MaxDelay:      v.GetDuration("BATCH_MAX_DELAY"),
		},
		PaymentFailureThreshold: v.GetInt("PAYMENT_FAILURE_THRESHOLD"),
		PaymentFailureWindow:    v.GetDuration("PAYMENT_FAILURE_WINDOW"),
		RedeliverOnFailure:      v.GetBool("WEBHOOK_REDELIVER_ON_FAILURE"),
		EventDedupBackend:       strings.ToLower(v.GetString("EVENT_DEDUP_BACKEND")),
		RedisURL:                v.GetString("REDIS_URL"),
		EventDedupTTL:           v.GetDuration("EVENT_DEDUP_TTL"),
		SendGridAPIKey:          v.GetString("SENDGRID_API_KEY"),
		AlertFromEmail:          v.GetString("ALERT_FROM_EMAIL"),
		AlertToEmail:            v.GetString("ALERT_TO_EMAIL"),
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.Batch.Concurrency < 1 {
		errs = append(errs, errors.New("BATCH_CONCURRENCY must be at least 1"))
	}
	if c.Batch.MinimumAmount < 0 {
		errs = append(errs, errors.New("BATCH_MINIMUM_AMOUNT must not be negative"))
	}
	if len(c.Batch.Currency) != 3 {
		errs = append(errs, errors.New("BATCH_CURRENCY must be a three-letter ISO code"))
	}
	if c.Batch.MaxAttempts < 1 {
		errs = append(errs, errors.New("BATCH_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Batch.MaxDelay < c.Batch.BaseDelay {
		errs = append(errs, errors.New("BATCH_MAX_DELAY must not be below BATCH_BASE_DELAY"))
	}
	if c.RailTimeout <= 0 {
		errs = append(errs, errors.New("RAIL_TIMEOUT must be positive"))
	}
	if c.PaymentFailureThreshold < 1 {
		errs = append(errs, errors.New("PAYMENT_FAILURE_THRESHOLD must be at least 1"))
	}
	switch c.EventDedupBackend {
	case DedupPostgres:
	case DedupRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when EVENT_DEDUP_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EVENT_DEDUP_BACKEND %q", c.EventDedupBackend))
	}
	if c.SendGridAPIKey != "" && (c.AlertFromEmail == "" || c.AlertToEmail == "") {
		errs = append(errs, errors.New("ALERT_FROM_EMAIL and ALERT_TO_EMAIL are required with SENDGRID_API_KEY"))
	}
	return errors.Join(errs...)
}

// ValidateServer adds the checks only the HTTP server needs.
func (c *Config) ValidateServer() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET environment variable is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
