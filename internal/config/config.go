/**
 * @description
 * This package handles the configuration management for the billing services. It uses the
 * Viper library to read configuration from environment variables (and an optional .env file),
 * providing a single Config shared by the payment-service and the scheduler-service.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clementdevtech/cardirectory/internal/domain"
)

// Config holds all the configuration variables for the billing services.
type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	MetricsPort   string `mapstructure:"METRICS_PORT"` // scheduler-service only
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	RunMigrations bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL      string `mapstructure:"REDIS_URL"`
	RabbitMQURL   string `mapstructure:"RABBITMQ_URL"`

	NotificationExchange string `mapstructure:"NOTIFICATION_EXCHANGE"`
	PaymentEventExchange string `mapstructure:"PAYMENT_EVENT_EXCHANGE"`
	PaymentEventQueue    string `mapstructure:"PAYMENT_EVENT_QUEUE"`

	PesapalBaseURL        string `mapstructure:"PESAPAL_BASE_URL"`
	PesapalConsumerKey    string `mapstructure:"PESAPAL_CONSUMER_KEY"`
	PesapalConsumerSecret string `mapstructure:"PESAPAL_CONSUMER_SECRET"`
	PesapalIPNID          string `mapstructure:"PESAPAL_IPN_ID"`
	PaymentCallbackURL    string `mapstructure:"PAYMENT_CALLBACK_URL"`
	PaymentCurrency       string `mapstructure:"PAYMENT_CURRENCY"`
	ProviderTimeoutSecs   int    `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`

	JWTSecret      string `mapstructure:"JWT_SECRET"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	WebhookSecret  string `mapstructure:"WEBHOOK_SECRET"`
	AuthServiceURL string `mapstructure:"AUTH_SERVICE_URL"`

	CheckoutRateLimitPerMinute int `mapstructure:"CHECKOUT_RATE_LIMIT_PER_MINUTE"`

	GracePeriodDays        int    `mapstructure:"GRACE_PERIOD_DAYS"`
	TrialDays              int    `mapstructure:"TRIAL_DAYS"`
	TrialListings          int    `mapstructure:"TRIAL_LISTINGS"`
	ReminderLookaheadHours int    `mapstructure:"REMINDER_LOOKAHEAD_HOURS"`
	StalePendingMinutes    int    `mapstructure:"STALE_PENDING_MINUTES"`
	ExpiryJobSchedule      string `mapstructure:"EXPIRY_JOB_SCHEDULE"`
	ReminderJobSchedule    string `mapstructure:"REMINDER_JOB_SCHEDULE"`
	ReconcileJobSchedule   string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	OutboxPollIntervalMs   int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`

	PlanCatalogJSON string `mapstructure:"PLAN_CATALOG"`

	// Plans is resolved from PlanCatalogJSON or the built-in defaults.
	Plans domain.PlanCatalog `mapstructure:"-"`
}

// ProviderTimeout is the bound applied to every payment provider call.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSecs) * time.Second
}

// GracePeriod is how long an expired subscription still grants access.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// TrialDuration is the length of a one-shot dealer trial.
func (c Config) TrialDuration() time.Duration {
	return time.Duration(c.TrialDays) * 24 * time.Hour
}

// ReminderLookahead is the window in which expiring records get a reminder.
func (c Config) ReminderLookahead() time.Duration {
	return time.Duration(c.ReminderLookaheadHours) * time.Hour
}

// StalePendingAfter is the age after which a pending attempt is polled by the scheduler.
func (c Config) StalePendingAfter() time.Duration {
	return time.Duration(c.StalePendingMinutes) * time.Minute
}

// OutboxPollInterval is the notification outbox drain period.
func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMs) * time.Millisecond
}

var boundKeys = []string{
	"SERVER_PORT",
	"METRICS_PORT",
	"DATABASE_URL",
	"RUN_MIGRATIONS",
	"REDIS_URL",
	"RABBITMQ_URL",
	"NOTIFICATION_EXCHANGE",
	"PAYMENT_EVENT_EXCHANGE",
	"PAYMENT_EVENT_QUEUE",
	"PESAPAL_BASE_URL",
	"PESAPAL_CONSUMER_KEY",
	"PESAPAL_CONSUMER_SECRET",
	"PESAPAL_IPN_ID",
	"PAYMENT_CALLBACK_URL",
	"PAYMENT_CURRENCY",
	"PROVIDER_TIMEOUT_SECONDS",
	"JWT_SECRET",
	"WEBHOOK_SECRET",
	"AUTH_SERVICE_URL",
	"CHECKOUT_RATE_LIMIT_PER_MINUTE",
	"GRACE_PERIOD_DAYS",
	"TRIAL_DAYS",
	"TRIAL_LISTINGS",
	"REMINDER_LOOKAHEAD_HOURS",
	"STALE_PENDING_MINUTES",
	"EXPIRY_JOB_SCHEDULE",
	"REMINDER_JOB_SCHEDULE",
	"RECONCILE_JOB_SCHEDULE",
	"OUTBOX_POLL_INTERVAL_MS",
	"PLAN_CATALOG",
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("METRICS_PORT", "9091")
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("NOTIFICATION_EXCHANGE", "notification_events")
	viper.SetDefault("PAYMENT_EVENT_EXCHANGE", "payment_events")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "billing_service.payment_status")
	viper.SetDefault("PESAPAL_BASE_URL", "https://cybqa.pesapal.com/pesapalv3")
	viper.SetDefault("PAYMENT_CURRENCY", "KES")
	viper.SetDefault("PROVIDER_TIMEOUT_SECONDS", 20)
	viper.SetDefault("CHECKOUT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("GRACE_PERIOD_DAYS", 7)
	viper.SetDefault("TRIAL_DAYS", 14)
	viper.SetDefault("TRIAL_LISTINGS", 5)
	viper.SetDefault("REMINDER_LOOKAHEAD_HOURS", 72)
	viper.SetDefault("STALE_PENDING_MINUTES", 15)
	viper.SetDefault("EXPIRY_JOB_SCHEDULE", "0 2 * * *")      // At 02:00 daily.
	viper.SetDefault("REMINDER_JOB_SCHEDULE", "30 2 * * *")   // At 02:30 daily.
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "*/10 * * * *") // Every 10 minutes.
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1500)

	for _, key := range boundKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "BILLING_INTERNAL_API_KEY")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "error", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.PesapalBaseURL = strings.TrimSuffix(strings.TrimSpace(config.PesapalBaseURL), "/")
	config.PaymentCurrency = strings.ToUpper(strings.TrimSpace(config.PaymentCurrency))

	if config.ProviderTimeoutSecs <= 0 {
		config.ProviderTimeoutSecs = 20
	}
	if config.ProviderTimeoutSecs > 30 {
		slog.Warn("provider timeout too high; capping at 30 seconds", "timeout_seconds", config.ProviderTimeoutSecs)
		config.ProviderTimeoutSecs = 30
	}
	if config.GracePeriodDays < 0 {
		config.GracePeriodDays = 0
	}
	if config.TrialDays <= 0 {
		config.TrialDays = 14
	}
	if config.TrialListings < 0 {
		config.TrialListings = 0
	}
	if config.ReminderLookaheadHours <= 0 {
		config.ReminderLookaheadHours = 72
	}
	if config.StalePendingMinutes <= 0 {
		config.StalePendingMinutes = 15
	}
	if config.OutboxPollIntervalMs <= 0 {
		config.OutboxPollIntervalMs = 1500
	}

	config.Plans = domain.DefaultPlanCatalog()
	if raw := strings.TrimSpace(config.PlanCatalogJSON); raw != "" {
		plans, parseErr := domain.ParsePlanCatalog(raw)
		if parseErr != nil {
			err = fmt.Errorf("PLAN_CATALOG: %w", parseErr)
			return
		}
		config.Plans = plans
	}

	return
}

// Validate checks the settings a binary cannot run without.
func (c Config) Validate(required ...string) error {
	var missing []string
	for _, key := range required {
		var value string
		switch key {
		case "DATABASE_URL":
			value = c.DatabaseURL
		case "JWT_SECRET":
			value = c.JWTSecret
		case "INTERNAL_API_KEY":
			value = c.InternalAPIKey
		case "PESAPAL_CONSUMER_KEY":
			value = c.PesapalConsumerKey
		case "PESAPAL_CONSUMER_SECRET":
			value = c.PesapalConsumerSecret
		case "RABBITMQ_URL":
			value = c.RabbitMQURL
		default:
			value = viper.GetString(key)
		}
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
