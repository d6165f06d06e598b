/**
 * @description
 * This package handles the configuration management for the ledger service. It uses
 * Viper to read infrastructure settings from environment variables and an optional
 * .env file. Economy rules (tip/rain bounds, cooldowns, vault and withdrawal limits)
 * live in settings.go and can be reloaded while the service runs.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading.
 */

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the infrastructure configuration for the ledger service.
type Config struct {
	ServerPort                  string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string  `mapstructure:"DATABASE_URL"`
	StoreDriver                 string  `mapstructure:"STORE_DRIVER"`
	RedisURL                    string  `mapstructure:"REDIS_URL"`
	RedisKeyPrefix              string  `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                 string  `mapstructure:"RABBITMQ_URL"`
	LedgerEventsExchange        string  `mapstructure:"LEDGER_EVENTS_EXCHANGE"`
	ActivityExchange            string  `mapstructure:"ACTIVITY_EXCHANGE"`
	ActivityQueue               string  `mapstructure:"ACTIVITY_QUEUE"`
	JWTSecret                   string  `mapstructure:"JWT_SECRET"`
	JWTIssuer                   string  `mapstructure:"JWT_ISSUER"`
	ProviderName                string  `mapstructure:"PAYMENT_PROVIDER_NAME"`
	ProviderBaseURL             string  `mapstructure:"PAYMENT_PROVIDER_BASE_URL"`
	ProviderAppID               string  `mapstructure:"PAYMENT_PROVIDER_APP_ID"`
	ProviderAppSecret           string  `mapstructure:"PAYMENT_PROVIDER_APP_SECRET"`
	ProviderWebhookSecret       string  `mapstructure:"PAYMENT_PROVIDER_WEBHOOK_SECRET"`
	ProviderTimeoutSeconds      int     `mapstructure:"PAYMENT_PROVIDER_TIMEOUT_SECONDS"`
	ProviderReadMaxAttempts     int     `mapstructure:"PAYMENT_PROVIDER_READ_MAX_ATTEMPTS"`
	ProviderRequestsPerSecond   float64 `mapstructure:"PAYMENT_PROVIDER_REQUESTS_PER_SECOND"`
	WebhookMaxSkewSeconds       int     `mapstructure:"WEBHOOK_MAX_SKEW_SECONDS"`
	BalanceCacheTTLSeconds      int     `mapstructure:"BALANCE_CACHE_TTL_SECONDS"`
	EconomyConfigFile           string  `mapstructure:"ECONOMY_CONFIG_FILE"`
	VaultMaturitySchedule       string  `mapstructure:"VAULT_MATURITY_SCHEDULE"`
	PurchaseOrderExpirySchedule string  `mapstructure:"PURCHASE_ORDER_EXPIRY_SCHEDULE"`
	WithdrawalReconcileSchedule string  `mapstructure:"WITHDRAWAL_RECONCILE_SCHEDULE"`
	LedgerAuditSchedule         string  `mapstructure:"LEDGER_AUDIT_SCHEDULE"`
	WithdrawalReconcileAfterMin int     `mapstructure:"WITHDRAWAL_RECONCILE_AFTER_MINUTES"`
	LogLevel                    string  `mapstructure:"LOG_LEVEL"`
	LogFormat                   string  `mapstructure:"LOG_FORMAT"`
	LogFile                     string  `mapstructure:"LOG_FILE"`
	LogMaxSizeMB                int     `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups               int     `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays               int     `mapstructure:"LOG_MAX_AGE_DAYS"`
	LogCompress                 bool    `mapstructure:"LOG_COMPRESS"`

	// Warnings lists values coerced during loading; logged once the logger exists.
	Warnings []string `mapstructure:"-"`
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("REDIS_KEY_PREFIX", "dgt:ledger")
	viper.SetDefault("LEDGER_EVENTS_EXCHANGE", "ledger_events")
	viper.SetDefault("ACTIVITY_EXCHANGE", "forum_events")
	viper.SetDefault("ACTIVITY_QUEUE", "ledger_service.activity")
	viper.SetDefault("JWT_ISSUER", "degentalk-forum")
	viper.SetDefault("PAYMENT_PROVIDER_NAME", "ccpayment")
	viper.SetDefault("PAYMENT_PROVIDER_TIMEOUT_SECONDS", 15)
	viper.SetDefault("PAYMENT_PROVIDER_READ_MAX_ATTEMPTS", 3)
	viper.SetDefault("PAYMENT_PROVIDER_REQUESTS_PER_SECOND", 10.0)
	viper.SetDefault("WEBHOOK_MAX_SKEW_SECONDS", 300)
	viper.SetDefault("BALANCE_CACHE_TTL_SECONDS", 5)
	viper.SetDefault("VAULT_MATURITY_SCHEDULE", "@every 1m")
	viper.SetDefault("PURCHASE_ORDER_EXPIRY_SCHEDULE", "@every 5m")
	viper.SetDefault("WITHDRAWAL_RECONCILE_SCHEDULE", "@every 10m")
	viper.SetDefault("LEDGER_AUDIT_SCHEDULE", "0 3 * * *")
	viper.SetDefault("WITHDRAWAL_RECONCILE_AFTER_MINUTES", 30)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("LOG_MAX_SIZE_MB", 100)
	viper.SetDefault("LOG_MAX_BACKUPS", 7)
	viper.SetDefault("LOG_MAX_AGE_DAYS", 28)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENTS_EXCHANGE")
	_ = viper.BindEnv("ACTIVITY_EXCHANGE")
	_ = viper.BindEnv("ACTIVITY_QUEUE")
	_ = viper.BindEnv("JWT_SECRET", "JWT_SECRET", "INTERNAL_JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("PAYMENT_PROVIDER_NAME")
	_ = viper.BindEnv("PAYMENT_PROVIDER_BASE_URL")
	_ = viper.BindEnv("PAYMENT_PROVIDER_APP_ID")
	_ = viper.BindEnv("PAYMENT_PROVIDER_APP_SECRET")
	_ = viper.BindEnv("PAYMENT_PROVIDER_WEBHOOK_SECRET")
	_ = viper.BindEnv("PAYMENT_PROVIDER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PAYMENT_PROVIDER_READ_MAX_ATTEMPTS")
	_ = viper.BindEnv("PAYMENT_PROVIDER_REQUESTS_PER_SECOND")
	_ = viper.BindEnv("WEBHOOK_MAX_SKEW_SECONDS")
	_ = viper.BindEnv("BALANCE_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("ECONOMY_CONFIG_FILE")
	_ = viper.BindEnv("VAULT_MATURITY_SCHEDULE")
	_ = viper.BindEnv("PURCHASE_ORDER_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("WITHDRAWAL_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("LEDGER_AUDIT_SCHEDULE")
	_ = viper.BindEnv("WITHDRAWAL_RECONCILE_AFTER_MINUTES")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("LOG_FILE")
	_ = viper.BindEnv("LOG_MAX_SIZE_MB")
	_ = viper.BindEnv("LOG_MAX_BACKUPS")
	_ = viper.BindEnv("LOG_MAX_AGE_DAYS")
	_ = viper.BindEnv("LOG_COMPRESS")

	// A missing .env file is fine; everything can come from the environment.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			config.warn("failed to read config file; using environment values: %v", err)
		}
		err = nil
	}

	warnings := config.Warnings
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}
	config.Warnings = warnings

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	if c.StoreDriver != StoreDriverPostgres && c.StoreDriver != StoreDriverMemory {
		c.warn("unknown store driver; using postgres (driver=%q)", c.StoreDriver)
		c.StoreDriver = StoreDriverPostgres
	}
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(c.RedisKeyPrefix), ":")
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "dgt:ledger"
	}
	c.ProviderName = strings.ToLower(strings.TrimSpace(c.ProviderName))
	c.ProviderBaseURL = strings.TrimSuffix(strings.TrimSpace(c.ProviderBaseURL), "/")
	if strings.TrimSpace(c.ProviderWebhookSecret) == "" {
		c.ProviderWebhookSecret = c.ProviderAppSecret
	}

	if c.ProviderTimeoutSeconds <= 0 {
		c.warn("non-positive provider timeout; using default (value=%d)", c.ProviderTimeoutSeconds)
		c.ProviderTimeoutSeconds = 15
	}
	if c.ProviderTimeoutSeconds > 120 {
		c.warn("provider timeout too high; capping at 120s (value=%d)", c.ProviderTimeoutSeconds)
		c.ProviderTimeoutSeconds = 120
	}
	if c.ProviderReadMaxAttempts <= 0 {
		c.ProviderReadMaxAttempts = 1
	}
	if c.ProviderReadMaxAttempts > 5 {
		c.warn("provider read attempts too high; capping at 5 (value=%d)", c.ProviderReadMaxAttempts)
		c.ProviderReadMaxAttempts = 5
	}
	if c.ProviderRequestsPerSecond <= 0 {
		c.ProviderRequestsPerSecond = 10
	}
	if c.WebhookMaxSkewSeconds < 0 {
		c.WebhookMaxSkewSeconds = 0
	}
	if c.BalanceCacheTTLSeconds < 0 {
		c.BalanceCacheTTLSeconds = 0
	}
	if c.BalanceCacheTTLSeconds > 60 {
		c.warn("balance cache ttl too long; capping at 60s (value=%d)", c.BalanceCacheTTLSeconds)
		c.BalanceCacheTTLSeconds = 60
	}
	if c.WithdrawalReconcileAfterMin <= 0 {
		c.WithdrawalReconcileAfterMin = 30
	}
}

func (c *Config) warn(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}
