/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the token-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	PaymentEventQueue          string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	RailGatewayBaseURL         string `mapstructure:"RAIL_GATEWAY_BASE_URL"`
	RailGatewayAPIKey          string `mapstructure:"RAIL_GATEWAY_API_KEY"`
	AuthJWKSURL                string `mapstructure:"AUTH_JWKS_URL"`
	CatalogServiceURL          string `mapstructure:"CATALOG_SERVICE_URL"`
	CatalogServiceAPIKey       string `mapstructure:"CATALOG_SERVICE_INTERNAL_API_KEY"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	StoreSystemName            string `mapstructure:"STORE_SYSTEM_NAME"`
	DefaultCurrency            string `mapstructure:"DEFAULT_CURRENCY"`
	PurchaseRateLimitPerMinute int    `mapstructure:"PURCHASE_RATE_LIMIT_PER_MINUTE"`
	ReconcileBatchLimit        int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
	ReconcileIntervalSeconds   int    `mapstructure:"RECONCILE_INTERVAL_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "token_service.payment_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "tokenstore:rate_limit")
	viper.SetDefault("STORE_SYSTEM_NAME", "storefront")
	viper.SetDefault("DEFAULT_CURRENCY", "USD")
	viper.SetDefault("PURCHASE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 100)
	viper.SetDefault("RECONCILE_INTERVAL_SECONDS", 300)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TOKEN_SERVICE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("RAIL_GATEWAY_BASE_URL")
	_ = viper.BindEnv("RAIL_GATEWAY_API_KEY")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("CATALOG_SERVICE_URL")
	_ = viper.BindEnv("CATALOG_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TOKEN_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("STORE_SYSTEM_NAME")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("PURCHASE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECONCILE_BATCH_LIMIT")
	_ = viper.BindEnv("RECONCILE_INTERVAL_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TOKEN_SERVICE_INTERNAL_API_KEY"))
	}
	config.CatalogServiceAPIKey = strings.TrimSpace(config.CatalogServiceAPIKey)
	if config.CatalogServiceAPIKey == "" {
		config.CatalogServiceAPIKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "tokenstore:rate_limit"
	}

	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "USD"
	}

	if config.PurchaseRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative purchase rate limit configured; disabling limiter\" limit=%d", config.PurchaseRateLimitPerMinute)
		config.PurchaseRateLimitPerMinute = 0
	}
	if config.ReconcileBatchLimit <= 0 {
		config.ReconcileBatchLimit = 100
	}
	if config.ReconcileIntervalSeconds <= 0 {
		config.ReconcileIntervalSeconds = 300
	}

	return
}
