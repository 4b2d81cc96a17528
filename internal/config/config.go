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

// Config holds all the configuration variables for the loyalty-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix    string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	LoyaltyEventExchange    string `mapstructure:"LOYALTY_EVENT_EXCHANGE"`
	StaffJWTSecret          string `mapstructure:"STAFF_JWT_SECRET"`
	RedeemTokenTTLSeconds   int    `mapstructure:"REDEEM_TOKEN_TTL_SECONDS"`
	ConsumeRateLimitPerMin  int    `mapstructure:"CONSUME_RATE_LIMIT_PER_MINUTE"`
	RedemptionSweepSchedule string `mapstructure:"REDEMPTION_SWEEP_SCHEDULE"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
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
	viper.SetDefault("LOYALTY_EVENT_EXCHANGE", "loyalty.events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "loyalty:rate_limit")
	viper.SetDefault("REDEEM_TOKEN_TTL_SECONDS", 120)
	viper.SetDefault("CONSUME_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("REDEMPTION_SWEEP_SCHEDULE", "* * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("LOYALTY_EVENT_EXCHANGE")
	_ = viper.BindEnv("STAFF_JWT_SECRET")
	_ = viper.BindEnv("REDEEM_TOKEN_TTL_SECONDS")
	_ = viper.BindEnv("CONSUME_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("REDEMPTION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

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

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "loyalty:rate_limit"
	}

	if config.RedeemTokenTTLSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid redeem token ttl; using default\" ttl_seconds=%d", config.RedeemTokenTTLSeconds)
		config.RedeemTokenTTLSeconds = 120
	}
	if config.ConsumeRateLimitPerMin < 0 {
		config.ConsumeRateLimitPerMin = 0
	}
	if strings.TrimSpace(config.RedemptionSweepSchedule) == "" {
		config.RedemptionSweepSchedule = "* * * * *"
	}

	return
}

// AllowedOrigins splits the comma-separated CORS origin list.
func (c Config) AllowedOrigins() []string {
	raw := strings.TrimSpace(c.CORSAllowedOrigins)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
