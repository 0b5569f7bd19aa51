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

// Config holds all the configuration variables for the kiosk backend.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	ProcessorEventQueue      string `mapstructure:"PROCESSOR_EVENT_QUEUE"`
	ProcessorAPIBaseURL      string `mapstructure:"PROCESSOR_API_BASE_URL"`
	ProcessorTokenURL        string `mapstructure:"PROCESSOR_TOKEN_URL"`
	ProcessorClientID        string `mapstructure:"PROCESSOR_CLIENT_ID"`
	ProcessorClientSecret    string `mapstructure:"PROCESSOR_CLIENT_SECRET"`
	FaceServiceURL           string `mapstructure:"FACE_SERVICE_URL"`
	FaceFactorPolicy         string `mapstructure:"FACE_FACTOR_POLICY"`
	Currency                 string `mapstructure:"CURRENCY"`
	SessionTTLMinutes        int    `mapstructure:"SESSION_TTL_MINUTES"`
	MaxLoginAttempts         int    `mapstructure:"MAX_LOGIN_ATTEMPTS"`
	MaxTransactionAmount     int64  `mapstructure:"MAX_TRANSACTION_AMOUNT"`
	ReconcileIntervalMinutes int    `mapstructure:"RECONCILE_INTERVAL_MINUTES"`
	ReconcileAfterMinutes    int    `mapstructure:"RECONCILE_AFTER_MINUTES"`
}

// FaceFactorStrict requires a verified face match on every login; the default
// "degrade" policy lets PIN+EGN through when the face service is unreachable.
const (
	FaceFactorStrict  = "strict"
	FaceFactorDegrade = "degrade"
)

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
	viper.SetDefault("PROCESSOR_EVENT_QUEUE", "kiosk_backend.transfer_updates")
	viper.SetDefault("FACE_FACTOR_POLICY", FaceFactorDegrade)
	viper.SetDefault("CURRENCY", "BGN")
	viper.SetDefault("SESSION_TTL_MINUTES", 90)
	viper.SetDefault("MAX_LOGIN_ATTEMPTS", 5)
	viper.SetDefault("MAX_TRANSACTION_AMOUNT", 1000000)
	viper.SetDefault("RECONCILE_INTERVAL_MINUTES", 5)
	viper.SetDefault("RECONCILE_AFTER_MINUTES", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PROCESSOR_EVENT_QUEUE")
	_ = viper.BindEnv("PROCESSOR_API_BASE_URL")
	_ = viper.BindEnv("PROCESSOR_TOKEN_URL")
	_ = viper.BindEnv("PROCESSOR_CLIENT_ID")
	_ = viper.BindEnv("PROCESSOR_CLIENT_SECRET")
	_ = viper.BindEnv("FACE_SERVICE_URL")
	_ = viper.BindEnv("FACE_FACTOR_POLICY")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("SESSION_TTL_MINUTES")
	_ = viper.BindEnv("MAX_LOGIN_ATTEMPTS")
	_ = viper.BindEnv("MAX_TRANSACTION_AMOUNT")
	_ = viper.BindEnv("RECONCILE_INTERVAL_MINUTES")
	_ = viper.BindEnv("RECONCILE_AFTER_MINUTES")

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

	config.FaceFactorPolicy = strings.ToLower(strings.TrimSpace(config.FaceFactorPolicy))
	if config.FaceFactorPolicy != FaceFactorStrict && config.FaceFactorPolicy != FaceFactorDegrade {
		log.Printf("level=warn component=config msg=\"unknown face factor policy; falling back to degrade\" value=%q", config.FaceFactorPolicy)
		config.FaceFactorPolicy = FaceFactorDegrade
	}

	if config.SessionTTLMinutes <= 0 {
		config.SessionTTLMinutes = 90
	}
	if config.MaxLoginAttempts <= 0 {
		config.MaxLoginAttempts = 5
	}
	if config.MaxTransactionAmount <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive transaction ceiling configured; using default\" value=%d", config.MaxTransactionAmount)
		config.MaxTransactionAmount = 1000000
	}
	if config.ReconcileIntervalMinutes <= 0 {
		config.ReconcileIntervalMinutes = 5
	}
	if config.ReconcileAfterMinutes <= 0 {
		config.ReconcileAfterMinutes = 10
	}

	return
}
