package config

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all runtime settings. Values come from the environment with
// an optional .env file for local development.
type Config struct {
	Env              string
	Port             string
	DBPath           string
	JWTSecret        string
	APIKey           string
	APISecret        string
	MatchingInterval time.Duration
	ExpiryInterval   time.Duration
	KafkaBrokers     []string
	KafkaTopic       string
	KafkaGroupID     string
	Debug            bool
}

// Load reads configuration from .env (if present) and the environment.
func Load() *Config {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("DB_PATH", "exchange.db")
	viper.SetDefault("JWT_SECRET", "exchange-secret-key")
	viper.SetDefault("API_KEY", "exchange-api-key")
	viper.SetDefault("API_SECRET", "exchange-api-secret")
	viper.SetDefault("MATCHING_INTERVAL", "30s")
	viper.SetDefault("EXPIRY_INTERVAL", "1m")
	viper.SetDefault("KAFKA_TOPIC", "order-events")
	viper.SetDefault("KAFKA_GROUP_ID", "exchange-core")

	if err := viper.ReadInConfig(); err != nil {
		log.Debug().Err(err).Msg("no config file found, using environment only")
	}

	return &Config{
		Env:              viper.GetString("ENV"),
		Port:             viper.GetString("PORT"),
		DBPath:           viper.GetString("DB_PATH"),
		JWTSecret:        viper.GetString("JWT_SECRET"),
		APIKey:           viper.GetString("API_KEY"),
		APISecret:        viper.GetString("API_SECRET"),
		MatchingInterval: viper.GetDuration("MATCHING_INTERVAL"),
		ExpiryInterval:   viper.GetDuration("EXPIRY_INTERVAL"),
		KafkaBrokers:     viper.GetStringSlice("KAFKA_BROKERS"),
		KafkaTopic:       viper.GetString("KAFKA_TOPIC"),
		KafkaGroupID:     viper.GetString("KAFKA_GROUP_ID"),
		Debug:            viper.GetBool("DEBUG"),
	}
}
