package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port        string
		CORSOrigins []string
	}
	DB struct {
		Host         string
		Port         string
		User         string
		Password     string
		DBName       string
		SSLMode      string
		MaxOpenConns int
		MaxIdleConns int
		ConnLifetime time.Duration
	}
	Stripe struct {
		SecretKey     string
		WebhookKey    string
		ProPriceID    string
		CreditPriceID string
	}
	AI struct {
		APIKey  string
		Model   string
		Timeout time.Duration
	}
	Auth struct {
		JWTSecret string
	}
	Entitlement struct {
		// FreeMonthlyQuota is the number of explanations a free-tier user
		// gets per calendar month without credits.
		FreeMonthlyQuota int
		// SignupCredits is the promotional balance granted when a user
		// record is first created.
		SignupCredits int
	}
	ShutdownTimeout time.Duration
}

// Load loads the configuration from config.yaml if present, otherwise
// from environment variables with sane defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetDefault("ShutdownTimeout", 10*time.Second)
	v.SetDefault("AI.Model", "gpt-4o-mini")
	v.SetDefault("AI.Timeout", 30*time.Second)
	v.SetDefault("Server.Port", "8080")
	v.SetDefault("Server.CORSOrigins", []string{"http://localhost:3000"})
	v.SetDefault("DB.MaxOpenConns", 20)
	v.SetDefault("DB.MaxIdleConns", 10)
	v.SetDefault("DB.ConnLifetime", 5*time.Minute)
	v.SetDefault("Entitlement.FreeMonthlyQuota", 1)
	v.SetDefault("Entitlement.SignupCredits", 0)

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// No config file; build everything from environment variables.
		return fromEnv()
	}

	// Resolve ${ENV_VAR} placeholders in config values.
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(value, "}"), "${")
			if envValue := os.Getenv(envVar); envValue != "" {
				v.Set(key, envValue)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func fromEnv() (*Config, error) {
	cfg := &Config{}

	cfg.Server.Port = getEnvOr("SERVER_PORT", "8080")
	cfg.Server.CORSOrigins = strings.Split(getEnvOr("CORS_ORIGINS", "http://localhost:3000"), ",")

	cfg.DB.Host = getEnvOr("DB_HOST", "localhost")
	cfg.DB.Port = getEnvOr("DB_PORT", "5432")
	cfg.DB.User = getEnvOr("DB_USER", "postgres")
	cfg.DB.Password = getEnvOr("DB_PASSWORD", "postgres")
	cfg.DB.DBName = getEnvOr("DB_NAME", "resultrx")
	cfg.DB.SSLMode = getEnvOr("DB_SSL_MODE", "disable")
	cfg.DB.MaxOpenConns = getEnvIntOr("DB_MAX_OPEN_CONNS", 20)
	cfg.DB.MaxIdleConns = getEnvIntOr("DB_MAX_IDLE_CONNS", 10)
	cfg.DB.ConnLifetime = 5 * time.Minute

	cfg.Stripe.SecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.Stripe.WebhookKey = os.Getenv("STRIPE_WEBHOOK_KEY")
	cfg.Stripe.ProPriceID = os.Getenv("STRIPE_PRO_PRICE_ID")
	cfg.Stripe.CreditPriceID = os.Getenv("STRIPE_CREDIT_PRICE_ID")

	cfg.AI.APIKey = os.Getenv("AI_API_KEY")
	cfg.AI.Model = getEnvOr("AI_MODEL", "gpt-4o-mini")
	cfg.AI.Timeout = 30 * time.Second

	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")

	cfg.Entitlement.FreeMonthlyQuota = getEnvIntOr("FREE_MONTHLY_QUOTA", 1)
	cfg.Entitlement.SignupCredits = getEnvIntOr("SIGNUP_CREDITS", 0)

	cfg.ShutdownTimeout = 10 * time.Second

	return cfg, nil
}

func getEnvOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOr(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
