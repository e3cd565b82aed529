package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the identity provider.
type ServerConfig struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	BaseURL     string `mapstructure:"BASE_URL"`
	LandingPath string `mapstructure:"LANDING_PATH"`
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`

	// RateLimitBackend selects where attempt counters live: "redis" (needs
	// REDIS_ADDR), "mongo" for a durable single-cluster counter collection,
	// or "memory" for single-instance deployments.
	RateLimitBackend string `mapstructure:"RATE_LIMIT_BACKEND"`
	LogLevel         string `mapstructure:"LOG_LEVEL"`
	LogPretty        bool   `mapstructure:"LOG_PRETTY"`

	JourneyTTLHours int `mapstructure:"JOURNEY_TTL_HOURS"`

	PinLength        int `mapstructure:"PIN_LENGTH"`
	PinLifetimeMin   int `mapstructure:"PIN_LIFETIME_MIN"`
	PinGenerateLimit int `mapstructure:"PIN_GENERATE_LIMIT"`  // per address per window
	PinVerifyLimit   int `mapstructure:"PIN_VERIFY_LIMIT"`    // per address per window
	PinRateWindowMin int `mapstructure:"PIN_RATE_WINDOW_MIN"` // shared window for both budgets
	StaffSignInLimit int `mapstructure:"STAFF_SIGN_IN_LIMIT"`

	RegistryBaseURL    string `mapstructure:"REGISTRY_BASE_URL"`
	RegistryAPIKey     string `mapstructure:"REGISTRY_API_KEY"`
	RegistryTimeoutSec int    `mapstructure:"REGISTRY_TIMEOUT_SEC"`

	// InstitutionEmailDomains trigger the personal-email interstitial,
	// comma separated.
	InstitutionEmailDomains string `mapstructure:"INSTITUTION_EMAIL_DOMAINS"`
}

func (c *ServerConfig) JourneyTTL() time.Duration {
	return time.Duration(c.JourneyTTLHours) * time.Hour
}

func (c *ServerConfig) PinLifetime() time.Duration {
	return time.Duration(c.PinLifetimeMin) * time.Minute
}

func (c *ServerConfig) PinRateWindow() time.Duration {
	return time.Duration(c.PinRateWindowMin) * time.Minute
}

func (c *ServerConfig) RegistryTimeout() time.Duration {
	return time.Duration(c.RegistryTimeoutSec) * time.Second
}

func (c *ServerConfig) InstitutionDomains() []string {
	if c.InstitutionEmailDomains == "" {
		return nil
	}
	parts := strings.Split(c.InstitutionEmailDomains, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// LoadConfig reads configuration from file, environment variables, and
// defaults. A missing config file is fine; env vars and defaults apply.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/teaching-identity/")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("LANDING_PATH", "/account")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/teaching_identity_dev")
	v.SetDefault("MONGO_DB_NAME", "teaching_identity_dev")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("RATE_LIMIT_BACKEND", "memory")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("JOURNEY_TTL_HOURS", 24)
	v.SetDefault("PIN_LENGTH", 5)
	v.SetDefault("PIN_LIFETIME_MIN", 2)
	v.SetDefault("PIN_GENERATE_LIMIT", 5)
	v.SetDefault("PIN_VERIFY_LIMIT", 10)
	v.SetDefault("PIN_RATE_WINDOW_MIN", 1)
	v.SetDefault("STAFF_SIGN_IN_LIMIT", 5)
	v.SetDefault("REGISTRY_BASE_URL", "http://localhost:9090")
	v.SetDefault("REGISTRY_TIMEOUT_SEC", 5)
	v.SetDefault("INSTITUTION_EMAIL_DOMAINS", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	return &cfg, nil
}
