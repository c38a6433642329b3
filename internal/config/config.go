package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Core settings
	SlackBotToken      string
	SlackSigningSecret string
	AnthropicAPIKey    string
	AnthropicModel     string
	ComposioAPIKey     string
	ComposioBaseURL    string
	BaseURL            string

	// Firestore settings (agent data store)
	FirestoreProjectID  string
	FirestoreDatabaseID string

	// Server settings
	Port                  string
	GinMode               string
	LogLevel              string
	ServerReadTimeout     time.Duration
	ServerWriteTimeout    time.Duration
	ServerShutdownTimeout time.Duration

	// Mention pipeline settings
	DedupCapacity     int
	DedupTTL          time.Duration
	AnswerMaxTokens   int
	AnswerTemperature float64
}

// Load reads configuration from environment variables.
// Panics if any required configuration is missing or invalid.
func Load() *Config {
	cfg := &Config{
		// Core settings (required)
		SlackBotToken:   getEnvRequired("SLACK_BOT_TOKEN"),
		AnthropicAPIKey: getEnvRequired("ANTHROPIC_API_KEY"),
		ComposioAPIKey:  getEnvRequired("COMPOSIO_API_KEY"),

		// Core settings (optional)
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		AnthropicModel:     getEnvDefault("ANTHROPIC_MODEL", "claude-3-5-haiku-20241022"),
		ComposioBaseURL:    getEnvDefault("COMPOSIO_BASE_URL", "https://backend.composio.dev/api/v3"),
		BaseURL:            getEnvDefault("BASE_URL", "http://localhost:8080"),

		// Firestore settings
		FirestoreProjectID:  getEnvRequired("FIRESTORE_PROJECT_ID"),
		FirestoreDatabaseID: getEnvDefault("FIRESTORE_DATABASE_ID", "(default)"),

		// Server settings
		Port:     getEnvDefault("PORT", "8080"),
		GinMode:  getEnvDefault("GIN_MODE", "debug"),
		LogLevel: getEnvDefault("LOG_LEVEL", "info"),
	}

	// Parse duration values
	cfg.ServerReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second)
	cfg.ServerWriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second)
	cfg.ServerShutdownTimeout = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)
	cfg.DedupTTL = getEnvDuration("DEDUP_TTL", 60*time.Second)

	// Parse numeric values
	cfg.DedupCapacity = getEnvInt("DEDUP_CAPACITY", 1000)
	cfg.AnswerMaxTokens = getEnvInt("ANSWER_MAX_TOKENS", 700)
	cfg.AnswerTemperature = getEnvFloat("ANSWER_TEMPERATURE", 0.7)

	cfg.validate()

	return cfg
}

// validate checks that all required configuration is present and valid.
// Panics if any validation fails.
func (c *Config) validate() {
	required := map[string]string{
		"SLACK_BOT_TOKEN":      c.SlackBotToken,
		"ANTHROPIC_API_KEY":    c.AnthropicAPIKey,
		"COMPOSIO_API_KEY":     c.ComposioAPIKey,
		"FIRESTORE_PROJECT_ID": c.FirestoreProjectID,
	}

	for name, value := range required {
		if value == "" {
			panic(fmt.Sprintf("required environment variable %s is not set", name))
		}
	}

	if c.GinMode != "debug" && c.GinMode != "release" && c.GinMode != "test" {
		panic(fmt.Sprintf("invalid GIN_MODE: %s (must be debug, release, or test)", c.GinMode))
	}

	if c.LogLevel != "debug" && c.LogLevel != "info" && c.LogLevel != "warn" && c.LogLevel != "error" {
		panic(fmt.Sprintf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", c.LogLevel))
	}

	if c.ServerReadTimeout <= 0 {
		panic("SERVER_READ_TIMEOUT must be positive")
	}
	if c.ServerWriteTimeout <= 0 {
		panic("SERVER_WRITE_TIMEOUT must be positive")
	}
	if c.ServerShutdownTimeout <= 0 {
		panic("SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.DedupCapacity <= 0 {
		panic("DEDUP_CAPACITY must be positive")
	}
	if c.DedupTTL <= 0 {
		panic("DEDUP_TTL must be positive")
	}
	if c.AnswerMaxTokens <= 0 {
		panic("ANSWER_MAX_TOKENS must be positive")
	}
	if c.AnswerTemperature < 0 || c.AnswerTemperature > 1 {
		panic("ANSWER_TEMPERATURE must be between 0 and 1")
	}
}

// getEnvRequired gets an environment variable or returns empty string if not set.
// The validate() function will panic if required values are missing.
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvDefault gets an environment variable with a default value.
func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value.
// Panics if the value cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		panic(fmt.Sprintf("invalid integer value for %s: %s", key, value))
	}
	return n
}

// getEnvFloat gets a float environment variable with a default value.
// Panics if the value cannot be parsed as a float.
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float value for %s: %s", key, value))
	}
	return f
}

// getEnvDuration gets a duration environment variable with a default value.
// Panics if the value cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("invalid duration value for %s: %s", key, value))
	}
	return d
}
