package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string

	RateLimitMax         int
	RateLimitWindow      time.Duration
	RateLimitMaxSessions int
	RateLimitDB          string // bbolt file; empty keeps entries in memory

	ContextMessages    int
	ChatUpstreamURL    string // remote /api/chat; empty dispatches in-process
	CORSAllowedOrigins []string
}

// ConfigurationError reports a missing or unusable setting.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Key, e.Reason)
}

// LoadConfig reads .env (if present) and the environment.
func LoadConfig() (*Config, error) {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:  getEnv("DATABASE_URL", "streamchat.db"),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),

		RateLimitMax:         getEnvAsInt("RATE_LIMIT_MAX", 10),
		RateLimitWindow:      getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitMaxSessions: getEnvAsInt("RATE_LIMIT_MAX_SESSIONS", 10000),
		RateLimitDB:          getEnv("RATE_LIMIT_DB", ""),

		ContextMessages:    getEnvAsInt("CONTEXT_MESSAGES", 20),
		ChatUpstreamURL:    getEnv("CHAT_UPSTREAM_URL", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	if cfg.GeminiAPIKey == "" {
		return nil, &ConfigurationError{Key: "GEMINI_API_KEY", Reason: "environment variable is required"}
	}
	if cfg.RateLimitMax <= 0 {
		return nil, &ConfigurationError{Key: "RATE_LIMIT_MAX", Reason: "must be positive"}
	}
	if cfg.RateLimitWindow <= 0 {
		return nil, &ConfigurationError{Key: "RATE_LIMIT_WINDOW", Reason: "must be positive"}
	}
	if cfg.ContextMessages <= 0 {
		return nil, &ConfigurationError{Key: "CONTEXT_MESSAGES", Reason: "must be positive"}
	}
	return cfg, nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
