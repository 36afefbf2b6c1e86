package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServerAddr          string
	DatabaseURL         string
	RedisAddr           string
	StoreBackend        string
	Platforms           []string
	AgentBaseURLs       map[string]string
	LLMAPIURL           string
	LLMAPIKey           string
	LLMModel            string
	ComplianceRulesPath string
	WorkerStopTimeout   time.Duration
	AutostartWorkers    bool
}

var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required for the postgres store backend")

// LoadEnv loads variables from .env when present; the process environment
// always wins for keys it already defines.
func LoadEnv(logger *logrus.Logger) {
	if _, err := os.Stat(".env"); err != nil {
		logger.Debug("No .env file; relying on process environment")
		return
	}
	if err := godotenv.Load(); err != nil {
		logger.WithError(err).Warn("Failed to load .env file")
	}
}

func Load() (Config, error) {
	cfg := Config{
		ServerAddr:          GetEnv("SERVER_ADDR", ":8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           GetEnv("REDIS_ADDR", "localhost:6379"),
		StoreBackend:        strings.ToLower(GetEnv("STORE_BACKEND", "postgres")),
		Platforms:           GetEnvList("PLATFORMS", []string{"tiktok", "twitter", "instagram", "reddit"}),
		AgentBaseURLs:       map[string]string{},
		LLMAPIURL:           os.Getenv("LLM_API_URL"),
		LLMAPIKey:           os.Getenv("LLM_API_KEY"),
		LLMModel:            GetEnv("LLM_MODEL", "gpt-4o-mini"),
		ComplianceRulesPath: os.Getenv("COMPLIANCE_RULES_PATH"),
		WorkerStopTimeout:   GetEnvDuration("WORKER_STOP_TIMEOUT", 10*time.Second),
		AutostartWorkers:    GetEnvBool("AUTOSTART_WORKERS", true),
	}
	for _, p := range cfg.Platforms {
		if u := os.Getenv("AGENT_BASE_URL_" + strings.ToUpper(p)); u != "" {
			cfg.AgentBaseURLs[p] = u
		}
	}
	if cfg.StoreBackend == "postgres" && cfg.DatabaseURL == "" {
		return cfg, ErrMissingDatabaseURL
	}
	return cfg, nil
}

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvList splits a comma separated variable, dropping empty entries.
func GetEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
