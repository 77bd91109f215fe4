package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the history API.
type Config struct {
	DatabaseURL  string
	DBFolder     string
	Port         int
	BearerToken  string
	DefaultLimit int
	LogLevel     string
	LogFormat    string
}

// Load reads configuration from environment variables (optionally .env files).
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f) // ignore missing file
	}

	cfg := Config{
		Port:         8080,
		DefaultLimit: 200,
		LogLevel:     "info",
		LogFormat:    "console",
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.DBFolder = strings.TrimSpace(os.Getenv("DB_FOLDER"))
	if cfg.DatabaseURL == "" && cfg.DBFolder == "" {
		return cfg, errors.New("DATABASE_URL or DB_FOLDER is required")
	}

	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid PORT: %s", portStr)
		}
	} else if portStr := os.Getenv("API_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid API_PORT: %s", portStr)
		}
	}

	if limitStr := os.Getenv("API_DEFAULT_LIMIT"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			cfg.DefaultLimit = limit
		} else {
			return cfg, fmt.Errorf("invalid API_DEFAULT_LIMIT: %s", limitStr)
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	cfg.BearerToken = os.Getenv("API_BEARER_TOKEN")

	return cfg, nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
