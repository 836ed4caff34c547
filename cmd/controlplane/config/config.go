package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	LogLevel    string
	DataDir     string
	AuthToken   string
	RedisURL    string
	RedisPrefix string

	// Seconds between reconciler passes.
	ReconcileInterval int
}

// Load loads configuration from environment variables.
// Automatically loads .env file if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8100"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DataDir:           getEnv("DATA_DIR", "/var/lib/fleetplane"),
		AuthToken:         getEnv("AUTH_TOKEN", ""),
		RedisURL:          getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		RedisPrefix:       getEnv("REDIS_PREFIX", "fleetplane"),
		ReconcileInterval: getEnvInt("RECONCILE_INTERVAL_S", 15),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
