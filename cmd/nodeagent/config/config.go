package config

import (
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	LogLevel    string
	BaseDir     string
	SSHUser     string
	PrivkeyPath string
	QEMUBin     string
	UEFIARM64   string
	BaseImage   string
	BootTimeout int // seconds
	RunAsUID    int
	RunAsGID    int
	RedisURL    string
	RedisPrefix string
	AuthToken   string
	NodeName    string

	// Bytes of serial console log returned per request.
	ConsoleLogTail int64

	// Control-plane heartbeat target; empty disables the loop.
	ControlPlaneURL   string
	ControlPlaneToken string
	HeartbeatInterval int // seconds
}

// Load loads configuration from environment variables.
// Automatically loads .env file if present.
func Load() *Config {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()

	return &Config{
		Port:              getEnv("PORT", "8200"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		BaseDir:           getEnv("VM_BASE_DIR", "/var/lib/fleetplane"),
		SSHUser:           getEnv("VM_SSH_USER", "fleet"),
		PrivkeyPath:       getEnv("VM_SSH_PRIVKEY", ""),
		QEMUBin:           getEnv("VM_QEMU_BIN", ""),
		UEFIARM64:         getEnv("VM_UEFI_ARM64", ""),
		BaseImage:         getEnv("VM_BASE_IMAGE", ""),
		BootTimeout:       getEnvInt("VM_TIMEOUT_BOOT_S", 600),
		RunAsUID:          getEnvInt("VM_RUN_AS_UID", 0),
		RunAsGID:          getEnvInt("VM_RUN_AS_GID", 0),
		RedisURL:          getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		RedisPrefix:       getEnv("REDIS_PREFIX", "fleetplane"),
		AuthToken:         getEnv("AUTH_TOKEN", ""),
		NodeName:          getEnv("NODE_NAME", hostname),
		ConsoleLogTail:    getEnvSize("CONSOLE_LOG_TAIL", 64*datasize.KB),
		ControlPlaneURL:   getEnv("CONTROL_PLANE_URL", ""),
		ControlPlaneToken: getEnv("CONTROL_PLANE_TOKEN", ""),
		HeartbeatInterval: getEnvInt("HEARTBEAT_INTERVAL_S", 20),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvSize(key string, defaultValue datasize.ByteSize) int64 {
	if value := os.Getenv(key); value != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(value)); err == nil {
			return int64(size.Bytes())
		}
	}
	return int64(defaultValue.Bytes())
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
